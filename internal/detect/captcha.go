package detect

import (
	"sort"
	"strings"
)

// Confidence grades how certain a classification is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// CaptchaResult reports whether a captcha widget is present on the page.
type CaptchaResult struct {
	Detected   bool
	Type       string
	Confidence Confidence
}

// classifyCaptcha inspects the snapshot for captcha providers. Precise
// DOM markers win over regex pattern hits, which win over generic
// phrases. Providers are checked in a stable order so a page carrying
// several fingerprints classifies deterministically.
func classifyCaptcha(rules *Rules, snap *Snapshot) CaptchaResult {
	providers := make([]string, 0, len(rules.Captcha))
	for name := range rules.Captcha {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	// Markers first across all providers: a precise fingerprint beats
	// another provider's fuzzy pattern.
	for _, name := range providers {
		for _, marker := range rules.Captcha[name].Markers {
			if strings.Contains(snap.lowerHTML, strings.ToLower(marker)) {
				return CaptchaResult{Detected: true, Type: name, Confidence: ConfidenceHigh}
			}
		}
	}

	for _, name := range providers {
		for _, re := range rules.Captcha[name].compiled {
			if re.MatchString(snap.HTML) || re.MatchString(snap.Text) {
				return CaptchaResult{Detected: true, Type: name, Confidence: ConfidenceMedium}
			}
		}
	}

	for _, phrase := range rules.GenericCaptcha {
		if snap.containsPhrase(phrase) {
			return CaptchaResult{Detected: true, Type: CaptchaGeneric, Confidence: ConfidenceLow}
		}
	}

	return CaptchaResult{}
}
