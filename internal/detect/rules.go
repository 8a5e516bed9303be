// Package detect classifies rendered pages for captcha challenges and
// bot-wall blocks. Classifiers run on a page snapshot, so they need no
// live browser and the rule sets can be overridden from a YAML file.
package detect

import (
	"fmt"
	"regexp"
)

// CaptchaRules describes how to recognize one captcha provider.
// Markers are precise DOM fingerprints (high confidence), Patterns are
// regexes matched against the HTML (medium confidence).
type CaptchaRules struct {
	Markers  []string `yaml:"markers"`
	Patterns []string `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// BlockRules describes how to recognize one bot-protection vendor.
// Statuses lists the HTTP statuses the vendor serves its block pages
// with; an empty list means any status. Phrases match the HTML.
type BlockRules struct {
	Statuses []int    `yaml:"statuses"`
	Phrases  []string `yaml:"phrases"`
}

// Rules is the full detection rule set. External YAML overrides replace
// whole sections; omitted sections keep the embedded defaults.
type Rules struct {
	Captcha map[string]CaptchaRules `yaml:"captcha"`
	Blocks  map[string]BlockRules   `yaml:"blocks"`

	// GenericCaptcha phrases indicate some captcha is present without
	// identifying the provider. Low confidence.
	GenericCaptcha []string `yaml:"generic_captcha"`

	// AccessDenied phrases mark generic denial pages.
	AccessDenied []string `yaml:"access_denied"`
}

// Captcha type identifiers reported in responses.
const (
	CaptchaRecaptcha = "recaptcha"
	CaptchaHcaptcha  = "hcaptcha"
	CaptchaTurnstile = "turnstile"
	CaptchaArkose    = "arkose"
	CaptchaGeneric   = "generic"
)

// Block reason identifiers reported in responses.
const (
	BlockCloudflare   = "cloudflare"
	BlockAkamai       = "akamai"
	BlockDataDome     = "datadome"
	BlockPerimeterX   = "perimeterx"
	BlockImperva      = "imperva"
	BlockAccessDenied = "access_denied"
	BlockRateLimited  = "rate_limited"
	BlockBotChallenge = "bot_challenge"
)

// defaultRules returns the embedded rule set.
func defaultRules() *Rules {
	return &Rules{
		Captcha: map[string]CaptchaRules{
			CaptchaRecaptcha: {
				Markers: []string{
					"google.com/recaptcha/api",
					"class=\"g-recaptcha\"",
					"grecaptcha.render",
				},
				Patterns: []string{
					`recaptcha`,
					`data-sitekey="6L`,
				},
			},
			CaptchaHcaptcha: {
				Markers: []string{
					"hcaptcha.com/1/api.js",
					"class=\"h-captcha\"",
				},
				Patterns: []string{
					`hcaptcha`,
				},
			},
			CaptchaTurnstile: {
				Markers: []string{
					"challenges.cloudflare.com/turnstile",
					"class=\"cf-turnstile\"",
				},
				Patterns: []string{
					`turnstile`,
					`cf-chl-widget`,
				},
			},
			CaptchaArkose: {
				Markers: []string{
					"arkoselabs.com/v2",
					"funcaptcha.com/fc/api",
				},
				Patterns: []string{
					`arkose`,
					`funcaptcha`,
				},
			},
		},
		Blocks: map[string]BlockRules{
			BlockCloudflare: {
				Statuses: []int{403, 503},
				Phrases: []string{
					"attention required! | cloudflare",
					"checking your browser before accessing",
					"cf-browser-verification",
					"cloudflare ray id",
					"just a moment...",
				},
			},
			BlockAkamai: {
				Statuses: []int{403},
				Phrases: []string{
					"reference #18.",
					"akamaighost",
					"access denied\" you don't have permission",
				},
			},
			BlockDataDome: {
				Phrases: []string{
					"datadome",
					"geo.captcha-delivery.com",
				},
			},
			BlockPerimeterX: {
				Phrases: []string{
					"px-captcha",
					"perimeterx",
					"_pxhd",
				},
			},
			BlockImperva: {
				Phrases: []string{
					"incapsula incident id",
					"_incapsula_resource",
					"imperva",
				},
			},
		},
		GenericCaptcha: []string{
			"verify you are human",
			"prove you are not a robot",
			"complete the captcha",
			"security check to access",
		},
		AccessDenied: []string{
			"access denied",
			"you have been blocked",
			"forbidden",
			"request unsuccessful",
			"your access to this site has been limited",
		},
	}
}

// Validate rejects rule sets that would disable detection entirely or
// carry broken regexes.
func (r *Rules) Validate() error {
	if len(r.Captcha) == 0 && len(r.Blocks) == 0 && len(r.AccessDenied) == 0 {
		return fmt.Errorf("rules must define at least one captcha, block, or access_denied entry")
	}
	for name, cr := range r.Captcha {
		for _, p := range cr.Patterns {
			if _, err := regexp.Compile("(?i)" + p); err != nil {
				return fmt.Errorf("captcha %q pattern %q: %w", name, p, err)
			}
		}
	}
	return nil
}

// compile precompiles captcha regexes. Must be called before the rules
// are served; Validate has already checked they compile.
func (r *Rules) compile() {
	for name, cr := range r.Captcha {
		cr.compiled = make([]*regexp.Regexp, 0, len(cr.Patterns))
		for _, p := range cr.Patterns {
			cr.compiled = append(cr.compiled, regexp.MustCompile("(?i)"+p))
		}
		r.Captcha[name] = cr
	}
}

// merge overlays external rules on the embedded defaults. Sections
// present in the external set win wholesale.
func merge(embedded, external *Rules) *Rules {
	out := &Rules{
		Captcha:        embedded.Captcha,
		Blocks:         embedded.Blocks,
		GenericCaptcha: embedded.GenericCaptcha,
		AccessDenied:   embedded.AccessDenied,
	}
	if len(external.Captcha) > 0 {
		out.Captcha = external.Captcha
	}
	if len(external.Blocks) > 0 {
		out.Blocks = external.Blocks
	}
	if len(external.GenericCaptcha) > 0 {
		out.GenericCaptcha = external.GenericCaptcha
	}
	if len(external.AccessDenied) > 0 {
		out.AccessDenied = external.AccessDenied
	}
	return out
}
