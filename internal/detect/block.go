package detect

import (
	"sort"
)

// Thresholds for the structural block heuristics.
const (
	// thinTextChars: denial pages carry little visible text. A page with
	// short text and an access-denied phrase is treated as a block even
	// with a 200.
	thinTextChars = 5000

	// challengeTextChars and challengeMinScripts: challenge interstitials
	// show almost nothing but load heavy scripts.
	challengeTextChars  = 100
	challengeMinScripts = 5
)

// BlockResult reports whether the page is a bot-protection wall rather
// than real content.
type BlockResult struct {
	Blocked    bool
	Reason     string
	Confidence Confidence
}

// classifyBlock inspects the snapshot for known vendor block pages,
// then falls back to the status code and structural heuristics.
//
// A vendor phrase on one of the vendor's usual block statuses is a high
// confidence block. The same phrase on a 200 is a soft challenge and
// classifies medium; interstitials often serve 200 while the real
// content is withheld. A blocking status with no vendor phrase at all
// still classifies as a block at medium confidence.
func classifyBlock(rules *Rules, snap *Snapshot) BlockResult {
	vendors := make([]string, 0, len(rules.Blocks))
	for name := range rules.Blocks {
		vendors = append(vendors, name)
	}
	sort.Strings(vendors)

	for _, name := range vendors {
		vr := rules.Blocks[name]
		matched := false
		for _, phrase := range vr.Phrases {
			if snap.containsPhrase(phrase) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if statusListed(vr.Statuses, snap.Status) {
			return BlockResult{Blocked: true, Reason: name, Confidence: ConfidenceHigh}
		}
		return BlockResult{Blocked: true, Reason: name, Confidence: ConfidenceMedium}
	}

	if blockingStatus(snap.Status) {
		reason := BlockAccessDenied
		if snap.Status == 429 {
			reason = BlockRateLimited
		}
		return BlockResult{Blocked: true, Reason: reason, Confidence: ConfidenceMedium}
	}

	if len(snap.Text) < thinTextChars {
		for _, phrase := range rules.AccessDenied {
			if snap.containsPhrase(phrase) {
				return BlockResult{Blocked: true, Reason: BlockAccessDenied, Confidence: ConfidenceLow}
			}
		}
	}

	if len(snap.Text) < challengeTextChars && snap.ScriptCount > challengeMinScripts {
		return BlockResult{Blocked: true, Reason: BlockBotChallenge, Confidence: ConfidenceLow}
	}

	return BlockResult{}
}

// blockingStatus reports whether the status alone indicates a blocked
// request regardless of page content.
func blockingStatus(status int) bool {
	return status == 403 || status == 429 || status == 503
}

// statusListed reports whether status appears in the vendor's usual
// block statuses. An empty list never matches; such vendors classify
// medium regardless of status.
func statusListed(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
