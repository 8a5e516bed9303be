package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Snapshot is the page state the classifiers inspect. Built once per
// render so both classifiers share the lowercased copies. Text is the
// page's visible text (document.body.innerText); empty when capture
// failed or scripting is disabled.
type Snapshot struct {
	HTML        string
	Text        string
	Status      int
	Title       string
	ScriptCount int

	lowerHTML string
	lowerText string
}

// NewSnapshot builds a snapshot from the rendered page. The script
// count is derived from the markup.
func NewSnapshot(html, text string, status int, title string) *Snapshot {
	return &Snapshot{
		HTML:        html,
		Text:        text,
		Status:      status,
		Title:       title,
		ScriptCount: strings.Count(html, "<script"),
		lowerHTML:   strings.ToLower(html),
		lowerText:   strings.ToLower(text),
	}
}

// containsPhrase reports whether the phrase appears in the markup or
// the visible text, case-insensitively.
func (s *Snapshot) containsPhrase(phrase string) bool {
	p := strings.ToLower(phrase)
	return strings.Contains(s.lowerHTML, p) || strings.Contains(s.lowerText, p)
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style|noscript)\b[^>]*>.*?</\s*(script|style|noscript)\s*>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

// FallbackText approximates the page's visible text from its markup.
// Used when document.body.innerText cannot be read, so the short-text
// heuristics still see text length rather than markup length.
func FallbackText(html string) string {
	text := scriptStyleRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// Suite runs the captcha and block classifiers against the active rules.
type Suite struct {
	rules *Manager
}

// NewSuite creates a detection suite backed by a rules manager.
func NewSuite(rules *Manager) *Suite {
	return &Suite{rules: rules}
}

// Run executes both classifiers in parallel and returns their results.
// A classifier that fails reports the safe default, page not blocked
// with low confidence, rather than failing the render.
func (s *Suite) Run(ctx context.Context, snap *Snapshot) (CaptchaResult, BlockResult) {
	rules := s.rules.Get()

	var captcha CaptchaResult
	var block BlockResult

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Captcha classifier panicked")
				captcha = CaptchaResult{Confidence: ConfidenceLow}
			}
		}()
		captcha = classifyCaptcha(rules, snap)
		return nil
	})
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Block classifier panicked")
				block = BlockResult{Blocked: false, Confidence: ConfidenceLow}
			}
		}()
		block = classifyBlock(rules, snap)
		return nil
	})
	_ = g.Wait()

	return captcha, block
}
