package humanize

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/renderbird/renderbird/internal/engine"
)

// Scroll behavior bounds.
const (
	// Each step covers 60-90% of the viewport height; people rarely
	// scroll exactly one screen.
	minStepFraction = 0.60
	maxStepFraction = 0.90

	// Per-step delay jitter of +/-25% around the configured delay.
	delayJitter = 0.25

	// Occasional reading pause.
	pauseProbability = 0.2
	pauseMin         = 500 * time.Millisecond
	pauseMax         = 1500 * time.Millisecond

	// Extra settle time after a step that loaded new content.
	contentPauseMin = 200 * time.Millisecond
	contentPauseMax = 500 * time.Millisecond

	// Markup must grow by more than this fraction between steps to count
	// as a content change. Height counts on any strict growth.
	growthThreshold = 0.02

	// Final position stops short of the absolute bottom.
	bottomOffset = 100
)

// Scroller drives human-like scrolling on a page.
type Scroller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewScroller creates a scroller. Fix the seed in tests for
// reproducible step sizes.
func NewScroller(seed int64) *Scroller {
	return &Scroller{rng: rand.New(rand.NewSource(seed))}
}

// ScrollPage scrolls through the document in randomized steps, waiting
// between steps, until the bottom is reached and the content has
// stopped growing or maxScrolls steps have run. Lazy-loaded content
// that extends the page keeps the loop going within the step budget.
//
// Returns the context error if the deadline cuts the loop short.
func (s *Scroller) ScrollPage(ctx context.Context, page engine.Page, maxScrolls int, delay time.Duration) error {
	viewport, err := evalInt(ctx, page, "window.innerHeight")
	if err != nil {
		return fmt.Errorf("failed to read viewport height: %w", err)
	}
	if viewport <= 0 {
		viewport = 768
	}

	lastHeight, err := pageHeight(ctx, page)
	if err != nil {
		return fmt.Errorf("failed to read page height: %w", err)
	}
	lastLength, err := contentLength(ctx, page)
	if err != nil {
		return fmt.Errorf("failed to read content length: %w", err)
	}

	for step := 0; step < maxScrolls; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		distance := int(float64(viewport) * s.stepFraction())
		if _, err := page.Eval(ctx, fmt.Sprintf("window.scrollBy(0, %d)", distance)); err != nil {
			return fmt.Errorf("scroll step failed: %w", err)
		}

		if !Sleep(ctx, s.jitter(delay)) {
			return ctx.Err()
		}
		if s.shouldPause() {
			if !Sleep(ctx, s.pauseDuration()) {
				return ctx.Err()
			}
		}

		height, err := pageHeight(ctx, page)
		if err != nil {
			return fmt.Errorf("failed to read page height: %w", err)
		}
		length, err := contentLength(ctx, page)
		if err != nil {
			return fmt.Errorf("failed to read content length: %w", err)
		}

		// Height growing at all, or markup growing past the threshold,
		// means a lazy loader just fired. Give it time to settle.
		lengthGrew := float64(length-lastLength) > float64(lastLength)*growthThreshold
		if height > lastHeight || lengthGrew {
			log.Debug().
				Int("step", step).
				Int("height", height).
				Int("length", length).
				Msg("Content changed during scroll")
			if !Sleep(ctx, s.contentPause()) {
				return ctx.Err()
			}
		}

		atBottom, err := s.atBottom(ctx, page, height)
		if err != nil {
			return err
		}
		if atBottom {
			// One overshoot past the bottom to trigger infinite-scroll
			// loaders before giving up.
			if _, err := page.Eval(ctx, fmt.Sprintf("window.scrollBy(0, %d)", viewport)); err != nil {
				return fmt.Errorf("scroll step failed: %w", err)
			}
			if !Sleep(ctx, s.jitter(delay)) {
				return ctx.Err()
			}
			after, err := pageHeight(ctx, page)
			if err != nil {
				return fmt.Errorf("failed to read page height: %w", err)
			}
			if after <= height {
				break
			}
			log.Debug().
				Int("step", step).
				Int("height", after).
				Int("previous", height).
				Msg("Page grew after reaching bottom, continuing scroll")
			height = after
		}
		lastHeight = height
		lastLength = length
	}

	// Settle just above the bottom instead of pinned to it.
	settle := fmt.Sprintf("window.scrollTo(0, Math.max(0, document.documentElement.scrollHeight - %d))", bottomOffset)
	if _, err := page.Eval(ctx, settle); err != nil {
		return fmt.Errorf("final scroll failed: %w", err)
	}
	return nil
}

func (s *Scroller) atBottom(ctx context.Context, page engine.Page, height int) (bool, error) {
	pos, err := evalInt(ctx, page, "window.scrollY + window.innerHeight")
	if err != nil {
		return false, fmt.Errorf("failed to read scroll position: %w", err)
	}
	return pos >= height-bottomOffset, nil
}

func (s *Scroller) stepFraction() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return minStepFraction + s.rng.Float64()*(maxStepFraction-minStepFraction)
}

func (s *Scroller) jitter(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	factor := 1 - delayJitter + s.rng.Float64()*2*delayJitter
	return time.Duration(float64(d) * factor)
}

func (s *Scroller) shouldPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < pauseProbability
}

func (s *Scroller) pauseDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pauseMin + time.Duration(s.rng.Int63n(int64(pauseMax-pauseMin)))
}

func (s *Scroller) contentPause() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contentPauseMin + time.Duration(s.rng.Int63n(int64(contentPauseMax-contentPauseMin)))
}

func pageHeight(ctx context.Context, page engine.Page) (int, error) {
	return evalInt(ctx, page, "document.documentElement.scrollHeight")
}

func contentLength(ctx context.Context, page engine.Page) (int, error) {
	return evalInt(ctx, page, "document.body.innerHTML.length")
}

// evalInt runs a JavaScript expression and parses the numeric result.
func evalInt(ctx context.Context, page engine.Page, js string) (int, error) {
	raw, err := page.Eval(ctx, js)
	if err != nil {
		return 0, err
	}
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric result %q: %w", raw, err)
	}
	return int(f), nil
}
