// Package session drives one browser-backed crawl session through its
// lifecycle: warm-up, store-context resolution, and paginated category
// crawls. The browser itself is consumed through small interfaces so
// the state machine can be tested without Chrome.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/scrape"
)

// ErrStoreContext indicates store-context resolution failed after its
// bounded retries. Fatal to the session attempt, not the worker.
var ErrStoreContext = errors.New("store context resolution failed")

// ErrSessionCrashed indicates the underlying render surface crashed or
// closed unexpectedly. No further calls may be issued on the session.
var ErrSessionCrashed = errors.New("session crashed")

// ErrBlocked indicates the site served an anti-automation interstitial
// or access-denied page instead of content.
var ErrBlocked = errors.New("blocked by anti-automation response")

// ErrExtractionDrift indicates the content grid never materialized on a
// page that should have had one. Distinct from a zero-results page,
// which is a normal outcome.
var ErrExtractionDrift = errors.New("content selectors matched nothing")

// Profile carries the identity a browser session is opened with.
type Profile struct {
	UserAgent string
	Locale    string
	GeoHint   string
}

// StoreOption is one candidate from a store-locator result set.
type StoreOption struct {
	ID      string
	Name    string
	GeoHint string
}

// ResolvedStore is a successful store-context negotiation, cached per
// worker so sibling targets skip the locator round-trip.
type ResolvedStore struct {
	ID   string
	Name string
}

// PageHandle exposes the loaded page to the lifecycle.
type PageHandle interface {
	// WaitForContent blocks until any selector in the fallback list
	// matches, or the timeout elapses.
	WaitForContent(ctx context.Context, selectors []string, timeout time.Duration) error
	// ExtractRows pulls the listing rows currently in the DOM.
	ExtractRows(ctx context.Context) ([]scrape.RawRow, error)
	// ExtractStoreOptions pulls store-locator candidates.
	ExtractStoreOptions(ctx context.Context) ([]StoreOption, error)
	// Blocked reports whether the page carries anti-automation markers.
	Blocked(ctx context.Context) (bool, error)
	// Scroll performs an innocuous scroll, used during warm-up.
	Scroll(ctx context.Context, pixels int) error
}

// Session is one live browser session.
type Session interface {
	Goto(ctx context.Context, url string) (PageHandle, error)
	Crashed() bool
	Close() error
}

// Browser opens sessions. The concrete implementation is chromedp; the
// fake in tests implements the same contract.
type Browser interface {
	Open(ctx context.Context, profile Profile) (Session, error)
	Close(ctx context.Context) error
}

// StealthProvider is an opaque fingerprint/evasion hook invoked when a
// session opens and before every navigation.
type StealthProvider interface {
	OnOpen(ctx context.Context, s Session) error
	BeforeNavigate(ctx context.Context, s Session, url string) error
}

// NoStealth is the default provider: it does nothing.
type NoStealth struct{}

func (NoStealth) OnOpen(context.Context, Session) error                  { return nil }
func (NoStealth) BeforeNavigate(context.Context, Session, string) error { return nil }
