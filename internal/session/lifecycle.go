package session

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/shelfwatch/internal/health"
	"github.com/shelfwatch/shelfwatch/internal/metrics"
	"github.com/shelfwatch/shelfwatch/internal/scrape"
)

// State names the lifecycle phases of one session.
type State string

// Lifecycle states. Crashed is reachable from any of the others.
const (
	StateInit          State = "INIT"
	StateWarmingUp     State = "WARMING_UP"
	StateStoreResolved State = "STORE_RESOLVED"
	StateCrawling      State = "CRAWLING"
	StatePaginating    State = "PAGINATING"
	StateDone          State = "DONE"
	StateCrashed       State = "CRASHED"
)

// Config tunes one session's behavior.
type Config struct {
	// RootURL is loaded during warm-up before any data request.
	RootURL string
	// StoreLocatorURL is the geographically-scoped store search page.
	StoreLocatorURL string
	Profile         Profile

	// ContentSelectors is the fallback list tried in order while
	// waiting for the listing grid.
	ContentSelectors []string
	StoreSelectors   []string
	ContentTimeout   time.Duration

	// PageSize is the expected full-page row count; a shorter page
	// ends pagination.
	PageSize int
	// MaxPages caps pagination per category regardless of site depth.
	MaxPages int
	// OffsetParam is the query parameter carrying the pagination
	// offset.
	OffsetParam string

	WarmupScrollPx  int
	ResolveAttempts int
	Pacing          PacingPolicy
}

// DefaultConfig returns settings that work against the reference site.
func DefaultConfig() Config {
	return Config{
		ContentSelectors: []string{
			"[data-testid=product-grid]",
			".product-grid",
			".search-results",
		},
		StoreSelectors: []string{
			"[data-testid=store-list]",
			".store-locator-results",
		},
		ContentTimeout:  20 * time.Second,
		PageSize:        24,
		MaxPages:        40,
		OffsetParam:     "offset",
		WarmupScrollPx:  600,
		ResolveAttempts: 3,
		Pacing:          DefaultPacing(),
	}
}

// StoreCache memoizes store-context resolutions. One cache per worker;
// sibling targets for the same store skip the locator round-trip.
type StoreCache struct {
	mu   sync.Mutex
	byID map[string]ResolvedStore
}

// NewStoreCache returns an empty cache.
func NewStoreCache() *StoreCache {
	return &StoreCache{byID: make(map[string]ResolvedStore)}
}

func (c *StoreCache) get(storeID string) (ResolvedStore, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.byID[storeID]
	return r, ok
}

func (c *StoreCache) put(storeID string, r ResolvedStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[storeID] = r
}

// PageFunc receives each crawled page's rows. Returning an error stops
// the crawl; the page number lets the caller checkpoint per page.
type PageFunc func(page int, rows []scrape.RawRow) error

// Lifecycle runs one browser session through warm-up, store resolution,
// and category crawls. Not safe for concurrent use; each worker owns
// exactly one at a time.
type Lifecycle struct {
	cfg     Config
	browser Browser
	cache   *StoreCache
	monitor *health.Monitor
	logger  *zap.Logger
	pause   pauser

	sess     Session
	state    State
	resolved *ResolvedStore
}

// New builds a Lifecycle in the INIT state. Nothing touches the network
// until Start.
func New(browser Browser, cache *StoreCache, monitor *health.Monitor, cfg Config, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NewStoreCache()
	}
	return &Lifecycle{
		cfg:     cfg,
		browser: browser,
		cache:   cache,
		monitor: monitor,
		logger:  logger,
		pause:   timerPauser{},
		state:   StateInit,
	}
}

// State returns the current lifecycle phase.
func (l *Lifecycle) State() State { return l.state }

// Store returns the cached store resolution, if any.
func (l *Lifecycle) Store() *ResolvedStore { return l.resolved }

// Start opens the session and performs the warm-up: load the site root
// and scroll, so the first data request does not arrive from a cold
// profile. Warm-up failure is fatal to the session.
func (l *Lifecycle) Start(ctx context.Context) error {
	sess, err := l.browser.Open(ctx, l.cfg.Profile)
	if err != nil {
		l.state = StateCrashed
		return fmt.Errorf("open session: %w", err)
	}
	l.sess = sess
	l.state = StateWarmingUp

	if err := l.warmUp(ctx); err != nil {
		l.state = StateCrashed
		return fmt.Errorf("warm up: %w", err)
	}
	return nil
}

func (l *Lifecycle) warmUp(ctx context.Context) error {
	page, err := l.sess.Goto(ctx, l.cfg.RootURL)
	if err != nil {
		l.recordNavFailure(err)
		return err
	}
	if blocked, _ := page.Blocked(ctx); blocked {
		l.monitor.RecordTransportError()
		return ErrBlocked
	}
	if err := page.Scroll(ctx, l.cfg.WarmupScrollPx); err != nil {
		return fmt.Errorf("warmup scroll: %w", err)
	}
	return nil
}

// ResolveStore negotiates the store context for the target's store,
// using the per-worker cache first. Candidates from the locator page
// are scored exact-ID, then geo-hint, then first-available.
func (l *Lifecycle) ResolveStore(ctx context.Context, ref scrape.StoreRef) (ResolvedStore, error) {
	if cached, ok := l.cache.get(ref.ID); ok {
		l.resolved = &cached
		l.state = StateStoreResolved
		return cached, nil
	}
	if err := l.live(); err != nil {
		return ResolvedStore{}, err
	}

	var lastErr error
	for attempt := 0; attempt < l.cfg.ResolveAttempts; attempt++ {
		if attempt > 0 {
			l.pause.Pause(ctx, l.cfg.Pacing.Delay()+l.monitor.RecommendedExtraDelay())
		}
		resolved, err := l.resolveOnce(ctx, ref)
		if err == nil {
			l.cache.put(ref.ID, resolved)
			l.resolved = &resolved
			l.state = StateStoreResolved
			l.logger.Info("store context resolved",
				zap.String("store_id", resolved.ID),
				zap.String("store_name", resolved.Name),
			)
			return resolved, nil
		}
		lastErr = err
		if err := l.live(); err != nil {
			return ResolvedStore{}, err
		}
	}
	return ResolvedStore{}, fmt.Errorf("%w: store %s: %v", ErrStoreContext, ref.ID, lastErr)
}

func (l *Lifecycle) resolveOnce(ctx context.Context, ref scrape.StoreRef) (ResolvedStore, error) {
	page, err := l.sess.Goto(ctx, l.cfg.StoreLocatorURL)
	if err != nil {
		l.recordNavFailure(err)
		return ResolvedStore{}, err
	}
	if err := page.WaitForContent(ctx, l.cfg.StoreSelectors, l.cfg.ContentTimeout); err != nil {
		return ResolvedStore{}, fmt.Errorf("store locator content: %w", err)
	}
	options, err := page.ExtractStoreOptions(ctx)
	if err != nil {
		return ResolvedStore{}, fmt.Errorf("extract store options: %w", err)
	}
	if len(options) == 0 {
		return ResolvedStore{}, fmt.Errorf("store locator returned no candidates")
	}
	chosen := pickStore(options, ref)
	return ResolvedStore{ID: chosen.ID, Name: chosen.Name}, nil
}

// pickStore scores locator candidates: exact ID match wins, then a
// geo-hint match, then whatever came first.
func pickStore(options []StoreOption, ref scrape.StoreRef) StoreOption {
	for _, opt := range options {
		if opt.ID == ref.ID {
			return opt
		}
	}
	if ref.GeoHint != "" {
		hint := strings.ToLower(ref.GeoHint)
		for _, opt := range options {
			if strings.Contains(strings.ToLower(opt.GeoHint), hint) ||
				strings.Contains(strings.ToLower(opt.Name), hint) {
				return opt
			}
		}
	}
	return options[0]
}

// CrawlCategory paginates through one category starting at startPage,
// handing each page's rows to fn. Pagination ends at a short page, two
// consecutive empty pages, or the hard page cap, whichever comes first.
func (l *Lifecycle) CrawlCategory(ctx context.Context, target scrape.Target, startPage int, fn PageFunc) error {
	if err := l.live(); err != nil {
		return err
	}
	l.state = StateCrawling
	if startPage < 0 {
		startPage = 0
	}

	emptyStreak := 0
	for page := startPage; page < l.cfg.MaxPages; page++ {
		if page > startPage {
			l.state = StatePaginating
			l.pause.Pause(ctx, l.cfg.Pacing.Delay()+l.monitor.RecommendedExtraDelay())
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.live(); err != nil {
			return err
		}

		rows, err := l.crawlPage(ctx, target, page)
		if err != nil {
			return err
		}
		metrics.PagesCrawled.Inc()

		if len(rows) == 0 {
			l.monitor.RecordZeroResult()
			emptyStreak++
			if emptyStreak >= 2 {
				break
			}
			continue
		}
		emptyStreak = 0
		l.monitor.RecordSuccess(len(rows))

		if err := fn(page, rows); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if len(rows) < l.cfg.PageSize {
			break
		}
	}

	l.state = StateDone
	return nil
}

func (l *Lifecycle) crawlPage(ctx context.Context, target scrape.Target, page int) ([]scrape.RawRow, error) {
	pageURL, err := offsetURL(target.URL, l.cfg.OffsetParam, page*l.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("page url: %w", err)
	}

	handle, err := l.sess.Goto(ctx, pageURL)
	if err != nil {
		l.recordNavFailure(err)
		return nil, fmt.Errorf("navigate %s: %w", pageURL, err)
	}

	if err := handle.WaitForContent(ctx, l.cfg.ContentSelectors, l.cfg.ContentTimeout); err != nil {
		if blocked, _ := handle.Blocked(ctx); blocked {
			l.monitor.RecordTransportError()
			return nil, fmt.Errorf("%w: %s", ErrBlocked, pageURL)
		}
		l.monitor.RecordExtractionError()
		return nil, fmt.Errorf("%w: %s", ErrExtractionDrift, pageURL)
	}

	rows, err := handle.ExtractRows(ctx)
	if err != nil {
		l.monitor.RecordExtractionError()
		return nil, fmt.Errorf("extract rows: %w", err)
	}
	for i := range rows {
		rows[i].StoreID = target.StoreID
		rows[i].CategoryID = target.CategoryID
		if rows[i].ScrapedAt.IsZero() {
			rows[i].ScrapedAt = time.Now().UTC()
		}
	}
	return rows, nil
}

// PaceBetweenCategories applies the randomized inter-category delay
// plus the health monitor's current penalty.
func (l *Lifecycle) PaceBetweenCategories(ctx context.Context) {
	l.pause.Pause(ctx, l.cfg.Pacing.Delay()+l.monitor.RecommendedExtraDelay())
}

// Close tears the session down. Safe to call after a crash.
func (l *Lifecycle) Close() error {
	if l.sess == nil {
		return nil
	}
	err := l.sess.Close()
	l.sess = nil
	if l.state != StateCrashed {
		l.state = StateDone
	}
	return err
}

// live fails fast if the render surface has crashed; no request may be
// issued against a dead session.
func (l *Lifecycle) live() error {
	if l.sess == nil {
		return fmt.Errorf("%w: session not started", ErrSessionCrashed)
	}
	if l.sess.Crashed() {
		l.state = StateCrashed
		return ErrSessionCrashed
	}
	return nil
}

func (l *Lifecycle) recordNavFailure(err error) {
	l.monitor.RecordTransportError()
	l.logger.Warn("navigation failed", zap.Error(err))
}

func offsetURL(raw, param string, offset int) (string, error) {
	if offset <= 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
