package session

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shelfwatch/shelfwatch/internal/scrape"
)

// ExtractRules maps DOM selectors to row fields. The defaults target
// the reference site's listing markup; overrides come from config.
type ExtractRules struct {
	Row          string
	ItemIDAttr   string
	Title        string
	Price        string
	PriceWas     string
	Availability string
	Clearance    string
	Link         string
	Image        string

	StoreRow     string
	StoreIDAttr  string
	StoreName    string
	StoreGeoHint string
}

// DefaultExtractRules returns the selector set for the reference site.
func DefaultExtractRules() ExtractRules {
	return ExtractRules{
		Row:          "[data-testid=product-tile]",
		ItemIDAttr:   "data-sku",
		Title:        ".product-title",
		Price:        ".price-current",
		PriceWas:     ".price-was",
		Availability: ".fulfillment-msg",
		Clearance:    ".clearance-badge",
		Link:         "a.product-link",
		Image:        "img.product-image",
		StoreRow:     "[data-testid=store-result]",
		StoreIDAttr:  "data-store-id",
		StoreName:    ".store-name",
		StoreGeoHint: ".store-address",
	}
}

// blockMarkers are substrings that identify an anti-automation
// interstitial rather than real content.
var blockMarkers = []string{
	"access denied",
	"verify you are a human",
	"unusual traffic",
	"request blocked",
}

// ChromeConfig tunes the shared headless browser.
type ChromeConfig struct {
	Headless   bool
	NavTimeout time.Duration
	HostQPS    float64
	Rules      ExtractRules
}

// DefaultChromeConfig returns production settings.
func DefaultChromeConfig() ChromeConfig {
	return ChromeConfig{
		Headless:   true,
		NavTimeout: 30 * time.Second,
		HostQPS:    0.5,
		Rules:      DefaultExtractRules(),
	}
}

// ChromeBrowser implements Browser over one headless Chrome process.
// Each Open call gets its own tab context; the process is shared.
type ChromeBrowser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	cfg           ChromeConfig
	stealth       StealthProvider
	logger        *zap.Logger
	hostLimiters  sync.Map
}

// NewChromeBrowser boots the browser process and verifies it responds.
func NewChromeBrowser(cfg ChromeConfig, stealth StealthProvider, logger *zap.Logger) (*ChromeBrowser, error) {
	if stealth == nil {
		stealth = NoStealth{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &ChromeBrowser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		cfg:           cfg,
		stealth:       stealth,
		logger:        logger,
	}, nil
}

// Open creates a fresh tab with its own crash listener and runs the
// stealth hook before anything navigates.
func (b *ChromeBrowser) Open(ctx context.Context, profile Profile) (Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)

	s := &chromeSession{
		browser:   b,
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
		profile:   profile,
	}
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch ev.(type) {
		case *inspector.EventTargetCrashed, *inspector.EventDetached:
			s.crashed.Store(true)
		}
	})

	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("enable network: %w", err)
	}
	if profile.UserAgent != "" {
		if err := chromedp.Run(tabCtx, emulation.SetUserAgentOverride(profile.UserAgent)); err != nil {
			tabCancel()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	if err := b.stealth.OnOpen(ctx, s); err != nil {
		tabCancel()
		return nil, fmt.Errorf("stealth open hook: %w", err)
	}
	return s, nil
}

// Close tears down the browser process.
func (b *ChromeBrowser) Close(ctx context.Context) error {
	b.browserCancel()
	b.allocCancel()
	select {
	case <-ctx.Done():
	default:
	}
	return nil
}

func (b *ChromeBrowser) waitHostBudget(ctx context.Context, rawURL string) error {
	if b.cfg.HostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := b.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(b.cfg.HostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait host limiter: %w", err)
	}
	return nil
}

type chromeSession struct {
	browser   *ChromeBrowser
	tabCtx    context.Context
	tabCancel context.CancelFunc
	profile   Profile
	crashed   atomic.Bool
}

func (s *chromeSession) Goto(ctx context.Context, rawURL string) (PageHandle, error) {
	if s.crashed.Load() {
		return nil, ErrSessionCrashed
	}
	if err := s.browser.stealth.BeforeNavigate(ctx, s, rawURL); err != nil {
		return nil, fmt.Errorf("stealth nav hook: %w", err)
	}
	if err := s.browser.waitHostBudget(ctx, rawURL); err != nil {
		return nil, err
	}

	navCtx, cancel := context.WithTimeout(s.tabCtx, s.browser.cfg.NavTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if s.crashed.Load() {
			return nil, ErrSessionCrashed
		}
		return nil, fmt.Errorf("navigate: %w", err)
	}
	return &chromePage{sess: s}, nil
}

func (s *chromeSession) Crashed() bool { return s.crashed.Load() }

func (s *chromeSession) Close() error {
	s.tabCancel()
	return nil
}

// forwardCancel propagates the caller's cancellation into a chromedp
// task context that was derived from the tab, not the caller.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type chromePage struct {
	sess *chromeSession
}

func (p *chromePage) WaitForContent(ctx context.Context, selectors []string, timeout time.Duration) error {
	if len(selectors) == 0 {
		return fmt.Errorf("no content selectors configured")
	}
	deadline := time.Now().Add(timeout)
	per := timeout / time.Duration(len(selectors))
	for _, sel := range selectors {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if per < remaining {
			remaining = per
		}
		waitCtx, cancel := context.WithTimeout(p.sess.tabCtx, remaining)
		stop := forwardCancel(ctx, cancel)
		err := chromedp.Run(waitCtx, chromedp.WaitReady(sel, chromedp.ByQuery))
		stop()
		cancel()
		if err == nil {
			return nil
		}
		if p.sess.crashed.Load() {
			return ErrSessionCrashed
		}
	}
	return fmt.Errorf("content selectors timed out after %s", timeout)
}

func (p *chromePage) ExtractRows(ctx context.Context) ([]scrape.RawRow, error) {
	doc, err := p.document(ctx)
	if err != nil {
		return nil, err
	}
	rules := p.sess.browser.cfg.Rules

	var rows []scrape.RawRow
	doc.Find(rules.Row).Each(func(_ int, tile *goquery.Selection) {
		row := scrape.RawRow{
			ItemID:       strings.TrimSpace(tile.AttrOr(rules.ItemIDAttr, "")),
			Title:        strings.TrimSpace(tile.Find(rules.Title).First().Text()),
			Availability: strings.TrimSpace(tile.Find(rules.Availability).First().Text()),
			IsClearance:  tile.Find(rules.Clearance).Length() > 0,
			SourceURL:    tile.Find(rules.Link).First().AttrOr("href", ""),
			ImageURL:     tile.Find(rules.Image).First().AttrOr("src", ""),
			ScrapedAt:    time.Now().UTC(),
		}
		row.Price, _ = parsePrice(tile.Find(rules.Price).First().Text())
		row.PriceWas, _ = parsePrice(tile.Find(rules.PriceWas).First().Text())
		if row.ItemID == "" {
			row.ItemID = itemIDFromURL(row.SourceURL)
		}
		rows = append(rows, row)
	})
	return rows, nil
}

func (p *chromePage) ExtractStoreOptions(ctx context.Context) ([]StoreOption, error) {
	doc, err := p.document(ctx)
	if err != nil {
		return nil, err
	}
	rules := p.sess.browser.cfg.Rules

	var options []StoreOption
	doc.Find(rules.StoreRow).Each(func(_ int, node *goquery.Selection) {
		options = append(options, StoreOption{
			ID:      strings.TrimSpace(node.AttrOr(rules.StoreIDAttr, "")),
			Name:    strings.TrimSpace(node.Find(rules.StoreName).First().Text()),
			GeoHint: strings.TrimSpace(node.Find(rules.StoreGeoHint).First().Text()),
		})
	})
	return options, nil
}

func (p *chromePage) Blocked(ctx context.Context) (bool, error) {
	doc, err := p.document(ctx)
	if err != nil {
		return false, err
	}
	body := strings.ToLower(doc.Find("title").Text() + " " + doc.Find("h1").Text())
	for _, marker := range blockMarkers {
		if strings.Contains(body, marker) {
			return true, nil
		}
	}
	return false, nil
}

func (p *chromePage) Scroll(ctx context.Context, pixels int) error {
	if pixels <= 0 {
		return nil
	}
	scrollCtx, cancel := context.WithTimeout(p.sess.tabCtx, 10*time.Second)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	script := fmt.Sprintf("window.scrollBy({top: %d, behavior: 'smooth'})", pixels)
	if err := chromedp.Run(scrollCtx, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

func (p *chromePage) document(ctx context.Context) (*goquery.Document, error) {
	if p.sess.crashed.Load() {
		return nil, ErrSessionCrashed
	}
	snapCtx, cancel := context.WithTimeout(p.sess.tabCtx, 15*time.Second)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var html string
	if err := chromedp.Run(snapCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("dom snapshot: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse dom: %w", err)
	}
	return doc, nil
}

// parsePrice strips currency noise ("$1,299.00", "Now $12.98") down to
// the trailing decimal.
func parsePrice(text string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.':
			return r
		default:
			return -1
		}
	}, strings.ReplaceAll(text, ",", ""))
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// itemIDFromURL derives an item identifier from the last path segment
// when the tile carries no SKU attribute.
func itemIDFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}
