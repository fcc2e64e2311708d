package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfwatch/shelfwatch/internal/health"
	"github.com/shelfwatch/shelfwatch/internal/ingest"
	"github.com/shelfwatch/shelfwatch/internal/scrape"
	"github.com/shelfwatch/shelfwatch/internal/session"
	"github.com/shelfwatch/shelfwatch/internal/store/memory"
)

type fakePage struct {
	rows    []scrape.RawRow
	stores  []session.StoreOption
	waitErr error
	blocked bool
}

func (p *fakePage) WaitForContent(_ context.Context, _ []string, _ time.Duration) error {
	return p.waitErr
}
func (p *fakePage) ExtractRows(context.Context) ([]scrape.RawRow, error) { return p.rows, nil }
func (p *fakePage) ExtractStoreOptions(context.Context) ([]session.StoreOption, error) {
	return p.stores, nil
}
func (p *fakePage) Blocked(context.Context) (bool, error) { return p.blocked, nil }
func (p *fakePage) Scroll(context.Context, int) error     { return nil }

type fakeSession struct {
	serve func(url string) (session.PageHandle, error)
	dead  bool
}

func (s *fakeSession) Goto(_ context.Context, url string) (session.PageHandle, error) {
	if s.dead {
		return nil, session.ErrSessionCrashed
	}
	return s.serve(url)
}
func (s *fakeSession) Crashed() bool { return s.dead }
func (s *fakeSession) Close() error  { return nil }

// fakeBrowser hands out one scripted session per Open call.
type fakeBrowser struct {
	sessions []*fakeSession
	opens    int
}

func (b *fakeBrowser) Open(context.Context, session.Profile) (session.Session, error) {
	if b.opens >= len(b.sessions) {
		return nil, errors.New("no more scripted sessions")
	}
	s := b.sessions[b.opens]
	b.opens++
	return s, nil
}
func (b *fakeBrowser) Close(context.Context) error { return nil }

const (
	rootURL    = "https://shop.example/"
	locatorURL = "https://shop.example/stores"
)

// serveCategory returns a serve func that answers warm-up and locator
// loads, then feeds category pages of the given sizes in order.
func serveCategory(pageSizes ...int) func(url string) (session.PageHandle, error) {
	page := 0
	return func(url string) (session.PageHandle, error) {
		switch url {
		case rootURL:
			return &fakePage{}, nil
		case locatorURL:
			return &fakePage{stores: []session.StoreOption{{ID: "42", Name: "Eastgate"}}}, nil
		}
		if page >= len(pageSizes) {
			return &fakePage{}, nil
		}
		n := pageSizes[page]
		rows := make([]scrape.RawRow, n)
		for i := range rows {
			rows[i] = scrape.RawRow{
				ItemID: fmt.Sprintf("sku-%d-%d", page, i),
				Title:  "Widget",
				Price:  9.99,
			}
		}
		page++
		return &fakePage{rows: rows}, nil
	}
}

func sessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.RootURL = rootURL
	cfg.StoreLocatorURL = locatorURL
	cfg.PageSize = 2
	cfg.MaxPages = 6
	cfg.Pacing = session.PacingPolicy{}
	return cfg
}

func quietHealth() health.Config {
	cfg := health.DefaultConfig()
	cfg.SuspectDelay = 0
	cfg.BlockedDelay = 0
	return cfg
}

func newTestWorker(t *testing.T, browser *fakeBrowser, targets ...scrape.Target) (*Worker, *memory.Store) {
	t.Helper()
	mem := memory.New()
	pipeline := ingest.New(ingest.DefaultConfig(), mem, mem, mem, nil, nil)
	cache := session.NewStoreCache()
	monitor := health.NewMonitor(quietHealth(), zap.NewNop())

	factory := func() *session.Lifecycle {
		return session.New(browser, cache, monitor, sessionConfig(), zap.NewNop())
	}
	reports := make(chan scrape.HealthReport, 64)
	w := New(
		Config{
			ID:         1,
			RunID:      "run-test",
			HealthTick: time.Hour,
			Restart:    RestartPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		},
		Assignment{
			Store:   scrape.StoreRef{ID: "42"},
			Targets: targets,
		},
		factory, pipeline, mem, mem, nil, nil, reports, zap.NewNop(),
	)
	return w, mem
}

func paintTarget() scrape.Target {
	return scrape.Target{StoreID: "42", CategoryID: "paint", URL: "https://shop.example/c/paint"}
}

func TestWorkerCrawlsAndCheckpoints(t *testing.T) {
	browser := &fakeBrowser{sessions: []*fakeSession{
		{serve: serveCategory(2, 2, 1)},
	}}
	w, mem := newTestWorker(t, browser, paintTarget())

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, scrape.WorkerDone, w.State())
	require.EqualValues(t, 5, w.Items())

	cp, err := mem.Read(context.Background(), "42/paint")
	require.NoError(t, err)
	require.Equal(t, 2, cp.LastPage)
}

func TestWorkerResumesFromCheckpoint(t *testing.T) {
	var visited []string
	inner := serveCategory(2, 1)
	serve := func(url string) (session.PageHandle, error) {
		visited = append(visited, url)
		return inner(url)
	}
	browser := &fakeBrowser{sessions: []*fakeSession{{serve: serve}}}
	w, mem := newTestWorker(t, browser, paintTarget())

	// Pages 0 and 1 completed on a previous run.
	require.NoError(t, mem.Write(context.Background(), scrape.Checkpoint{
		TargetKey: "42/paint",
		LastPage:  1,
		UpdatedAt: time.Now(),
	}))

	require.NoError(t, w.Run(context.Background()))
	var paintURLs []string
	for _, url := range visited {
		if strings.Contains(url, "/c/paint") {
			paintURLs = append(paintURLs, url)
		}
	}
	require.NotEmpty(t, paintURLs)
	require.Contains(t, paintURLs[0], "offset=4", "crawl must resume at page 2, not the top")
	for _, url := range paintURLs {
		require.Contains(t, url, "offset=", "completed pages must not be re-crawled")
	}
}

func TestWorkerRestartsSessionOnTransportFailure(t *testing.T) {
	transportErr := errors.New("connection reset")
	broken := func(url string) (session.PageHandle, error) {
		switch url {
		case rootURL:
			return &fakePage{}, nil
		case locatorURL:
			return &fakePage{stores: []session.StoreOption{{ID: "42", Name: "Eastgate"}}}, nil
		}
		return nil, transportErr
	}
	browser := &fakeBrowser{sessions: []*fakeSession{
		{serve: broken},
		{serve: serveCategory(1)},
	}}
	w, mem := newTestWorker(t, browser, paintTarget())

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, 2, browser.opens, "failure must be retried with a fresh session")
	require.EqualValues(t, 1, w.Items())

	_, err := mem.Read(context.Background(), "42/paint")
	require.NoError(t, err)
}

func TestWorkerQuarantinesCategoryOnDrift(t *testing.T) {
	drifting := func(url string) (session.PageHandle, error) {
		switch url {
		case rootURL:
			return &fakePage{}, nil
		case locatorURL:
			return &fakePage{stores: []session.StoreOption{{ID: "42", Name: "Eastgate"}}}, nil
		}
		return &fakePage{waitErr: errors.New("grid never appeared")}, nil
	}
	browser := &fakeBrowser{sessions: []*fakeSession{{serve: drifting}}}
	w, mem := newTestWorker(t, browser, paintTarget())

	require.NoError(t, w.Run(context.Background()), "drift skips the target, it does not fail the worker")
	recs := mem.Quarantined()
	require.Len(t, recs, 1)
	require.Equal(t, scrape.QuarantineSchemaDrift, recs[0].Reason)
	require.Equal(t, "42/paint", recs[0].TargetKey)
	require.Equal(t, 1, browser.opens, "drift must not trigger a session restart")
}

func TestWorkerSkipsTargetAfterRestartBudget(t *testing.T) {
	alwaysBroken := func(url string) (session.PageHandle, error) {
		switch url {
		case rootURL:
			return &fakePage{}, nil
		case locatorURL:
			return &fakePage{stores: []session.StoreOption{{ID: "42", Name: "Eastgate"}}}, nil
		}
		return nil, errors.New("connection reset")
	}
	browser := &fakeBrowser{sessions: []*fakeSession{
		{serve: alwaysBroken},
		{serve: alwaysBroken},
		{serve: alwaysBroken},
		{serve: serveCategory(1)},
	}}
	tile := paintTarget()
	lumber := scrape.Target{StoreID: "42", CategoryID: "lumber", URL: "https://shop.example/c/lumber"}
	w, _ := newTestWorker(t, browser, tile, lumber)

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, scrape.WorkerDone, w.State())
	// The second target still crawled after the first exhausted its budget.
	require.EqualValues(t, 1, w.Items())
}

func TestWorkerStopsOnCancel(t *testing.T) {
	browser := &fakeBrowser{sessions: []*fakeSession{{serve: serveCategory(2, 2)}}}
	w, _ := newTestWorker(t, browser, paintTarget())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, scrape.WorkerFailed, w.State())
}

func TestRestartPolicyBackoffBounded(t *testing.T) {
	p := DefaultRestartPolicy()
	for attempt := range 10 {
		d := p.Backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestRestartPolicyStopsAtBudgetAndOnCancel(t *testing.T) {
	p := RestartPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	someErr := errors.New("boom")
	require.True(t, p.ShouldRetry(someErr, 0))
	require.True(t, p.ShouldRetry(someErr, 2))
	require.False(t, p.ShouldRetry(someErr, 3))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(nil, 0))
}
