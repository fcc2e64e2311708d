package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfwatch/shelfwatch/internal/health"
	"github.com/shelfwatch/shelfwatch/internal/scrape"
)

type fakePage struct {
	rows    []scrape.RawRow
	stores  []StoreOption
	waitErr error
	blocked bool
}

func (p *fakePage) WaitForContent(_ context.Context, _ []string, _ time.Duration) error {
	return p.waitErr
}

func (p *fakePage) ExtractRows(context.Context) ([]scrape.RawRow, error) {
	return p.rows, nil
}

func (p *fakePage) ExtractStoreOptions(context.Context) ([]StoreOption, error) {
	return p.stores, nil
}

func (p *fakePage) Blocked(context.Context) (bool, error) { return p.blocked, nil }

func (p *fakePage) Scroll(context.Context, int) error { return nil }

type fakeSession struct {
	serve   func(url string) (*fakePage, error)
	visited []string
	dead    bool
}

func (s *fakeSession) Goto(_ context.Context, url string) (PageHandle, error) {
	if s.dead {
		return nil, ErrSessionCrashed
	}
	s.visited = append(s.visited, url)
	return s.serve(url)
}

func (s *fakeSession) Crashed() bool { return s.dead }
func (s *fakeSession) Close() error  { return nil }

type fakeBrowser struct {
	sess    *fakeSession
	openErr error
	opens   int
}

func (b *fakeBrowser) Open(context.Context, Profile) (Session, error) {
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.sess, nil
}

func (b *fakeBrowser) Close(context.Context) error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RootURL = "https://shop.example/"
	cfg.StoreLocatorURL = "https://shop.example/stores"
	cfg.PageSize = 3
	cfg.MaxPages = 5
	cfg.Pacing = PacingPolicy{}
	return cfg
}

func newTestLifecycle(t *testing.T, serve func(url string) (*fakePage, error)) (*Lifecycle, *fakeSession) {
	t.Helper()
	sess := &fakeSession{serve: serve}
	browser := &fakeBrowser{sess: sess}
	monitor := health.NewMonitor(health.DefaultConfig(), zap.NewNop())
	l := New(browser, NewStoreCache(), monitor, testConfig(), zap.NewNop())
	l.pause = noPauser{}
	return l, sess
}

func fullPage(n int) *fakePage {
	rows := make([]scrape.RawRow, n)
	for i := range rows {
		rows[i] = scrape.RawRow{
			ItemID: fmt.Sprintf("sku-%d", i),
			Title:  "Widget",
			Price:  9.99,
		}
	}
	return &fakePage{rows: rows}
}

func TestStartWarmsUp(t *testing.T) {
	l, sess := newTestLifecycle(t, func(string) (*fakePage, error) {
		return &fakePage{}, nil
	})
	require.NoError(t, l.Start(context.Background()))
	require.Equal(t, StateWarmingUp, l.State())
	require.Equal(t, []string{"https://shop.example/"}, sess.visited)
}

func TestWarmupBlockedIsFatal(t *testing.T) {
	l, _ := newTestLifecycle(t, func(string) (*fakePage, error) {
		return &fakePage{blocked: true}, nil
	})
	err := l.Start(context.Background())
	require.ErrorIs(t, err, ErrBlocked)
	require.Equal(t, StateCrashed, l.State())
}

func TestResolveStorePrefersExactID(t *testing.T) {
	options := []StoreOption{
		{ID: "7", Name: "Northside", GeoHint: "Portland OR"},
		{ID: "42", Name: "Eastgate", GeoHint: "Boise ID"},
	}
	l, _ := newTestLifecycle(t, func(string) (*fakePage, error) {
		return &fakePage{stores: options}, nil
	})
	require.NoError(t, l.Start(context.Background()))

	resolved, err := l.ResolveStore(context.Background(), scrape.StoreRef{ID: "42", GeoHint: "Portland"})
	require.NoError(t, err)
	require.Equal(t, "Eastgate", resolved.Name)
	require.Equal(t, StateStoreResolved, l.State())
}

func TestResolveStoreFallsBackToGeoHintThenFirst(t *testing.T) {
	options := []StoreOption{
		{ID: "7", Name: "Northside", GeoHint: "Portland OR"},
		{ID: "9", Name: "Riverfront", GeoHint: "Salem OR"},
	}
	require.Equal(t, "9", pickStore(options, scrape.StoreRef{ID: "99", GeoHint: "salem"}).ID)
	require.Equal(t, "7", pickStore(options, scrape.StoreRef{ID: "99", GeoHint: "tucson"}).ID)
}

func TestResolveStoreCachedPerWorker(t *testing.T) {
	locatorHits := 0
	l, _ := newTestLifecycle(t, func(url string) (*fakePage, error) {
		if url == "https://shop.example/stores" {
			locatorHits++
			return &fakePage{stores: []StoreOption{{ID: "42", Name: "Eastgate"}}}, nil
		}
		return &fakePage{}, nil
	})
	require.NoError(t, l.Start(context.Background()))

	_, err := l.ResolveStore(context.Background(), scrape.StoreRef{ID: "42"})
	require.NoError(t, err)
	_, err = l.ResolveStore(context.Background(), scrape.StoreRef{ID: "42"})
	require.NoError(t, err)
	require.Equal(t, 1, locatorHits, "second resolution must come from the cache")
}

func TestResolveStoreExhaustsRetries(t *testing.T) {
	l, _ := newTestLifecycle(t, func(url string) (*fakePage, error) {
		if url == "https://shop.example/stores" {
			return &fakePage{waitErr: errors.New("locator never rendered")}, nil
		}
		return &fakePage{}, nil
	})
	require.NoError(t, l.Start(context.Background()))

	_, err := l.ResolveStore(context.Background(), scrape.StoreRef{ID: "42"})
	require.ErrorIs(t, err, ErrStoreContext)
}

func TestCrawlStopsOnShortPage(t *testing.T) {
	pages := []*fakePage{fullPage(3), fullPage(3), fullPage(2)}
	i := 0
	l, _ := newTestLifecycle(t, func(url string) (*fakePage, error) {
		if url == "https://shop.example/" {
			return &fakePage{}, nil
		}
		p := pages[i]
		i++
		return p, nil
	})
	require.NoError(t, l.Start(context.Background()))

	var got []int
	err := l.CrawlCategory(context.Background(), scrape.Target{StoreID: "42", CategoryID: "paint", URL: "https://shop.example/c/paint"}, 0,
		func(page int, rows []scrape.RawRow) error {
			got = append(got, page)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, got)
	require.Equal(t, StateDone, l.State())
}

func TestCrawlStopsAfterTwoEmptyPages(t *testing.T) {
	pages := []*fakePage{fullPage(3), {}, {}}
	i := 0
	l, _ := newTestLifecycle(t, func(url string) (*fakePage, error) {
		if url == "https://shop.example/" {
			return &fakePage{}, nil
		}
		p := pages[i]
		i++
		return p, nil
	})
	require.NoError(t, l.Start(context.Background()))

	calls := 0
	err := l.CrawlCategory(context.Background(), scrape.Target{StoreID: "42", CategoryID: "paint", URL: "https://shop.example/c/paint"}, 0,
		func(int, []scrape.RawRow) error {
			calls++
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 1, calls, "empty pages are not handed to the callback")
	require.Equal(t, 3, i, "crawl gave up after the second consecutive empty page")
}

func TestCrawlBoundedByPageCap(t *testing.T) {
	// A site that always returns a full page must still terminate.
	l, sess := newTestLifecycle(t, func(url string) (*fakePage, error) {
		if url == "https://shop.example/" {
			return &fakePage{}, nil
		}
		return fullPage(3), nil
	})
	require.NoError(t, l.Start(context.Background()))

	pagesSeen := 0
	err := l.CrawlCategory(context.Background(), scrape.Target{StoreID: "42", CategoryID: "paint", URL: "https://shop.example/c/paint"}, 0,
		func(int, []scrape.RawRow) error {
			pagesSeen++
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 5, pagesSeen)
	// warm-up visit plus exactly MaxPages crawl visits
	require.Len(t, sess.visited, 6)
}

func TestCrawlResumesFromStartPage(t *testing.T) {
	l, sess := newTestLifecycle(t, func(url string) (*fakePage, error) {
		if url == "https://shop.example/" {
			return &fakePage{}, nil
		}
		return fullPage(2), nil
	})
	require.NoError(t, l.Start(context.Background()))

	var got []int
	err := l.CrawlCategory(context.Background(), scrape.Target{StoreID: "42", CategoryID: "paint", URL: "https://shop.example/c/paint"}, 3,
		func(page int, rows []scrape.RawRow) error {
			got = append(got, page)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, []int{3}, got)
	// offset = page * pageSize = 9
	require.Contains(t, sess.visited[1], "offset=9")
}

func TestCrawlFailsFastOnCrashedSession(t *testing.T) {
	l, sess := newTestLifecycle(t, func(string) (*fakePage, error) {
		return &fakePage{}, nil
	})
	require.NoError(t, l.Start(context.Background()))
	sess.dead = true

	err := l.CrawlCategory(context.Background(), scrape.Target{StoreID: "42", CategoryID: "paint", URL: "https://shop.example/c/paint"}, 0,
		func(int, []scrape.RawRow) error { return nil })
	require.ErrorIs(t, err, ErrSessionCrashed)
	require.Equal(t, StateCrashed, l.State())
}

func TestCrawlBlockedPage(t *testing.T) {
	l, _ := newTestLifecycle(t, func(url string) (*fakePage, error) {
		if url == "https://shop.example/" {
			return &fakePage{}, nil
		}
		return &fakePage{waitErr: errors.New("grid never appeared"), blocked: true}, nil
	})
	require.NoError(t, l.Start(context.Background()))

	err := l.CrawlCategory(context.Background(), scrape.Target{StoreID: "42", CategoryID: "paint", URL: "https://shop.example/c/paint"}, 0,
		func(int, []scrape.RawRow) error { return nil })
	require.ErrorIs(t, err, ErrBlocked)
}

func TestCrawlExtractionDrift(t *testing.T) {
	l, _ := newTestLifecycle(t, func(url string) (*fakePage, error) {
		if url == "https://shop.example/" {
			return &fakePage{}, nil
		}
		return &fakePage{waitErr: errors.New("grid never appeared")}, nil
	})
	require.NoError(t, l.Start(context.Background()))

	err := l.CrawlCategory(context.Background(), scrape.Target{StoreID: "42", CategoryID: "paint", URL: "https://shop.example/c/paint"}, 0,
		func(int, []scrape.RawRow) error { return nil })
	require.ErrorIs(t, err, ErrExtractionDrift)
}

func TestCrawlStampsTargetIdentity(t *testing.T) {
	l, _ := newTestLifecycle(t, func(url string) (*fakePage, error) {
		if url == "https://shop.example/" {
			return &fakePage{}, nil
		}
		return &fakePage{rows: []scrape.RawRow{{ItemID: "sku-1", Title: "Widget", Price: 5}}}, nil
	})
	require.NoError(t, l.Start(context.Background()))

	err := l.CrawlCategory(context.Background(), scrape.Target{StoreID: "42", CategoryID: "paint", URL: "https://shop.example/c/paint"}, 0,
		func(_ int, rows []scrape.RawRow) error {
			require.Equal(t, "42", rows[0].StoreID)
			require.Equal(t, "paint", rows[0].CategoryID)
			require.False(t, rows[0].ScrapedAt.IsZero())
			return nil
		})
	require.NoError(t, err)
}

func TestPacingDelayWithinBounds(t *testing.T) {
	p := PacingPolicy{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	for range 100 {
		d := p.Delay()
		require.GreaterOrEqual(t, d, p.Min)
		require.Less(t, d, p.Max)
	}
}
