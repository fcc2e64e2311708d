package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/shelfwatch/internal/scrape"
	"github.com/shelfwatch/shelfwatch/internal/store"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func TestLatestEntryNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, store_id, item_id").
		WithArgs("42", "1001").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LatestEntry(context.Background(), "42", "1001")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntryReturnsID(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	entry := scrape.HistoryEntry{
		StoreID:      "42",
		ItemID:       "1001",
		Title:        "Interior Paint 1gal",
		CategoryID:   "paint",
		StartedAt:    now,
		UpdatedAt:    now,
		Price:        24.98,
		PriceWas:     29.98,
		Availability: "In Stock",
	}
	entry.DiscountFraction = 0.1668

	mock.ExpectQuery("INSERT INTO price_history").
		WithArgs(
			entry.StoreID, entry.ItemID, entry.Title, entry.CategoryID,
			entry.StartedAt, entry.UpdatedAt,
			entry.Price, entry.PriceWas, entry.DiscountFraction,
			entry.Availability, entry.IsClearance,
		).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	require.NoError(t, s.InsertEntry(context.Background(), &entry))
	require.EqualValues(t, 7, entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteCheckpointUpserts(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs("42/paint", 3, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Write(context.Background(), scrape.Checkpoint{
		TargetKey: "42/paint",
		LastPage:  3,
		UpdatedAt: now,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOnceReportsDuplicate(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	alert := scrape.AlertEvent{
		ID:             "0190536e-0000-7000-8000-000000000000",
		Type:           scrape.AlertPriceDrop,
		StoreID:        "42",
		ItemID:         "1001",
		Price:          7.5,
		PreviousPrice:  10,
		HistoryEntryID: 7,
		At:             now,
	}

	mock.ExpectExec("INSERT INTO alerts").
		WithArgs(
			alert.ID, string(alert.Type), alert.StoreID, alert.ItemID, alert.Title,
			alert.Price, alert.PreviousPrice, alert.HistoryEntryID, alert.At,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	fired, err := s.InsertOnce(context.Background(), alert)
	require.NoError(t, err)
	require.True(t, fired)

	mock.ExpectExec("INSERT INTO alerts").
		WithArgs(
			alert.ID, string(alert.Type), alert.StoreID, alert.ItemID, alert.Title,
			alert.Price, alert.PreviousPrice, alert.HistoryEntryID, alert.At,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	fired, err = s.InsertOnce(context.Background(), alert)
	require.NoError(t, err)
	require.False(t, fired, "conflicting insert must not re-fire")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeOlderThan(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM quarantine").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	removed, err := s.PurgeOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 12, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRunStatus(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Unix(1700000000, 0).UTC()
	status := store.RunStatus{
		RunID:             "0190536e-0000-7000-8000-000000000001",
		StartedAt:         now.Add(-time.Hour),
		UpdatedAt:         now,
		ActiveWorkers:     3,
		WorkersLaunched:   5,
		TotalItems:        1204,
		BlockingIncidents: 1,
	}
	mock.ExpectExec("INSERT INTO run_status").
		WithArgs(
			status.RunID, status.StartedAt, status.UpdatedAt,
			status.ActiveWorkers, status.WorkersLaunched,
			status.TotalItems, status.BlockingIncidents,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertRunStatus(context.Background(), status))
	require.NoError(t, mock.ExpectationsWereMet())
}
