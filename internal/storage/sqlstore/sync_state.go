package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"storysync/internal/domain"
)

type syncStateRow struct {
	SourceID     string `db:"source_id"`
	LastSyncedAt int64  `db:"last_synced_at"`
	LastPage     int    `db:"last_page"`
	TotalSynced  int64  `db:"total_synced"`
}

type SyncStateStore struct {
	db *sqlx.DB
}

func NewSyncStateStore(db *sqlx.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

func (s *SyncStateStore) Get(ctx context.Context, sourceID string) (*domain.SyncState, error) {
	exec := GetExecutor(ctx, s.db)
	query := exec.Rebind(`
		SELECT source_id, last_synced_at, last_page, total_synced
		FROM sync_state
		WHERE source_id = ?`)

	var row syncStateRow
	err := sqlx.GetContext(ctx, exec, &row, query, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		// Return empty state for new sources
		return &domain.SyncState{SourceID: sourceID}, nil
	}
	if err != nil {
		return nil, err
	}

	state := &domain.SyncState{
		SourceID:    row.SourceID,
		LastPage:    row.LastPage,
		TotalSynced: row.TotalSynced,
	}
	if row.LastSyncedAt != 0 {
		state.LastSyncedAt = time.UnixMilli(row.LastSyncedAt)
	}
	return state, nil
}

func (s *SyncStateStore) Update(ctx context.Context, state *domain.SyncState) error {
	exec := GetExecutor(ctx, s.db)
	query := exec.Rebind(`
		INSERT INTO sync_state (source_id, last_synced_at, last_page, total_synced)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			last_page = excluded.last_page,
			total_synced = excluded.total_synced`)

	var syncedAt int64
	if !state.LastSyncedAt.IsZero() {
		syncedAt = state.LastSyncedAt.UnixMilli()
	}

	_, err := exec.ExecContext(ctx, query,
		state.SourceID,
		syncedAt,
		state.LastPage,
		state.TotalSynced,
	)
	return err
}
