package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"storysync/internal/domain"
)

// BoundaryStore reads the page boundaries written alongside cached stories.
type BoundaryStore struct {
	db *sqlx.DB
}

func NewBoundaryStore(db *sqlx.DB) *BoundaryStore {
	return &BoundaryStore{db: db}
}

func (s *BoundaryStore) Get(ctx context.Context, storyID string) (*domain.PageBoundary, error) {
	exec := GetExecutor(ctx, s.db)

	var boundary domain.PageBoundary
	err := sqlx.GetContext(ctx, exec, &boundary,
		exec.Rebind("SELECT story_id, prev_page, next_page FROM remote_keys WHERE story_id = ?"),
		storyID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("boundary for %s: %w", storyID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get boundary: %w", err)
	}
	return &boundary, nil
}

// Last returns the boundary of the most recently fetched page: the highest
// page number, and within it the story inserted last. It returns
// domain.ErrNotFound when the cache is empty.
func (s *BoundaryStore) Last(ctx context.Context) (*domain.PageBoundary, error) {
	query := `
		SELECT rk.story_id, rk.prev_page, rk.next_page
		FROM remote_keys rk
		INNER JOIN stories st ON st.id = rk.story_id
		ORDER BY COALESCE(rk.prev_page, 0) DESC, st.position DESC
		LIMIT 1`

	var boundary domain.PageBoundary
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &boundary, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last boundary: %w", err)
	}
	return &boundary, nil
}

func (s *BoundaryStore) Upsert(ctx context.Context, boundary domain.PageBoundary) error {
	return upsertBoundary(ctx, GetExecutor(ctx, s.db), boundary)
}

func (s *BoundaryStore) Clear(ctx context.Context) error {
	if _, err := GetExecutor(ctx, s.db).ExecContext(ctx, "DELETE FROM remote_keys"); err != nil {
		return fmt.Errorf("clear remote keys: %w", err)
	}
	return nil
}

func upsertBoundary(ctx context.Context, exec sqlx.ExtContext, boundary domain.PageBoundary) error {
	query := exec.Rebind(`
		INSERT INTO remote_keys (story_id, prev_page, next_page)
		VALUES (?, ?, ?)
		ON CONFLICT (story_id) DO UPDATE SET
			prev_page = excluded.prev_page,
			next_page = excluded.next_page`)

	if _, err := exec.ExecContext(ctx, query, boundary.StoryID, boundary.PrevPage, boundary.NextPage); err != nil {
		return fmt.Errorf("upsert boundary %s: %w", boundary.StoryID, err)
	}
	return nil
}
