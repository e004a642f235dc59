package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"storysync/internal/domain"
)

const storyColumns = `id, name, description, photo_url, created_at, lat, lon`

// StoryStore is the local story cache. Rows keep the order they were first
// inserted in; every cached story has exactly one remote_keys row.
type StoryStore struct {
	db *sqlx.DB
}

func NewStoryStore(db *sqlx.DB) *StoryStore {
	return &StoryStore{db: db}
}

// ReplaceAll deletes every cached story and boundary and inserts the given
// set in one transaction.
func (s *StoryStore) ReplaceAll(ctx context.Context, stories []domain.Story, boundaries []domain.PageBoundary) error {
	if err := checkBoundaries(stories, boundaries); err != nil {
		return err
	}

	return withTx(ctx, s.db, func(ctx context.Context) error {
		exec := GetExecutor(ctx, s.db)

		if _, err := exec.ExecContext(ctx, "DELETE FROM remote_keys"); err != nil {
			return fmt.Errorf("clear remote keys: %w", err)
		}
		if _, err := exec.ExecContext(ctx, "DELETE FROM stories"); err != nil {
			return fmt.Errorf("clear stories: %w", err)
		}

		return s.upsert(ctx, exec, stories, boundaries)
	})
}

// Append inserts or overwrites the given stories and their boundaries,
// leaving every other cached row untouched. A story already cached keeps its
// position and takes the new field values.
func (s *StoryStore) Append(ctx context.Context, stories []domain.Story, boundaries []domain.PageBoundary) error {
	if err := checkBoundaries(stories, boundaries); err != nil {
		return err
	}
	if len(stories) == 0 {
		return nil
	}

	return withTx(ctx, s.db, func(ctx context.Context) error {
		return s.upsert(ctx, GetExecutor(ctx, s.db), stories, boundaries)
	})
}

// Clear deletes every cached story and boundary.
func (s *StoryStore) Clear(ctx context.Context) error {
	return s.ReplaceAll(ctx, nil, nil)
}

// Page returns up to limit stories in insertion order, starting at offset.
func (s *StoryStore) Page(ctx context.Context, offset, limit int) ([]domain.Story, error) {
	exec := GetExecutor(ctx, s.db)
	query := exec.Rebind(`SELECT ` + storyColumns + ` FROM stories ORDER BY position ASC LIMIT ? OFFSET ?`)

	stories := []domain.Story{}
	if err := sqlx.SelectContext(ctx, exec, &stories, query, limit, offset); err != nil {
		return nil, fmt.Errorf("select page: %w", err)
	}
	return stories, nil
}

func (s *StoryStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &count, "SELECT COUNT(*) FROM stories"); err != nil {
		return 0, fmt.Errorf("count stories: %w", err)
	}
	return count, nil
}

func (s *StoryStore) Get(ctx context.Context, id string) (*domain.Story, error) {
	exec := GetExecutor(ctx, s.db)

	var story domain.Story
	err := sqlx.GetContext(ctx, exec, &story, exec.Rebind(`SELECT `+storyColumns+` FROM stories WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return &story, nil
}

// IDs returns every cached story id in insertion order.
func (s *StoryStore) IDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &ids, "SELECT id FROM stories ORDER BY position ASC"); err != nil {
		return nil, fmt.Errorf("select ids: %w", err)
	}
	return ids, nil
}

func (s *StoryStore) upsert(ctx context.Context, exec sqlx.ExtContext, stories []domain.Story, boundaries []domain.PageBoundary) error {
	var position int64
	if err := sqlx.GetContext(ctx, exec, &position, "SELECT COALESCE(MAX(position), 0) FROM stories"); err != nil {
		return fmt.Errorf("max position: %w", err)
	}

	storyQuery := exec.Rebind(`
		INSERT INTO stories (id, position, name, description, photo_url, created_at, lat, lon)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			photo_url = excluded.photo_url,
			created_at = excluded.created_at,
			lat = excluded.lat,
			lon = excluded.lon`)

	for i, story := range stories {
		position++
		if _, err := exec.ExecContext(ctx, storyQuery,
			story.ID,
			position,
			story.Name,
			story.Description,
			story.PhotoURL,
			story.CreatedAt,
			story.Lat,
			story.Lon,
		); err != nil {
			return fmt.Errorf("upsert story %s: %w", story.ID, err)
		}

		if err := upsertBoundary(ctx, exec, boundaries[i]); err != nil {
			return err
		}
	}

	return nil
}

func checkBoundaries(stories []domain.Story, boundaries []domain.PageBoundary) error {
	if len(stories) != len(boundaries) {
		return fmt.Errorf("got %d boundaries for %d stories", len(boundaries), len(stories))
	}
	for i := range stories {
		if stories[i].ID == "" {
			return fmt.Errorf("story at index %d has no id", i)
		}
		if stories[i].ID != boundaries[i].StoryID {
			return fmt.Errorf("boundary %q does not match story %q", boundaries[i].StoryID, stories[i].ID)
		}
	}
	return nil
}
