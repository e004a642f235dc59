package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"storysync/internal/domain"
	"storysync/internal/source/storyapi"
	"storysync/internal/source/storyapi/apitest"
	"storysync/internal/storage/sqlstore"
)

const (
	testEmail    = "reader@example.com"
	testPassword = "secret-password"
)

// stack wires the real pipeline against sqlite and the fake API.
type stack struct {
	server      *apitest.Server
	db          *sqlx.DB
	client      *storyapi.Client
	stories     *sqlstore.StoryStore
	boundaries  *sqlstore.BoundaryStore
	preferences *sqlstore.PreferenceStore
	mediator    *Mediator
	provider    *Provider
	repository  *Repository
	cancel      context.CancelFunc
}

func newStack(t *testing.T, maxPhotoBytes int64) *stack {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	server := apitest.New()
	server.AddAccount("Reader", testEmail, testPassword)

	db, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, sqlstore.Migrate(ctx, db))

	st := &stack{
		server:      server,
		db:          db,
		client:      storyapi.New(storyapi.Config{BaseURL: server.URL, MaxAttempts: 1}, logger),
		stories:     sqlstore.NewStoryStore(db),
		boundaries:  sqlstore.NewBoundaryStore(db),
		preferences: sqlstore.NewPreferenceStore(db),
	}

	st.mediator = NewMediator(
		st.client,
		st.stories,
		st.boundaries,
		sqlstore.NewSyncStateStore(db),
		sqlstore.NewTransactionManager(db),
		st.preferences,
		nil,
		logger,
		testPageSize,
		WithAuthFailure(func(ctx context.Context, _ error) {
			_ = st.preferences.ClearSession(ctx)
		}),
	)

	providerCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.provider = NewProvider(providerCtx, st.stories, st.mediator, logger,
		WithPageSize(testPageSize),
		WithPrefetchDistance(testPageSize/2),
	)
	st.repository = NewRepository(st.client, st.preferences, st.provider, st.mediator, maxPhotoBytes, logger)

	t.Cleanup(st.close)
	return st
}

// login stores a valid session without going through the repository.
func (st *stack) login(t *testing.T) {
	t.Helper()
	token := st.server.IssueToken(testEmail)
	require.NoError(t, st.preferences.SaveSession(context.Background(), domain.Session{
		Name:     "Reader",
		Email:    testEmail,
		Password: testPassword,
		Token:    token,
		IsLogin:  true,
	}))
}

func (st *stack) cachedIDs(t *testing.T) []string {
	t.Helper()
	ids, err := st.stories.IDs(context.Background())
	require.NoError(t, err)
	return ids
}

func (st *stack) close() {
	st.cancel()
	st.provider.Wait()
	st.server.Close()
	st.db.Close()
}

func storyIDs(stories []domain.Story) []string {
	ids := make([]string, len(stories))
	for i, story := range stories {
		ids[i] = story.ID
	}
	return ids
}
