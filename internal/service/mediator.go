package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storysync/internal/domain"
	"storysync/internal/observe"
)

const firstPage = 1

// Mediator fills the local story cache from the remote source at page
// boundaries. Refresh replaces the cache with page 1, LoadMore appends the
// page named by the last stored boundary.
//
// Every fetch is tagged with the generation current when it started. Refresh
// bumps the generation, so a fetch that completes after a newer refresh is
// discarded instead of written.
type Mediator struct {
	source     Source
	cache      StoryCache
	boundaries BoundaryStore
	syncState  SyncStateStore
	txManager  TransactionManager
	tokens     TokenProvider
	publisher  Publisher
	logger     *slog.Logger
	pageSize   int

	mu           sync.Mutex
	generation   uint64
	cancelAppend context.CancelFunc

	// serializes cache writes with the generation check
	writeMu sync.Mutex

	states  *observe.Value[domain.LoadStates]
	version *observe.Value[uint64]

	onAuthFailure func(ctx context.Context, err error)
}

type MediatorOption func(*Mediator)

// WithAuthFailure registers fn to run when a current fetch fails with
// domain.ErrAuth, typically to drop the persisted session.
func WithAuthFailure(fn func(ctx context.Context, err error)) MediatorOption {
	return func(m *Mediator) {
		m.onAuthFailure = fn
	}
}

func NewMediator(
	source Source,
	cache StoryCache,
	boundaries BoundaryStore,
	syncState SyncStateStore,
	txManager TransactionManager,
	tokens TokenProvider,
	publisher Publisher,
	logger *slog.Logger,
	pageSize int,
	opts ...MediatorOption,
) *Mediator {
	m := &Mediator{
		source:     source,
		cache:      cache,
		boundaries: boundaries,
		syncState:  syncState,
		txManager:  txManager,
		tokens:     tokens,
		publisher:  publisher,
		logger:     logger.With("source", source.ID()),
		pageSize:   pageSize,
		states:     observe.NewValue(domain.LoadStates{}),
		version:    observe.NewValue(uint64(0)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refresh supersedes whatever is in flight and loads page 1. On success the
// cache holds exactly page 1; on failure the cache is left as it was.
func (m *Mediator) Refresh(ctx context.Context) (*domain.PageStats, error) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	if m.cancelAppend != nil {
		m.cancelAppend()
		m.cancelAppend = nil
	}
	m.states.Update(func(s domain.LoadStates) domain.LoadStates {
		s.Generation = gen
		s.Refresh = domain.LoadState{Status: domain.Loading}
		s.Append = domain.LoadState{Status: domain.NotLoading}
		return s
	})
	m.mu.Unlock()

	m.logger.Info("refreshing stories", "generation", gen)

	return m.load(ctx, gen, domain.DirectionRefresh, firstPage)
}

// LoadMore appends the next page. It is a no-op returning nil stats when a
// load is already running in either direction, when the last append failed
// (use Retry), or when the last fetched page was the final one.
func (m *Mediator) LoadMore(ctx context.Context) (*domain.PageStats, error) {
	return m.loadMore(ctx, false)
}

// Retry re-runs whichever direction is in the error state.
func (m *Mediator) Retry(ctx context.Context) (*domain.PageStats, error) {
	states := m.states.Get()
	switch {
	case states.Refresh.Status == domain.LoadError:
		return m.Refresh(ctx)
	case states.Append.Status == domain.LoadError:
		return m.loadMore(ctx, true)
	}
	return nil, nil
}

func (m *Mediator) loadMore(ctx context.Context, retry bool) (*domain.PageStats, error) {
	m.mu.Lock()
	states := m.states.Get()
	appendIdle := states.Append.Status == domain.NotLoading ||
		(retry && states.Append.Status == domain.LoadError)
	if states.Refresh.Status != domain.NotLoading || !appendIdle || states.EndReached {
		m.mu.Unlock()
		return nil, nil
	}

	gen := m.generation
	appendCtx, cancel := context.WithCancel(ctx)
	m.cancelAppend = cancel
	m.states.Update(func(s domain.LoadStates) domain.LoadStates {
		s.Append = domain.LoadState{Status: domain.Loading}
		return s
	})
	m.mu.Unlock()
	defer cancel()

	boundary, err := m.boundaries.Last(appendCtx)
	if errors.Is(err, domain.ErrNotFound) {
		m.finish(gen, domain.DirectionAppend, true)
		return nil, nil
	}
	if err != nil {
		return nil, m.fail(appendCtx, gen, domain.DirectionAppend, fmt.Errorf("last boundary: %w", err))
	}
	if boundary.NextPage == nil {
		m.finish(gen, domain.DirectionAppend, true)
		return nil, nil
	}

	return m.load(appendCtx, gen, domain.DirectionAppend, *boundary.NextPage)
}

// LoadStates returns the current load states.
func (m *Mediator) LoadStates() domain.LoadStates {
	return m.states.Get()
}

// WatchStates streams load state changes until ctx is done.
func (m *Mediator) WatchStates(ctx context.Context) <-chan domain.LoadStates {
	return m.states.Subscribe(ctx)
}

// Changes streams a counter bumped after every committed cache write.
func (m *Mediator) Changes(ctx context.Context) <-chan uint64 {
	return m.version.Subscribe(ctx)
}

func (m *Mediator) load(ctx context.Context, gen uint64, dir domain.Direction, page int) (*domain.PageStats, error) {
	startTime := time.Now()

	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, m.fail(ctx, gen, dir, fmt.Errorf("token: %w", err))
	}

	stories, err := m.source.FetchPage(ctx, token, &page, m.pageSize)
	if err != nil {
		return nil, m.fail(ctx, gen, dir, fmt.Errorf("fetch page %d: %w", page, err))
	}

	endReached := len(stories) < m.pageSize
	boundaries := makeBoundaries(stories, page, endReached)

	stats := &domain.PageStats{
		Direction:  dir,
		Page:       page,
		Fetched:    len(stories),
		Generation: gen,
		EndReached: endReached,
	}

	committed, err := m.commit(ctx, gen, dir, page, stories, boundaries)
	if err != nil {
		return nil, m.fail(ctx, gen, dir, fmt.Errorf("write page %d: %w", page, err))
	}
	stats.Duration = time.Since(startTime)

	if !committed {
		stats.Discarded = true
		m.logger.Info("discarded stale page",
			"direction", dir,
			"page", page,
			"generation", gen,
		)
		return stats, nil
	}

	m.finish(gen, dir, endReached)
	m.version.Update(func(v uint64) uint64 { return v + 1 })
	m.publish(ctx, dir, page, gen, stories)

	m.logger.Info("page loaded",
		"direction", dir,
		"page", page,
		"fetched", stats.Fetched,
		"end_reached", endReached,
		"generation", gen,
		"duration", stats.Duration,
	)

	return stats, nil
}

// commit writes a fetched page unless a newer refresh has started since the
// fetch began. It reports whether the page was written.
func (m *Mediator) commit(
	ctx context.Context,
	gen uint64,
	dir domain.Direction,
	page int,
	stories []domain.Story,
	boundaries []domain.PageBoundary,
) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if !m.isCurrent(gen) {
		return false, nil
	}

	err := m.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if dir == domain.DirectionRefresh {
			if err := m.cache.ReplaceAll(txCtx, stories, boundaries); err != nil {
				return fmt.Errorf("replace cache: %w", err)
			}
		} else {
			if err := m.cache.Append(txCtx, stories, boundaries); err != nil {
				return fmt.Errorf("append cache: %w", err)
			}
		}

		state, err := m.syncState.Get(txCtx, m.source.ID())
		if err != nil {
			return fmt.Errorf("get sync state: %w", err)
		}
		state.SourceID = m.source.ID()
		state.LastSyncedAt = time.Now()
		state.LastPage = page
		if dir == domain.DirectionRefresh {
			state.TotalSynced = int64(len(stories))
		} else {
			state.TotalSynced += int64(len(stories))
		}
		if err := m.syncState.Update(txCtx, state); err != nil {
			return fmt.Errorf("update sync state: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Mediator) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *Mediator) finish(gen uint64, dir domain.Direction, endReached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.states.Update(func(s domain.LoadStates) domain.LoadStates {
		if dir == domain.DirectionRefresh {
			s.Refresh = domain.LoadState{Status: domain.NotLoading}
		} else {
			s.Append = domain.LoadState{Status: domain.NotLoading}
		}
		s.EndReached = endReached
		return s
	})
}

// fail records err as the direction's error state, unless the fetch was
// superseded or the caller gave up, and returns it in the error taxonomy.
func (m *Mediator) fail(ctx context.Context, gen uint64, dir domain.Direction, err error) error {
	err = classify(err)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return err
	}

	state := domain.LoadState{Status: domain.LoadError, Err: err}
	if errors.Is(err, context.Canceled) {
		state = domain.LoadState{Status: domain.NotLoading}
	}
	m.states.Update(func(s domain.LoadStates) domain.LoadStates {
		if dir == domain.DirectionRefresh {
			s.Refresh = state
		} else {
			s.Append = state
		}
		return s
	})
	m.mu.Unlock()

	m.logger.Warn("page load failed",
		"direction", dir,
		"generation", gen,
		"error", err,
	)

	if domain.IsAuth(err) && m.onAuthFailure != nil {
		m.onAuthFailure(context.WithoutCancel(ctx), err)
	}
	return err
}

func (m *Mediator) publish(ctx context.Context, dir domain.Direction, page int, gen uint64, stories []domain.Story) {
	if m.publisher == nil {
		return
	}

	ids := make([]string, len(stories))
	for i, story := range stories {
		ids[i] = story.ID
	}

	event := &domain.PageEvent{
		Direction:  dir,
		Page:       page,
		Generation: gen,
		StoryIDs:   ids,
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("publish page event failed", "page", page, "error", err)
	}
}

func makeBoundaries(stories []domain.Story, page int, endReached bool) []domain.PageBoundary {
	var prev, next *int
	if page > firstPage {
		p := page - 1
		prev = &p
	}
	if !endReached {
		n := page + 1
		next = &n
	}

	boundaries := make([]domain.PageBoundary, len(stories))
	for i, story := range stories {
		boundaries[i] = domain.PageBoundary{
			StoryID:  story.ID,
			PrevPage: prev,
			NextPage: next,
		}
	}
	return boundaries
}

// classify maps err into the error taxonomy. Errors that already belong to
// it, and context cancellation, pass through unchanged.
func classify(err error) error {
	var serverErr *domain.ServerError
	var validationErr *domain.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrAuth),
		errors.Is(err, domain.ErrNetwork),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.As(err, &serverErr),
		errors.As(err, &validationErr):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	return &domain.ServerError{Err: err}
}
