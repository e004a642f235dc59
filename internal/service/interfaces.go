package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"storysync/internal/domain"
	"storysync/internal/source/storyapi"
)

type StoryCache interface {
	ReplaceAll(ctx context.Context, stories []domain.Story, boundaries []domain.PageBoundary) error
	Append(ctx context.Context, stories []domain.Story, boundaries []domain.PageBoundary) error
	Page(ctx context.Context, offset, limit int) ([]domain.Story, error)
	Count(ctx context.Context) (int, error)
}

type BoundaryStore interface {
	Last(ctx context.Context) (*domain.PageBoundary, error)
}

type SyncStateStore interface {
	Get(ctx context.Context, sourceID string) (*domain.SyncState, error)
	Update(ctx context.Context, state *domain.SyncState) error
}

type Source interface {
	ID() string
	FetchPage(ctx context.Context, token string, page *int, size int) ([]domain.Story, error)
}

// PageLoader fills the story cache. Mediator implements it.
type PageLoader interface {
	Refresh(ctx context.Context) (*domain.PageStats, error)
	LoadMore(ctx context.Context) (*domain.PageStats, error)
}

// ListSyncer reloads the paged story list and extends it. Provider
// implements it.
type ListSyncer interface {
	Reload(ctx context.Context) (*domain.PageStats, error)
	LoadMore(ctx context.Context) (*domain.PageStats, error)
}

// TokenProvider supplies the bearer token of the current session.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(ctx context.Context, event *domain.PageEvent) error
	Close() error
}

// API is the part of the story REST API the repository facade uses.
type API interface {
	Register(ctx context.Context, name, email, password string) error
	Login(ctx context.Context, email, password string) (*storyapi.LoginResult, error)
	GetStory(ctx context.Context, token, id string) (*domain.Story, error)
	FetchWithLocation(ctx context.Context, token string, size int) ([]domain.Story, error)
	Upload(ctx context.Context, token string, upload storyapi.UploadRequest) error
}

type SessionStore interface {
	TokenProvider
	SaveSession(ctx context.Context, session domain.Session) error
	Session(ctx context.Context) (domain.Session, error)
	ClearSession(ctx context.Context) error
	Language(ctx context.Context) (string, error)
	SetLanguage(ctx context.Context, code string) error
}
