package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"storysync/internal/domain"
	"storysync/internal/media"
	"storysync/internal/source/storyapi"
)

const minPasswordLength = 8

// Repository is the single entry point for front ends: authentication, the
// cached story list, story details, uploads and preferences. Every error it
// returns belongs to the domain error taxonomy.
type Repository struct {
	api           API
	sessions      SessionStore
	provider      *Provider
	mediator      *Mediator
	maxPhotoBytes int64
	logger        *slog.Logger
}

func NewRepository(
	api API,
	sessions SessionStore,
	provider *Provider,
	mediator *Mediator,
	maxPhotoBytes int64,
	logger *slog.Logger,
) *Repository {
	return &Repository{
		api:           api,
		sessions:      sessions,
		provider:      provider,
		mediator:      mediator,
		maxPhotoBytes: maxPhotoBytes,
		logger:        logger.With("component", "repository"),
	}
}

// Login authenticates, persists the session and reloads the story list for
// the new user.
func (r *Repository) Login(ctx context.Context, email, password string) (domain.Session, error) {
	session, err := r.Authenticate(ctx, email, password)
	if err != nil {
		return domain.Session{}, err
	}

	r.provider.Refresh()
	return session, nil
}

// Authenticate logs in and persists the session without touching the story
// list. Callers that drive the first load themselves use it instead of Login.
func (r *Repository) Authenticate(ctx context.Context, email, password string) (domain.Session, error) {
	if err := validateCredentials(email, password); err != nil {
		return domain.Session{}, err
	}

	result, err := r.api.Login(ctx, email, password)
	if err != nil {
		return domain.Session{}, classify(err)
	}

	session := domain.Session{
		Name:     result.Name,
		Email:    email,
		Password: password,
		Token:    result.Token,
		IsLogin:  true,
	}
	if err := r.sessions.SaveSession(ctx, session); err != nil {
		return domain.Session{}, classify(fmt.Errorf("save session: %w", err))
	}

	r.logger.Info("logged in", "email", email)
	return session, nil
}

// Register creates an account and logs into it.
func (r *Repository) Register(ctx context.Context, name, email, password string) (domain.Session, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Session{}, &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := validateCredentials(email, password); err != nil {
		return domain.Session{}, err
	}

	if err := r.api.Register(ctx, name, email, password); err != nil {
		return domain.Session{}, classify(err)
	}

	r.logger.Info("registered account", "email", email)

	return r.Login(ctx, email, password)
}

// Logout drops the persisted session. The cache stays until the next login
// refreshes it.
func (r *Repository) Logout(ctx context.Context) error {
	if err := r.sessions.ClearSession(ctx); err != nil {
		return classify(fmt.Errorf("clear session: %w", err))
	}
	r.logger.Info("logged out")
	return nil
}

// IsLoggedIn reads the persisted session only.
func (r *Repository) IsLoggedIn(ctx context.Context) (bool, error) {
	session, err := r.Session(ctx)
	if err != nil {
		return false, err
	}
	return session.IsLogin, nil
}

func (r *Repository) Session(ctx context.Context) (domain.Session, error) {
	session, err := r.sessions.Session(ctx)
	if err != nil {
		return domain.Session{}, classify(fmt.Errorf("load session: %w", err))
	}
	return session, nil
}

func (r *Repository) StoryDetail(ctx context.Context, id string) (*domain.Story, error) {
	token, err := r.sessions.Token(ctx)
	if err != nil {
		return nil, r.authFailed(ctx, err)
	}

	story, err := r.api.GetStory(ctx, token, id)
	if err != nil {
		return nil, r.authFailed(ctx, err)
	}
	return story, nil
}

// StoriesWithLocation fetches the stories for the map view. It bypasses the
// cache.
func (r *Repository) StoriesWithLocation(ctx context.Context) ([]domain.Story, error) {
	token, err := r.sessions.Token(ctx)
	if err != nil {
		return nil, r.authFailed(ctx, err)
	}

	stories, err := r.api.FetchWithLocation(ctx, token, storyapi.LocationPageSize)
	if err != nil {
		return nil, r.authFailed(ctx, err)
	}

	located := make([]domain.Story, 0, len(stories))
	for _, story := range stories {
		if story.HasLocation() {
			located = append(located, story)
		}
	}
	return located, nil
}

// UploadStory validates and compresses a new story, posts it and refreshes
// the list so it shows up first.
func (r *Repository) UploadStory(ctx context.Context, upload storyapi.UploadRequest) error {
	if strings.TrimSpace(upload.Description) == "" {
		return &domain.ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if len(upload.Photo) == 0 {
		return &domain.ValidationError{Field: "photo", Reason: "is required"}
	}
	if err := validateLocation(upload.Lat, upload.Lon); err != nil {
		return err
	}

	photo, err := media.CompressJPEG(upload.Photo, r.maxPhotoBytes)
	if err != nil {
		return &domain.ValidationError{Field: "photo", Reason: err.Error()}
	}
	if int64(len(photo)) > r.maxPhotoBytes {
		return &domain.ValidationError{
			Field:  "photo",
			Reason: fmt.Sprintf("%d bytes after compression, limit is %d", len(photo), r.maxPhotoBytes),
		}
	}
	upload.Photo = photo

	token, err := r.sessions.Token(ctx)
	if err != nil {
		return r.authFailed(ctx, err)
	}

	if err := r.api.Upload(ctx, token, upload); err != nil {
		return r.authFailed(ctx, err)
	}

	r.logger.Info("uploaded story", "bytes", len(photo), "has_location", upload.Lat != nil)

	r.provider.Refresh()
	return nil
}

// Stories returns the current story list pager.
func (r *Repository) Stories() *Pager {
	return r.provider.Stories()
}

// Refresh reloads the story list from page 1 and returns the new pager.
func (r *Repository) Refresh() *Pager {
	return r.provider.Refresh()
}

func (r *Repository) WatchStories(ctx context.Context) <-chan *Pager {
	return r.provider.Watch(ctx)
}

func (r *Repository) LoadStates() domain.LoadStates {
	return r.mediator.LoadStates()
}

func (r *Repository) WatchLoadStates(ctx context.Context) <-chan domain.LoadStates {
	return r.mediator.WatchStates(ctx)
}

// Retry re-runs the failed load, if any.
func (r *Repository) Retry(ctx context.Context) error {
	if _, err := r.mediator.Retry(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (r *Repository) Language(ctx context.Context) (string, error) {
	lang, err := r.sessions.Language(ctx)
	if err != nil {
		return "", classify(fmt.Errorf("load language: %w", err))
	}
	return lang, nil
}

func (r *Repository) SetLanguage(ctx context.Context, code string) error {
	if err := r.sessions.SetLanguage(ctx, code); err != nil {
		return classify(err)
	}
	return nil
}

// authFailed classifies err and drops the session when the server rejected
// the token.
func (r *Repository) authFailed(ctx context.Context, err error) error {
	err = classify(err)
	if !domain.IsAuth(err) {
		return err
	}

	r.logger.Warn("session rejected, logging out", "error", err)
	if clearErr := r.sessions.ClearSession(context.WithoutCancel(ctx)); clearErr != nil {
		r.logger.Error("failed to clear session", "error", clearErr)
	}
	return err
}

func validateCredentials(email, password string) error {
	if !strings.Contains(email, "@") {
		return &domain.ValidationError{Field: "email", Reason: "must be an email address"}
	}
	if len(password) < minPasswordLength {
		return &domain.ValidationError{
			Field:  "password",
			Reason: fmt.Sprintf("must be at least %d characters", minPasswordLength),
		}
	}
	return nil
}

func validateLocation(lat, lon *float64) error {
	if (lat == nil) != (lon == nil) {
		return &domain.ValidationError{Field: "location", Reason: "latitude and longitude must be set together"}
	}
	if lat == nil {
		return nil
	}
	if *lat < -90 || *lat > 90 {
		return &domain.ValidationError{Field: "lat", Reason: fmt.Sprintf("%v is out of range", *lat)}
	}
	if *lon < -180 || *lon > 180 {
		return &domain.ValidationError{Field: "lon", Reason: fmt.Sprintf("%v is out of range", *lon)}
	}
	return nil
}
