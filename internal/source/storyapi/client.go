package storyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"storysync/internal/domain"
)

const (
	SourceID = "story-api"

	// LocationPageSize is the page size the map view asks for.
	LocationPageSize = 1000
)

// Config holds story API client configuration.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UserAgent      string
}

// UploadRequest is a new story with its photo already encoded.
type UploadRequest struct {
	Description string
	Photo       []byte
	FileName    string
	Lat         *float64
	Lon         *float64
}

// Client talks to the story REST API. Every error it returns is one of
// domain.ErrAuth, domain.ErrNetwork, domain.ErrNotFound, *domain.ServerError
// or the context's error.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	userAgent      string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

// New creates a new story API client.
func New(cfg Config, logger *slog.Logger) *Client {
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "StorySync/1.0"
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:      userAgent,
		maxAttempts:    maxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("source", SourceID),
	}
}

// ID returns the source identifier.
func (c *Client) ID() string {
	return SourceID
}

// FetchPage fetches one page of stories. A nil page lets the server pick
// its first page.
func (c *Client) FetchPage(ctx context.Context, token string, page *int, size int) ([]domain.Story, error) {
	query := url.Values{}
	if page != nil {
		query.Set("page", strconv.Itoa(*page))
	}
	query.Set("size", strconv.Itoa(size))

	var resp ListResponse
	if err := c.get(ctx, token, "/stories?"+query.Encode(), &resp); err != nil {
		return nil, err
	}

	stories := c.transform(resp.ListStory)

	c.logger.Debug("fetched page",
		"page", pageValue(page),
		"size", size,
		"stories", len(stories),
	)

	return stories, nil
}

// FetchWithLocation fetches stories that carry coordinates.
func (c *Client) FetchWithLocation(ctx context.Context, token string, size int) ([]domain.Story, error) {
	query := url.Values{}
	query.Set("location", "1")
	query.Set("size", strconv.Itoa(size))

	var resp ListResponse
	if err := c.get(ctx, token, "/stories?"+query.Encode(), &resp); err != nil {
		return nil, err
	}

	return c.transform(resp.ListStory), nil
}

// GetStory fetches a single story by id.
func (c *Client) GetStory(ctx context.Context, token, id string) (*domain.Story, error) {
	var resp DetailResponse
	if err := c.get(ctx, token, "/stories/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	if resp.Story == nil {
		return nil, fmt.Errorf("story %s: %w", id, domain.ErrNotFound)
	}

	story := resp.Story.toDomain()
	return &story, nil
}

// Register creates a new account.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	form := url.Values{}
	form.Set("name", name)
	form.Set("email", email)
	form.Set("password", password)

	var resp envelope
	return c.postForm(ctx, "/register", form, &resp)
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)

	var resp LoginResponse
	if err := c.postForm(ctx, "/login", form, &resp); err != nil {
		return nil, err
	}
	if resp.LoginResult == nil || resp.LoginResult.Token == "" {
		return nil, &domain.ServerError{StatusCode: http.StatusOK, Message: "login result is missing a token"}
	}

	return resp.LoginResult, nil
}

// Upload posts a new story as multipart form data.
func (c *Client) Upload(ctx context.Context, token string, upload UploadRequest) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("description", upload.Description); err != nil {
		return fmt.Errorf("write description: %w", err)
	}

	fileName := upload.FileName
	if fileName == "" {
		fileName = uuid.NewString() + ".jpg"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename=%q`, fileName))
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create photo part: %w", err)
	}
	if _, err := part.Write(upload.Photo); err != nil {
		return fmt.Errorf("write photo: %w", err)
	}

	if upload.Lat != nil && upload.Lon != nil {
		if err := mw.WriteField("lat", strconv.FormatFloat(*upload.Lat, 'f', -1, 64)); err != nil {
			return fmt.Errorf("write lat: %w", err)
		}
		if err := mw.WriteField("lon", strconv.FormatFloat(*upload.Lon, 'f', -1, 64)); err != nil {
			return fmt.Errorf("write lon: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stories", &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req, token)

	var resp envelope
	if err := c.do(req, &resp); err != nil {
		return err
	}

	c.logger.Debug("uploaded story", "file", fileName, "bytes", len(upload.Photo))

	return nil
}

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	var err error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		c.authorize(req, token)

		err = c.do(req, out)
		if err == nil {
			return nil
		}

		// only transport failures are worth another attempt
		if !errors.Is(err, domain.ErrNetwork) || attempt == c.maxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return err
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, out)
}

func (c *Client) authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &domain.ServerError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error {
		return &domain.ServerError{StatusCode: resp.StatusCode, Message: env.Message}
	}

	return nil
}

func statusError(status int, body []byte) error {
	var env envelope
	_ = json.Unmarshal(body, &env)

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		if env.Message != "" {
			return fmt.Errorf("%w: %s", domain.ErrAuth, env.Message)
		}
		return domain.ErrAuth
	case http.StatusNotFound:
		if env.Message != "" {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, env.Message)
		}
		return domain.ErrNotFound
	}

	return &domain.ServerError{StatusCode: status, Message: env.Message}
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}

func (c *Client) transform(items []APIStory) []domain.Story {
	stories := make([]domain.Story, 0, len(items))

	for _, item := range items {
		if item.ID == "" {
			c.logger.Warn("skipping story without id", "name", item.Name)
			continue
		}
		stories = append(stories, item.toDomain())
	}

	return stories
}

func pageValue(page *int) any {
	if page == nil {
		return "default"
	}
	return *page
}
