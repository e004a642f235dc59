package storyapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"storysync/internal/domain"
	"storysync/internal/source/storyapi/apitest"
	"storysync/internal/testutil"
)

type ClientTestSuite struct {
	suite.Suite
	ctx    context.Context
	api    *apitest.Server
	client *Client
	token  string
	logger *slog.Logger
}

func (s *ClientTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.api = apitest.New()
	s.api.AddAccount("Reader", "reader@example.com", "password123")
	s.token = s.api.IssueToken("reader@example.com")
	s.client = New(Config{
		BaseURL:        s.api.URL,
		Timeout:        5 * time.Second,
		MaxAttempts:    1,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, s.logger)
}

func (s *ClientTestSuite) TearDownTest() {
	s.api.Close()
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) TestFetchPage_ReturnsRequestedSlice() {
	s.api.Seed(apitest.GenerateStories("story", 25))

	stories, err := s.client.FetchPage(s.ctx, s.token, testutil.Ptr(2), 10)
	s.Require().NoError(err)
	s.Len(stories, 10)
	s.Equal("story-10", stories[0].ID)
	s.Equal("story-19", stories[9].ID)
	s.Equal(10, s.api.LastPageSize())

	stories, err = s.client.FetchPage(s.ctx, s.token, testutil.Ptr(3), 10)
	s.Require().NoError(err)
	s.Len(stories, 5)
}

func (s *ClientTestSuite) TestFetchPage_KeepsCoordinatesOnlyAsPair() {
	s.api.Seed([]domain.Story{
		{ID: "both", Lat: testutil.Ptr(-6.2), Lon: testutil.Ptr(106.8)},
		{ID: "half", Lat: testutil.Ptr(-6.2)},
	})

	stories, err := s.client.FetchPage(s.ctx, s.token, nil, 10)
	s.Require().NoError(err)
	s.Require().Len(stories, 2)
	s.True(stories[0].HasLocation())
	s.Nil(stories[1].Lat)
	s.Nil(stories[1].Lon)
}

func (s *ClientTestSuite) TestFetchPage_AuthError() {
	stories, err := s.client.FetchPage(s.ctx, "expired", testutil.Ptr(1), 10)
	s.Nil(stories)
	s.ErrorIs(err, domain.ErrAuth)
	s.Equal("Missing authentication", domain.Message(err))
}

func (s *ClientTestSuite) TestFetchPage_ServerErrorCarriesMessage() {
	s.api.FailNextList(http.StatusInternalServerError)

	_, err := s.client.FetchPage(s.ctx, s.token, testutil.Ptr(1), 10)

	var serverErr *domain.ServerError
	s.Require().ErrorAs(err, &serverErr)
	s.Equal(http.StatusInternalServerError, serverErr.StatusCode)
	s.Equal("Internal Server Error", serverErr.Message)
}

func (s *ClientTestSuite) TestFetchPage_NetworkError() {
	s.api.Close()

	_, err := s.client.FetchPage(s.ctx, s.token, testutil.Ptr(1), 10)
	s.ErrorIs(err, domain.ErrNetwork)
}

func (s *ClientTestSuite) TestFetchPage_DoesNotRetryServerErrors() {
	client := New(Config{
		BaseURL:        s.api.URL,
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, s.logger)
	s.api.FailNextList(http.StatusBadGateway)

	_, err := client.FetchPage(s.ctx, s.token, testutil.Ptr(1), 10)
	s.Error(err)
	s.Equal(1, s.api.ListCalls())
}

func (s *ClientTestSuite) TestFetchPage_ContextCanceled() {
	started, release := s.api.BlockNextList()
	defer release()

	ctx, cancel := context.WithCancel(s.ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.client.FetchPage(ctx, s.token, testutil.Ptr(1), 10)
		errCh <- err
	}()

	<-started
	cancel()

	err := <-errCh
	s.True(errors.Is(err, context.Canceled))
	s.False(errors.Is(err, domain.ErrNetwork))
}

func (s *ClientTestSuite) TestFetchWithLocation() {
	s.api.Seed([]domain.Story{
		{ID: "located", Lat: testutil.Ptr(1.0), Lon: testutil.Ptr(2.0)},
		{ID: "plain"},
	})

	stories, err := s.client.FetchWithLocation(s.ctx, s.token, LocationPageSize)
	s.Require().NoError(err)
	s.Require().Len(stories, 1)
	s.Equal("located", stories[0].ID)
	s.Equal(LocationPageSize, s.api.LastPageSize())
}

func (s *ClientTestSuite) TestGetStory() {
	s.api.Seed(apitest.GenerateStories("story", 3))

	story, err := s.client.GetStory(s.ctx, s.token, "story-1")
	s.Require().NoError(err)
	s.Equal("author 1", story.Name)

	_, err = s.client.GetStory(s.ctx, s.token, "missing")
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *ClientTestSuite) TestLogin() {
	result, err := s.client.Login(s.ctx, "reader@example.com", "password123")
	s.Require().NoError(err)
	s.Equal("Reader", result.Name)
	s.NotEmpty(result.Token)

	_, err = s.client.Login(s.ctx, "reader@example.com", "wrong-password")
	s.ErrorIs(err, domain.ErrAuth)
	s.Equal("Invalid password", domain.Message(err))
}

func (s *ClientTestSuite) TestRegister() {
	s.NoError(s.client.Register(s.ctx, "Writer", "writer@example.com", "password123"))

	err := s.client.Register(s.ctx, "Writer", "writer@example.com", "password123")
	var serverErr *domain.ServerError
	s.Require().ErrorAs(err, &serverErr)
	s.Equal("Email is already taken", serverErr.Message)
}

func (s *ClientTestSuite) TestUpload_SendsMultipart() {
	err := s.client.Upload(s.ctx, s.token, UploadRequest{
		Description: "sunset",
		Photo:       []byte{0xff, 0xd8, 0xff, 0xd9},
		FileName:    "sunset.jpg",
		Lat:         testutil.Ptr(-6.2),
		Lon:         testutil.Ptr(106.8),
	})
	s.Require().NoError(err)

	uploads := s.api.Uploads()
	s.Require().Len(uploads, 1)
	s.Equal("sunset", uploads[0].Description)
	s.Equal("sunset.jpg", uploads[0].FileName)
	s.Equal("image/jpeg", uploads[0].ContentType)
	s.Equal([]byte{0xff, 0xd8, 0xff, 0xd9}, uploads[0].Photo)
	s.Require().NotNil(uploads[0].Lat)
	s.InDelta(-6.2, *uploads[0].Lat, 1e-9)
	s.InDelta(106.8, *uploads[0].Lon, 1e-9)
}

func (s *ClientTestSuite) TestUpload_GeneratesFileNameWithoutLocation() {
	err := s.client.Upload(s.ctx, s.token, UploadRequest{
		Description: "no place",
		Photo:       []byte{0xff, 0xd8},
	})
	s.Require().NoError(err)

	uploads := s.api.Uploads()
	s.Require().Len(uploads, 1)
	s.Contains(uploads[0].FileName, ".jpg")
	s.Nil(uploads[0].Lat)
	s.Nil(uploads[0].Lon)
}

func (s *ClientTestSuite) TestCalculateBackoff() {
	client := New(Config{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}, s.logger)

	s.Equal(time.Second, client.calculateBackoff(1))
	s.Equal(2*time.Second, client.calculateBackoff(2))
	s.Equal(4*time.Second, client.calculateBackoff(3))
	s.Equal(5*time.Second, client.calculateBackoff(4))
}
