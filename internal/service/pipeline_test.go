package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/suite"

	"storysync/internal/domain"
	"storysync/internal/source/storyapi/apitest"
)

// PipelineTestSuite drives the mediator against sqlite and the fake API.
type PipelineTestSuite struct {
	suite.Suite
	ctx context.Context
	st  *stack
}

func (s *PipelineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.st = newStack(s.T(), 1<<20)
	s.st.login(s.T())
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) TestScrollsThroughEveryPage() {
	seed := apitest.GenerateStories("s", 24)
	s.st.server.Seed(seed)

	stats, err := s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)
	s.Equal(10, stats.Fetched)
	s.Equal(storyIDs(seed[:10]), s.st.cachedIDs(s.T()))

	stats, err = s.st.mediator.LoadMore(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.Page)
	s.Equal(storyIDs(seed[:20]), s.st.cachedIDs(s.T()))

	stats, err = s.st.mediator.LoadMore(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, stats.Page)
	s.Equal(4, stats.Fetched)
	s.True(stats.EndReached)
	s.Equal(storyIDs(seed), s.st.cachedIDs(s.T()))

	last, err := s.st.boundaries.Last(s.ctx)
	s.Require().NoError(err)
	s.Equal(seed[23].ID, last.StoryID)
	s.Nil(last.NextPage)
	s.Require().NotNil(last.PrevPage)
	s.Equal(2, *last.PrevPage)

	stats, err = s.st.mediator.LoadMore(s.ctx)
	s.NoError(err)
	s.Nil(stats)
	s.Equal(3, s.st.server.ListCalls())
	s.True(s.st.mediator.LoadStates().EndReached)
}

func (s *PipelineTestSuite) TestShortFirstPageHasNoNextPage() {
	s.st.server.Seed(apitest.GenerateStories("s", 4))

	stats, err := s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)
	s.True(stats.EndReached)

	for _, id := range s.st.cachedIDs(s.T()) {
		boundary, err := s.st.boundaries.Get(s.ctx, id)
		s.Require().NoError(err)
		s.Nil(boundary.PrevPage)
		s.Nil(boundary.NextPage)
	}
}

func (s *PipelineTestSuite) TestRefreshReplacesWholeCache() {
	s.st.server.Seed(apitest.GenerateStories("old", 20))
	_, err := s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)
	_, err = s.st.mediator.LoadMore(s.ctx)
	s.Require().NoError(err)
	s.Len(s.st.cachedIDs(s.T()), 20)

	fresh := apitest.GenerateStories("new", 12)
	s.st.server.Seed(fresh)

	_, err = s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)
	s.Equal(storyIDs(fresh[:10]), s.st.cachedIDs(s.T()))
}

func (s *PipelineTestSuite) TestInitialNetworkErrorKeepsCache() {
	seed := apitest.GenerateStories("s", 10)
	s.st.server.Seed(seed)
	_, err := s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)

	s.st.server.Close()

	_, err = s.st.mediator.Refresh(s.ctx)

	s.ErrorIs(err, domain.ErrNetwork)
	s.Equal(domain.LoadError, s.st.mediator.LoadStates().Refresh.Status)
	s.Equal(storyIDs(seed), s.st.cachedIDs(s.T()))
}

func (s *PipelineTestSuite) TestAppendServerErrorThenRetry() {
	seed := apitest.GenerateStories("s", 20)
	s.st.server.Seed(seed)
	_, err := s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)

	s.st.server.FailNextList(http.StatusInternalServerError)

	_, err = s.st.mediator.LoadMore(s.ctx)

	var serverErr *domain.ServerError
	s.Require().ErrorAs(err, &serverErr)
	s.Equal(http.StatusInternalServerError, serverErr.StatusCode)
	s.Equal("Internal Server Error", domain.Message(err))

	states := s.st.mediator.LoadStates()
	s.Equal(domain.LoadError, states.Append.Status)
	s.Equal(storyIDs(seed[:10]), s.st.cachedIDs(s.T()))

	stats, err := s.st.mediator.Retry(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.Page)
	s.Equal(storyIDs(seed), s.st.cachedIDs(s.T()))
}

func (s *PipelineTestSuite) TestAppendingSamePageTwiceIsIdempotent() {
	seed := apitest.GenerateStories("s", 20)
	s.st.server.Seed(seed)
	_, err := s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)
	_, err = s.st.mediator.LoadMore(s.ctx)
	s.Require().NoError(err)

	// a retried write of an already committed page
	page2 := seed[10:]
	boundaries := makeBoundaries(page2, 2, true)
	s.Require().NoError(s.st.stories.Append(s.ctx, page2, boundaries))

	s.Equal(storyIDs(seed), s.st.cachedIDs(s.T()))
}

func (s *PipelineTestSuite) TestRefreshDuringAppendDiscardsAppend() {
	s.st.server.Seed(apitest.GenerateStories("old", 30))
	_, err := s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)

	started, release := s.st.server.BlockNextList()
	defer release()

	appendDone := make(chan error, 1)
	go func() {
		_, err := s.st.mediator.LoadMore(s.ctx)
		appendDone <- err
	}()
	<-started

	fresh := apitest.GenerateStories("new", 10)
	s.st.server.Seed(fresh)

	stats, err := s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)
	s.False(stats.Discarded)

	release()
	s.ErrorIs(<-appendDone, context.Canceled)

	s.Equal(storyIDs(fresh), s.st.cachedIDs(s.T()))
	states := s.st.mediator.LoadStates()
	s.Equal(domain.NotLoading, states.Refresh.Status)
	s.Equal(domain.NotLoading, states.Append.Status)
}

func (s *PipelineTestSuite) TestLoadMoreIgnoredWhileAppendRuns() {
	seed := apitest.GenerateStories("s", 30)
	s.st.server.Seed(seed)
	_, err := s.st.mediator.Refresh(s.ctx)
	s.Require().NoError(err)
	listCalls := s.st.server.ListCalls()

	started, release := s.st.server.BlockNextList()
	defer release()

	appendDone := make(chan error, 1)
	go func() {
		_, err := s.st.mediator.LoadMore(s.ctx)
		appendDone <- err
	}()
	<-started

	stats, err := s.st.mediator.LoadMore(s.ctx)
	s.NoError(err)
	s.Nil(stats)
	s.Equal(domain.Loading, s.st.mediator.LoadStates().Append.Status)

	release()
	s.Require().NoError(<-appendDone)

	s.Equal(listCalls+1, s.st.server.ListCalls())
	s.Equal(storyIDs(seed[:20]), s.st.cachedIDs(s.T()))
	s.Equal(domain.NotLoading, s.st.mediator.LoadStates().Append.Status)
}

func (s *PipelineTestSuite) TestExpiredTokenClearsSession() {
	s.st.server.Seed(apitest.GenerateStories("s", 10))
	s.st.server.ExpireTokens()

	_, err := s.st.mediator.Refresh(s.ctx)

	s.ErrorIs(err, domain.ErrAuth)
	s.Equal("Missing authentication", domain.Message(err))

	session, err := s.st.preferences.Session(s.ctx)
	s.Require().NoError(err)
	s.False(session.IsLogin)
}

func (s *PipelineTestSuite) TestNoSessionFailsWithoutRequest() {
	s.Require().NoError(s.st.preferences.ClearSession(s.ctx))

	_, err := s.st.mediator.Refresh(s.ctx)

	s.ErrorIs(err, domain.ErrAuth)
	s.Equal(0, s.st.server.Requests())
}
