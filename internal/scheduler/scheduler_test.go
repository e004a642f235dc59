package scheduler

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"storysync/internal/domain"
	"storysync/internal/service"
	"storysync/internal/service/mocks"
)

type SchedulerTestSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	loader *mocks.MockListSyncer
	logger *slog.Logger
}

func (s *SchedulerTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.loader = mocks.NewMockListSyncer(s.ctrl)
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func (s *SchedulerTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) TestRunSync_PrefetchesConfiguredPages() {
	gomock.InOrder(
		s.loader.EXPECT().Reload(gomock.Any()).Return(&domain.PageStats{Page: 1}, nil),
		s.loader.EXPECT().LoadMore(gomock.Any()).Return(&domain.PageStats{Page: 2}, nil),
		s.loader.EXPECT().LoadMore(gomock.Any()).Return(&domain.PageStats{Page: 3}, nil),
	)

	NewScheduler(s.loader, time.Hour, 2, s.logger).runSync(context.Background())
}

func (s *SchedulerTestSuite) TestRunSync_StopsAtEndOfList() {
	gomock.InOrder(
		s.loader.EXPECT().Reload(gomock.Any()).Return(&domain.PageStats{Page: 1}, nil),
		s.loader.EXPECT().LoadMore(gomock.Any()).Return(&domain.PageStats{Page: 2, EndReached: true}, nil),
	)

	NewScheduler(s.loader, time.Hour, 5, s.logger).runSync(context.Background())
}

func (s *SchedulerTestSuite) TestRunSync_StopsWhenNothingLoaded() {
	gomock.InOrder(
		s.loader.EXPECT().Reload(gomock.Any()).Return(&domain.PageStats{Page: 1}, nil),
		s.loader.EXPECT().LoadMore(gomock.Any()).Return(nil, nil),
	)

	NewScheduler(s.loader, time.Hour, 5, s.logger).runSync(context.Background())
}

func (s *SchedulerTestSuite) TestRunSync_ReloadErrorSkipsPrefetch() {
	s.loader.EXPECT().Reload(gomock.Any()).Return(nil, domain.ErrNetwork)

	NewScheduler(s.loader, time.Hour, 5, s.logger).runSync(context.Background())
}

func (s *SchedulerTestSuite) TestRunSync_PrefetchErrorStops() {
	gomock.InOrder(
		s.loader.EXPECT().Reload(gomock.Any()).Return(&domain.PageStats{Page: 1}, nil),
		s.loader.EXPECT().LoadMore(gomock.Any()).Return(nil, &domain.ServerError{StatusCode: 500}),
	)

	NewScheduler(s.loader, time.Hour, 5, s.logger).runSync(context.Background())
}

func (s *SchedulerTestSuite) TestStart_RunsImmediatelyAndStopsOnCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.loader.EXPECT().Reload(gomock.Any()).DoAndReturn(
		func(context.Context) (*domain.PageStats, error) {
			cancel()
			return &domain.PageStats{Page: 1, EndReached: true}, nil
		},
	)

	err := NewScheduler(s.loader, time.Hour, 0, s.logger).Start(ctx)

	s.ErrorIs(err, context.Canceled)
}

func (s *SchedulerTestSuite) TestStart_TicksAtInterval() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	s.loader.EXPECT().Reload(gomock.Any()).DoAndReturn(
		func(context.Context) (*domain.PageStats, error) {
			calls++
			if calls >= 3 {
				cancel()
			}
			return &domain.PageStats{Page: 1}, nil
		},
	).MinTimes(3)

	err := NewScheduler(s.loader, 10*time.Millisecond, 0, s.logger).Start(ctx)

	s.ErrorIs(err, context.Canceled)
	s.GreaterOrEqual(calls, 3)
}

func (s *SchedulerTestSuite) TestRunSync_ReplacesOpenPager() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pageLoader := mocks.NewMockPageLoader(s.ctrl)
	provider := service.NewProvider(ctx, mocks.NewMockStoryCache(s.ctrl), pageLoader, s.logger)
	defer provider.Wait()

	gomock.InOrder(
		pageLoader.EXPECT().Refresh(gomock.Any()).Return(&domain.PageStats{Page: 1}, nil),
		pageLoader.EXPECT().Refresh(gomock.Any()).Return(&domain.PageStats{Page: 1}, nil),
		pageLoader.EXPECT().LoadMore(gomock.Any()).Return(&domain.PageStats{Page: 2, EndReached: true}, nil),
	)

	open := provider.Stories()
	provider.Wait()

	NewScheduler(provider, time.Hour, 3, s.logger).runSync(ctx)

	select {
	case <-open.Done():
	default:
		s.Fail("scheduled reload left the open pager in place")
	}
	s.Equal(open.Seq()+1, provider.Stories().Seq())
}
