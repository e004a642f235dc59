package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"storysync/internal/domain"
	"storysync/internal/observe"
)

// ErrSuperseded is returned by a Pager that has been replaced by a refresh.
var ErrSuperseded = errors.New("pager superseded by a refresh")

type ProviderOption func(*Provider)

// WithPageSize sets how many stories a Pager page holds.
func WithPageSize(size int) ProviderOption {
	return func(p *Provider) {
		if size > 0 {
			p.pageSize = size
		}
	}
}

// WithPrefetchDistance sets how close to the end of the cached list a page
// read has to come before the next remote page is requested.
func WithPrefetchDistance(distance int) ProviderOption {
	return func(p *Provider) {
		if distance >= 0 {
			p.prefetchDistance = distance
		}
	}
}

// Provider hands out the story list as a sequence of Pagers, one per
// refresh. Reads are served from the cache only; the loader is driven in the
// background.
type Provider struct {
	ctx    context.Context
	cache  StoryCache
	loader PageLoader
	logger *slog.Logger

	pageSize         int
	prefetchDistance int

	mu      sync.Mutex
	seq     uint64
	current *Pager
	pagers  *observe.Value[*Pager]

	bgMu      sync.Mutex
	bgIdle    *sync.Cond
	bgRunning int
}

// NewProvider creates a Provider. Background loads run until ctx is done.
func NewProvider(ctx context.Context, cache StoryCache, loader PageLoader, logger *slog.Logger, opts ...ProviderOption) *Provider {
	p := &Provider{
		ctx:              ctx,
		cache:            cache,
		loader:           loader,
		logger:           logger.With("component", "provider"),
		pageSize:         10,
		prefetchDistance: 5,
		pagers:           observe.NewValue[*Pager](nil),
	}
	p.bgIdle = sync.NewCond(&p.bgMu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stories returns the current Pager. The first call creates it and starts
// the initial refresh.
func (p *Provider) Stories() *Pager {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		p.replace()
	}
	return p.current
}

// Refresh supersedes the current Pager and reloads the list from page 1.
func (p *Provider) Refresh() *Pager {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.replace()
	return p.current
}

// Reload supersedes the current Pager like Refresh, but runs the reload on
// the caller's goroutine and returns its result.
func (p *Provider) Reload(ctx context.Context) (*domain.PageStats, error) {
	p.mu.Lock()
	p.swap()
	p.mu.Unlock()

	return p.loader.Refresh(ctx)
}

// LoadMore appends the next remote page on the caller's goroutine. Open
// pagers see the new stories on their next read.
func (p *Provider) LoadMore(ctx context.Context) (*domain.PageStats, error) {
	return p.loader.LoadMore(ctx)
}

// Watch emits every new Pager until ctx is done. The current one, if any, is
// emitted first.
func (p *Provider) Watch(ctx context.Context) <-chan *Pager {
	in := p.pagers.Subscribe(ctx)
	out := make(chan *Pager)

	go func() {
		defer close(out)
		for pager := range in {
			if pager == nil {
				continue
			}
			select {
			case out <- pager:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Wait blocks until no background load is running. It may be called
// concurrently with reads that start new loads.
func (p *Provider) Wait() {
	p.bgMu.Lock()
	defer p.bgMu.Unlock()
	for p.bgRunning > 0 {
		p.bgIdle.Wait()
	}
}

// replace must be called with mu held.
func (p *Provider) replace() {
	p.swap()
	p.background("refresh", p.loader.Refresh)
}

// swap must be called with mu held.
func (p *Provider) swap() {
	if p.current != nil {
		close(p.current.done)
	}
	p.seq++
	p.current = &Pager{
		provider: p,
		seq:      p.seq,
		done:     make(chan struct{}),
	}
	p.pagers.Set(p.current)

	p.logger.Debug("new story pager", "seq", p.seq)
}

// background runs fn until the provider context is done. Nothing is started
// once it is.
func (p *Provider) background(op string, fn func(context.Context) (*domain.PageStats, error)) {
	p.bgMu.Lock()
	if p.ctx.Err() != nil {
		p.bgMu.Unlock()
		return
	}
	p.bgRunning++
	p.bgMu.Unlock()

	go func() {
		defer p.backgroundDone()
		if _, err := fn(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("background load failed", "op", op, "error", err)
		}
	}()
}

func (p *Provider) backgroundDone() {
	p.bgMu.Lock()
	defer p.bgMu.Unlock()
	p.bgRunning--
	if p.bgRunning == 0 {
		p.bgIdle.Broadcast()
	}
}

// Pager reads the cached story list page by page. It stays valid until the
// next refresh replaces it.
type Pager struct {
	provider *Provider
	seq      uint64
	done     chan struct{}
}

// Seq numbers pagers in creation order, starting at 1.
func (p *Pager) Seq() uint64 {
	return p.seq
}

// Done is closed once the pager has been superseded.
func (p *Pager) Done() <-chan struct{} {
	return p.done
}

// Page returns the stories of page index (0-based). A page that comes within
// the prefetch distance of the cached end triggers a background LoadMore; the
// page itself is returned from what is cached now.
func (p *Pager) Page(ctx context.Context, index int) ([]domain.Story, error) {
	if index < 0 {
		return nil, fmt.Errorf("negative page index %d", index)
	}
	select {
	case <-p.done:
		return nil, ErrSuperseded
	default:
	}

	prov := p.provider
	window := prov.pageSize + prov.prefetchDistance

	stories, err := prov.cache.Page(ctx, index*prov.pageSize, window)
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", index, err)
	}

	if len(stories) < window {
		prov.background("load more", prov.loader.LoadMore)
	}

	if len(stories) > prov.pageSize {
		stories = stories[:prov.pageSize]
	}
	return stories, nil
}

// All iterates over every cached story from the start. Iteration stops at the
// cached end, at the first error, or when the pager is superseded.
func (p *Pager) All(ctx context.Context) iter.Seq2[domain.Story, error] {
	return func(yield func(domain.Story, error) bool) {
		for index := 0; ; index++ {
			stories, err := p.Page(ctx, index)
			if err != nil {
				yield(domain.Story{}, err)
				return
			}
			for _, story := range stories {
				if !yield(story, nil) {
					return
				}
			}
			if len(stories) < p.provider.pageSize {
				return
			}
		}
	}
}
