package client

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const defaultVoteBookSize = 1024

// VoteAPI is the subset of Client a VoteBook consumes.
type VoteAPI interface {
	Upvote(ctx context.Context, projectID string) (VoteRatio, error)
	Downvote(ctx context.Context, projectID string) (VoteRatio, error)
	GetVoteRatio(ctx context.Context, projectID string) (VoteRatio, error)
	GetAllVotes(ctx context.Context) ([]VoteRatio, error)
}

// VoteBook is a consumer-side cache of vote ratios keyed by project. It is never
// authoritative: every entry comes from a service response. List keeps the service's
// most-recently-updated-first order, with mutated projects moved to the front.
type VoteBook struct {
	api      VoteAPI
	cache    *lru.Cache[string, VoteRatio]
	capacity int
	logger   *zap.Logger

	mu    sync.Mutex
	order []string
}

func NewVoteBook(api VoteAPI, size int, logger *zap.Logger) (*VoteBook, error) {
	if size <= 0 {
		size = defaultVoteBookSize
	}
	cache, err := lru.New[string, VoteRatio](size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteBook{api: api, cache: cache, capacity: size, logger: logger}, nil
}

// Load replaces the cache with the service's list. On failure the cache is emptied
// so callers render an empty list, and the error is returned. The cache grows to hold
// the whole list.
func (b *VoteBook) Load(ctx context.Context) error {
	ratios, err := b.api.GetAllVotes(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Purge()
	b.order = b.order[:0]
	if err != nil {
		b.logger.Warn("vote list load failed", zap.Error(err))
		return err
	}
	b.ensureCapacity(len(ratios))
	for _, ratio := range ratios {
		if b.cache.Contains(ratio.ProjectID) {
			continue
		}
		b.cache.Add(ratio.ProjectID, ratio)
		b.order = append(b.order, ratio.ProjectID)
	}
	return nil
}

// Get returns the cached ratio for a project.
func (b *VoteBook) Get(projectID string) (VoteRatio, bool) {
	return b.cache.Peek(projectID)
}

// List returns the cached ratios, most recently updated first.
func (b *VoteBook) List() []VoteRatio {
	b.mu.Lock()
	defer b.mu.Unlock()
	ratios := make([]VoteRatio, 0, len(b.order))
	for _, projectID := range b.order {
		if ratio, ok := b.cache.Peek(projectID); ok {
			ratios = append(ratios, ratio)
		}
	}
	return ratios
}

// Refresh re-reads one project. A failure keeps the prior entry.
func (b *VoteBook) Refresh(ctx context.Context, projectID string) (VoteRatio, error) {
	ratio, err := b.api.GetVoteRatio(ctx, projectID)
	if err != nil {
		b.logger.Warn("vote refresh failed", zap.String("project_id", projectID), zap.Error(err))
		return VoteRatio{}, err
	}
	b.store(projectID, ratio, false)
	return ratio, nil
}

// Upvote records an upvote and caches the response. A failure keeps the prior entry.
func (b *VoteBook) Upvote(ctx context.Context, projectID string) (VoteRatio, error) {
	return b.mutate(ctx, "upvote", projectID, b.api.Upvote)
}

// Downvote records a downvote and caches the response. A failure keeps the prior entry.
func (b *VoteBook) Downvote(ctx context.Context, projectID string) (VoteRatio, error) {
	return b.mutate(ctx, "downvote", projectID, b.api.Downvote)
}

func (b *VoteBook) mutate(ctx context.Context, action, projectID string, call func(context.Context, string) (VoteRatio, error)) (VoteRatio, error) {
	ratio, err := call(ctx, projectID)
	if err != nil {
		b.logger.Warn("vote mutation failed",
			zap.String("action", action),
			zap.String("project_id", projectID),
			zap.Error(err))
		return VoteRatio{}, err
	}
	b.store(projectID, ratio, true)
	return ratio, nil
}

// store caches ratio. A new project is appended to the order, or moved to the front
// when toFront is set.
func (b *VoteBook) store(projectID string, ratio VoteRatio, toFront bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	known := b.cache.Contains(projectID)
	if !known {
		b.ensureCapacity(b.cache.Len() + 1)
	}
	b.cache.Add(projectID, ratio)

	switch {
	case toFront:
		b.order = append([]string{projectID}, removeID(b.order, projectID)...)
	case !known:
		b.order = append(b.order, projectID)
	}
}

func (b *VoteBook) ensureCapacity(n int) {
	if n <= b.capacity {
		return
	}
	for b.capacity < n {
		b.capacity *= 2
	}
	b.cache.Resize(b.capacity)
}

func removeID(ids []string, projectID string) []string {
	kept := ids[:0]
	for _, id := range ids {
		if id != projectID {
			kept = append(kept, id)
		}
	}
	return kept
}
