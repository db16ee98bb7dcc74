// Package ops is the public facade over the retrieval engine: request
// validation, the max_active concurrency gate, and the small read-side
// aggregations callers want without touching the store directly.
package ops

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/scrypster/openmemory/internal/hsg"
	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/pkg/types"
)

// ErrBudgetExceeded means max_active concurrent queries are already running.
var ErrBudgetExceeded = errors.New("active query budget exceeded")

// Config tunes the facade.
type Config struct {
	// MaxActive caps concurrent Query calls. Zero means 100.
	MaxActive int

	Logger *zap.Logger
}

// Service fronts the engine.
type Service struct {
	eng   *hsg.Engine
	store storage.Store
	gate  *semaphore.Weighted
	log   *zap.Logger
}

// New builds the facade.
func New(eng *hsg.Engine, store storage.Store, cfg Config) *Service {
	if cfg.MaxActive < 1 {
		cfg.MaxActive = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		eng:   eng,
		store: store,
		gate:  semaphore.NewWeighted(int64(cfg.MaxActive)),
		log:   cfg.Logger,
	}
}

// AddRequest is one ingestion request.
type AddRequest struct {
	Content  string
	UserID   string
	Metadata map[string]any

	// ID forces the memory id, skipping dedup. Empty means allocate.
	ID string
}

func (r *AddRequest) validate() error {
	if r.Content == "" {
		return fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	return nil
}

// Add ingests one memory.
func (s *Service) Add(ctx context.Context, req AddRequest) (*hsg.AddResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var ov *hsg.AddOverrides
	if req.ID != "" {
		ov = &hsg.AddOverrides{ID: req.ID}
	}
	return s.eng.Add(ctx, req.Content, req.UserID, req.Metadata, ov)
}

// AddBatch ingests requests in order and fails fast: the returned slice holds
// the results committed before the first error.
func (s *Service) AddBatch(ctx context.Context, reqs []AddRequest) ([]*hsg.AddResult, error) {
	results := make([]*hsg.AddResult, 0, len(reqs))
	for i, req := range reqs {
		res, err := s.Add(ctx, req)
		if err != nil {
			return results, fmt.Errorf("batch item %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// QueryRequest is one retrieval request.
type QueryRequest struct {
	UserID  string
	Query   string
	K       int
	Filters *hsg.QueryFilters
}

// Query retrieves top-K memories. When max_active queries are already in
// flight it fails immediately with ErrBudgetExceeded rather than queueing.
func (s *Service) Query(ctx context.Context, req QueryRequest) ([]hsg.Result, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}

	if !s.gate.TryAcquire(1) {
		s.log.Warn("query rejected, budget exhausted", zap.String("user", req.UserID))
		return nil, ErrBudgetExceeded
	}
	defer s.gate.Release(1)

	return s.eng.Query(ctx, req.UserID, req.Query, req.K, req.Filters)
}

// Update mutates content, tags, or metadata of a memory.
func (s *Service) Update(ctx context.Context, id, userID string, req hsg.UpdateRequest) error {
	if id == "" || userID == "" {
		return fmt.Errorf("%w: id and user_id are required", storage.ErrInvalidInput)
	}
	return s.eng.Update(ctx, id, userID, req)
}

// Delete removes a memory with its vectors and waypoints.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	if id == "" || userID == "" {
		return fmt.Errorf("%w: id and user_id are required", storage.ErrInvalidInput)
	}
	return s.eng.Delete(ctx, id, userID)
}

// Reinforce bumps a memory's salience.
func (s *Service) Reinforce(ctx context.Context, id, userID string, boost float64) error {
	if id == "" || userID == "" {
		return fmt.Errorf("%w: id and user_id are required", storage.ErrInvalidInput)
	}
	return s.eng.Reinforce(ctx, id, userID, boost)
}

// Feedback records explicit relevance feedback for a memory in [0,1].
func (s *Service) Feedback(ctx context.Context, id, userID string, score float64) error {
	if id == "" || userID == "" {
		return fmt.Errorf("%w: id and user_id are required", storage.ErrInvalidInput)
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: feedback score %v outside [0,1]", storage.ErrInvalidInput, score)
	}
	return s.store.UpdateFeedback(ctx, id, userID, score)
}

// Get returns one memory.
func (s *Service) Get(ctx context.Context, id, userID string) (*types.Memory, error) {
	if id == "" || userID == "" {
		return nil, fmt.Errorf("%w: id and user_id are required", storage.ErrInvalidInput)
	}
	return s.store.GetMemory(ctx, id, userID)
}

// List pages a tenant's memories newest first.
func (s *Service) List(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	return s.store.ListMemories(ctx, opts)
}

// GetUserSummary returns the tenant row, including the rolling summary.
func (s *Service) GetUserSummary(ctx context.Context, userID string) (*types.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	return s.store.GetUser(ctx, userID)
}

// GetStats aggregates maintenance event counts per type since the given
// epoch-ms timestamp. Zero means all time.
func (s *Service) GetStats(ctx context.Context, since int64) (map[string]int, error) {
	entries, err := s.store.GetStats(ctx, since)
	if err != nil {
		return nil, err
	}
	agg := make(map[string]int, len(entries))
	for _, e := range entries {
		agg[e.Type] += e.Count
	}
	return agg, nil
}
