package hsg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/scrypster/openmemory/internal/classifier"
	"github.com/scrypster/openmemory/internal/dynamics"
	"github.com/scrypster/openmemory/internal/embedder"
	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/pkg/types"
)

// ScoreWeights are the hybrid-scoring weights combined inside the sigmoid.
type ScoreWeights struct {
	Sim      float64
	Overlap  float64
	Waypoint float64
	Recency  float64
	Tag      float64
}

// DefaultScoreWeights returns the tuned defaults.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Sim: 0.35, Overlap: 0.20, Waypoint: 0.15, Recency: 0.10, Tag: 0.20}
}

// Config tunes the engine. Zero values select the documented defaults.
type Config struct {
	// VecDim is the embedding dimension the engine stores and searches.
	VecDim int

	// SegSize rotates memories into integer segments every SegSize rows per
	// tenant. Zero disables rotation.
	SegSize int

	// SummaryMaxLength truncates stored content. Zero disables truncation.
	SummaryMaxLength int

	// KeywordBoost is added inside the scoring sigmoid when the whole query
	// appears verbatim in a candidate's content.
	KeywordBoost float64

	Weights ScoreWeights

	// SpreadingActivation reorders results through the waypoint graph.
	SpreadingActivation bool
	SpreadMaxHops       int

	QueryCacheSize int
	QueryCacheTTL  time.Duration

	// WaypointTau is the temporal-proximity constant of the coactivation
	// flush: pairs last seen close together reinforce harder.
	WaypointTau time.Duration
}

func (c *Config) setDefaults() {
	if c.VecDim < 1 {
		c.VecDim = 256
	}
	if c.Weights == (ScoreWeights{}) {
		c.Weights = DefaultScoreWeights()
	}
	if c.SpreadMaxHops < 1 {
		c.SpreadMaxHops = 2
	}
	if c.QueryCacheSize < 1 {
		c.QueryCacheSize = 256
	}
	if c.QueryCacheTTL == 0 {
		c.QueryCacheTTL = time.Minute
	}
	if c.WaypointTau == 0 {
		c.WaypointTau = time.Hour
	}
}

// Engine composes the store, vector store, classifier, and embedder into the
// add/query/update/delete/reinforce lifecycle.
type Engine struct {
	store      storage.Store
	vectors    storage.VectorStore
	classifier *classifier.Classifier
	embed      *embedder.Service
	log        *zap.Logger
	cfg        Config

	queryCache *expirable.LRU[string, []Result]
	coact      *CoactivationBuffer

	onAdded func(*types.Memory)
}

// New builds an engine. All collaborators are required except the logger.
func New(store storage.Store, vectors storage.VectorStore, cls *classifier.Classifier, embed *embedder.Service, cfg Config, log *zap.Logger) *Engine {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:      store,
		vectors:    vectors,
		classifier: cls,
		embed:      embed,
		log:        log,
		cfg:        cfg,
		queryCache: expirable.NewLRU[string, []Result](cfg.QueryCacheSize, nil, cfg.QueryCacheTTL),
		coact:      NewCoactivationBuffer(),
	}
}

// SetOnMemoryAdded registers a callback fired after a new memory commits.
// Not safe to call concurrently with Add.
func (e *Engine) SetOnMemoryAdded(fn func(*types.Memory)) {
	e.onAdded = fn
}

// Coactivation exposes the buffer to the maintenance loop.
func (e *Engine) Coactivation() *CoactivationBuffer {
	return e.coact
}

// AddOverrides carries caller-chosen attributes for Add.
type AddOverrides struct {
	// ID skips simhash dedup and uses the given id.
	ID string
}

// AddResult reports what Add stored.
type AddResult struct {
	ID            string
	PrimarySector types.Sector
	Sectors       []types.Sector
	Chunks        int
	Content       string
	CreatedAt     int64
	UserID        string
	Deduplicated  bool
}

// Add ingests one memory: classify, dedup by simhash, embed per sector, and
// persist the row, vectors, and cross-sector anchor waypoints in one
// transaction.
func (e *Engine) Add(ctx context.Context, content, userID string, metadata map[string]any, overrides *AddOverrides) (*AddResult, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	if e.cfg.SummaryMaxLength > 0 && len(content) > e.cfg.SummaryMaxLength {
		content = content[:e.cfg.SummaryMaxLength]
	}

	cls := e.classifier.Classify(content, metadata)
	sectors := append([]types.Sector{cls.Primary}, cls.Additional...)
	sh := Simhash(content)

	if overrides == nil || overrides.ID == "" {
		existing, err := e.store.GetMemoryBySimhash(ctx, sh, userID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if existing != nil && existing.Content == content {
			newSal := math.Min(1, existing.Salience+0.1)
			if err := e.store.UpdateLastSeenAndSalience(ctx, existing.ID, userID, types.NowMillis(), newSal); err != nil {
				return nil, err
			}
			return &AddResult{
				ID:            existing.ID,
				PrimarySector: existing.PrimarySector,
				Sectors:       []types.Sector{existing.PrimarySector},
				Chunks:        1,
				Content:       existing.Content,
				CreatedAt:     existing.CreatedAt,
				UserID:        userID,
				Deduplicated:  true,
			}, nil
		}
	}

	id := uuid.NewString()
	if overrides != nil && overrides.ID != "" {
		id = overrides.ID
	}

	// Provider calls happen outside the transaction.
	vecs := e.embed.EmbedMultiSector(ctx, id, content, sectors)

	// With the primary vector in hand, an attached learned model may override
	// a low-confidence semantic default.
	if refined := e.classifier.ClassifyWithVector(content, metadata, vecs[cls.Primary]); refined.Primary != cls.Primary {
		if _, ok := vecs[refined.Primary]; !ok {
			vecs[refined.Primary] = e.embed.EmbedForSector(ctx, content, refined.Primary)
			sectors = append(sectors, refined.Primary)
		}
		cls = refined
	}

	now := types.NowMillis()
	segment := 0
	if e.cfg.SegSize > 0 {
		count, err := e.store.CountMemories(ctx, userID)
		if err != nil {
			return nil, err
		}
		segment = count / e.cfg.SegSize
	}

	mem := &types.Memory{
		ID:            id,
		UserID:        userID,
		Segment:       segment,
		Content:       content,
		Simhash:       sh,
		PrimarySector: cls.Primary,
		Tags:          extractTags(metadata),
		Meta:          metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastSeenAt:    now,
		Salience:      0.5,
		DecayLambda:   dynamics.LambdaFast,
		Version:       1,
		MeanDim:       len(vecs[cls.Primary]),
		MeanVec:       storage.VectorToBytes(vecs[cls.Primary]),
	}

	err := e.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.TouchUser(ctx, userID); err != nil {
			return err
		}
		if err := e.store.InsertMemory(ctx, mem); err != nil {
			return err
		}
		for sec, v := range vecs {
			if err := e.vectors.StoreVector(ctx, &types.Vector{
				ID: id, Sector: sec, UserID: userID, V: v, Dim: len(v),
			}); err != nil {
				return err
			}
		}
		// Anchor cross-sector retrieval paths with a pseudo-node per
		// additional sector.
		for _, sec := range cls.Additional {
			anchor := id + ":" + string(sec)
			for _, pair := range [][2]string{{id, anchor}, {anchor, id}} {
				if err := e.store.UpsertWaypoint(ctx, &types.Waypoint{
					SrcID: pair[0], DstID: pair[1], UserID: userID,
					Weight: 0.5, CreatedAt: now, UpdatedAt: now,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.queryCache.Purge()
	e.log.Debug("memory added",
		zap.String("id", id),
		zap.String("user", userID),
		zap.String("sector", string(cls.Primary)))
	if e.onAdded != nil {
		e.onAdded(mem)
	}

	return &AddResult{
		ID:            id,
		PrimarySector: cls.Primary,
		Sectors:       sectors,
		Chunks:        1,
		Content:       content,
		CreatedAt:     now,
		UserID:        userID,
	}, nil
}

// UpdateRequest carries the mutable attributes of Update. Nil fields are
// left unchanged.
type UpdateRequest struct {
	Content  *string
	Tags     []string
	Metadata map[string]any
}

// Update mutates a memory. A content change re-classifies, re-embeds, swaps
// all vectors, and bumps the version, atomically.
func (e *Engine) Update(ctx context.Context, id, userID string, req UpdateRequest) error {
	mem, err := e.store.GetMemory(ctx, id, userID)
	if err != nil {
		return err
	}

	if req.Content == nil || *req.Content == mem.Content {
		if req.Tags == nil && req.Metadata == nil {
			return nil
		}
		upd := storage.MemoryUpdate{Tags: req.Tags, Meta: req.Metadata}
		if err := e.store.UpdateMemoryFields(ctx, id, userID, upd); err != nil {
			return err
		}
		e.queryCache.Purge()
		return nil
	}

	content := *req.Content
	if content == "" {
		return fmt.Errorf("%w: content cannot be cleared", storage.ErrInvalidInput)
	}
	if e.cfg.SummaryMaxLength > 0 && len(content) > e.cfg.SummaryMaxLength {
		content = content[:e.cfg.SummaryMaxLength]
	}

	cls := e.classifier.Classify(content, req.Metadata)
	sectors := append([]types.Sector{cls.Primary}, cls.Additional...)
	vecs := e.embed.EmbedMultiSector(ctx, id, content, sectors)
	sh := Simhash(content)

	defer e.queryCache.Purge()
	return e.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.vectors.DeleteVectors(ctx, id, userID); err != nil {
			return err
		}
		for sec, v := range vecs {
			if err := e.vectors.StoreVector(ctx, &types.Vector{
				ID: id, Sector: sec, UserID: userID, V: v, Dim: len(v),
			}); err != nil {
				return err
			}
		}
		upd := storage.MemoryUpdate{
			Content:       &content,
			Simhash:       &sh,
			PrimarySector: &cls.Primary,
			Tags:          req.Tags,
			Meta:          req.Metadata,
			BumpVersion:   true,
		}
		if err := e.store.UpdateMemoryFields(ctx, id, userID, upd); err != nil {
			return err
		}
		return e.store.UpdateMeanVec(ctx, id, userID,
			storage.VectorToBytes(vecs[cls.Primary]), len(vecs[cls.Primary]))
	})
}

// Delete removes the memory, its vectors, and every waypoint touching it.
// Foreign or missing ids return storage.ErrNotFound.
func (e *Engine) Delete(ctx context.Context, id, userID string) error {
	defer e.queryCache.Purge()
	return e.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.DeleteMemory(ctx, id, userID); err != nil {
			return err
		}
		if err := e.vectors.DeleteVectors(ctx, id, userID); err != nil {
			return err
		}
		return e.store.DeleteWaypointsTouching(ctx, id, userID)
	})
}

// Reinforce bumps salience by boost and refreshes last_seen_at. Crossing the
// consolidation threshold records a stats event.
func (e *Engine) Reinforce(ctx context.Context, id, userID string, boost float64) error {
	if boost < 0 || boost > 1 {
		return fmt.Errorf("%w: boost %v outside [0,1]", storage.ErrInvalidInput, boost)
	}
	mem, err := e.store.GetMemory(ctx, id, userID)
	if err != nil {
		return err
	}
	newSal := math.Min(1, mem.Salience+boost)
	if err := e.store.UpdateLastSeenAndSalience(ctx, id, userID, types.NowMillis(), newSal); err != nil {
		return err
	}
	if newSal > 0.8 {
		e.log.Info("memory consolidated",
			zap.String("id", id),
			zap.Float64("salience", newSal))
		if err := e.store.AppendStat(ctx, types.StatEntry{Type: "consolidate", Count: 1}); err != nil {
			e.log.Warn("failed to record consolidate stat", zap.Error(err))
		}
	}
	return nil
}

func extractTags(meta map[string]any) []string {
	if meta == nil {
		return nil
	}
	switch raw := meta["tags"].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, t := range raw {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
