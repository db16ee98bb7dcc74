package hsg

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrypster/openmemory/internal/dynamics"
	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/pkg/types"
)

// MaintenanceConfig tunes the background jobs. Zero values select defaults.
type MaintenanceConfig struct {
	// DecayInterval is how often the full decay scan runs.
	DecayInterval time.Duration

	// DecayChunk is the page size of the decay scan.
	DecayChunk int

	// DecayChunksPerSecond paces the scan so it never saturates the store.
	DecayChunksPerSecond float64

	// DecayRatio caps the fraction of each scanned page one pass evaluates,
	// in (0, 1]. Rows past the cap wait for a later pass.
	DecayRatio float64

	// FlushInterval drains the coactivation buffer.
	FlushInterval time.Duration

	// FlushBatch is how many pairs one flush consumes.
	FlushBatch int

	// PruneInterval runs the orphan-vector and weak-waypoint prunes.
	PruneInterval time.Duration

	// WaypointPruneThreshold removes edges below this weight.
	WaypointPruneThreshold float64

	// WaypointTau is the temporal-proximity constant of coactivation
	// reinforcement.
	WaypointTau time.Duration
}

func (c *MaintenanceConfig) setDefaults() {
	if c.DecayInterval == 0 {
		c.DecayInterval = time.Hour
	}
	if c.DecayChunk < 1 {
		c.DecayChunk = 1000
	}
	if c.DecayChunksPerSecond <= 0 {
		c.DecayChunksPerSecond = 10
	}
	if c.DecayRatio <= 0 || c.DecayRatio > 1 {
		c.DecayRatio = 1
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = time.Second
	}
	if c.FlushBatch < 1 {
		c.FlushBatch = 50
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = 6 * time.Hour
	}
	if c.WaypointPruneThreshold == 0 {
		c.WaypointPruneThreshold = 0.05
	}
	if c.WaypointTau == 0 {
		c.WaypointTau = time.Hour
	}
}

// Maintenance owns the background lifecycle jobs: salience decay, coactivation
// waypoint reinforcement, orphan-vector pruning, and weak-edge pruning.
type Maintenance struct {
	store   storage.Store
	vectors storage.VectorStore
	coact   *CoactivationBuffer
	cfg     MaintenanceConfig
	log     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenance wires the jobs to an engine's store and coactivation buffer.
func NewMaintenance(store storage.Store, vectors storage.VectorStore, coact *CoactivationBuffer, cfg MaintenanceConfig, log *zap.Logger) *Maintenance {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Maintenance{store: store, vectors: vectors, coact: coact, cfg: cfg, log: log}
}

// Start launches the loops. Call Stop to shut them down; Start after Stop is
// not supported.
func (m *Maintenance) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(3)
	go m.loop(ctx, m.cfg.DecayInterval, "decay", m.RunDecay)
	go m.loop(ctx, m.cfg.FlushInterval, "waypoint flush", m.FlushCoactivations)
	go m.loop(ctx, m.cfg.PruneInterval, "prune", m.RunPrune)
}

// Stop cancels the loops and waits for them to exit.
func (m *Maintenance) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Maintenance) loop(ctx context.Context, interval time.Duration, name string, job func(context.Context) error) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("maintenance job failed",
					zap.String("job", name), zap.Error(err))
			}
		}
	}
}

// RunDecay scans every memory across tenants in stable pages and writes back
// the dual-phase decayed salience. Rows whose salience barely moved are
// skipped to keep the write volume proportional to actual drift.
func (m *Maintenance) RunDecay(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(m.cfg.DecayChunksPerSecond), 1)
	now := types.NowMillis()
	cursor := storage.Cursor{}
	total := 0

	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		mems, next, err := m.store.ScanMemories(ctx, cursor, m.cfg.DecayChunk, "")
		if err != nil {
			return err
		}
		if len(mems) == 0 {
			break
		}

		evaluate := mems
		if m.cfg.DecayRatio < 1 {
			n := int(math.Ceil(m.cfg.DecayRatio * float64(len(mems))))
			evaluate = mems[:n]
		}

		updates := make([]storage.SalienceUpdate, 0, len(evaluate))
		for _, mem := range evaluate {
			deltaDays := float64(now-mem.LastSeenAt) / 86_400_000.0
			decayed := dynamics.DualPhaseDecayWith(mem.Salience, deltaDays, mem.DecayLambda, dynamics.LambdaSlow)
			if math.Abs(decayed-mem.Salience) <= 0.001 {
				continue
			}
			updates = append(updates, storage.SalienceUpdate{
				ID: mem.ID, UserID: mem.UserID, Salience: decayed,
			})
		}
		if len(updates) > 0 {
			n, err := m.store.UpdateSaliences(ctx, updates)
			if err != nil {
				return err
			}
			total += n
		}
		cursor = next
	}

	if total > 0 {
		m.log.Info("decay scan complete", zap.Int("updated", total))
	}
	return m.store.AppendStat(ctx, types.StatEntry{Type: "decay", Count: total})
}

// FlushCoactivations drains one batch of co-returned pairs and reinforces the
// waypoint between each, scaled by how close together the two memories were
// last seen. Edges are kept symmetric.
func (m *Maintenance) FlushCoactivations(ctx context.Context) error {
	pairs := m.coact.Drain(m.cfg.FlushBatch)
	if len(pairs) == 0 {
		return nil
	}

	// Group by tenant so hydration and edge lookups stay scoped.
	byUser := make(map[string][]CoactPair)
	for _, p := range pairs {
		if p.UserID == "" {
			continue
		}
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	now := types.NowMillis()
	tauMs := float64(m.cfg.WaypointTau.Milliseconds())
	reinforced := 0

	for userID, ps := range byUser {
		idSet := make(map[string]bool, len(ps)*2)
		ids := make([]string, 0, len(ps)*2)
		for _, p := range ps {
			for _, id := range []string{p.A, p.B} {
				if !idSet[id] {
					idSet[id] = true
					ids = append(ids, id)
				}
			}
		}
		mems, err := m.store.BatchGetMemories(ctx, ids, userID)
		if err != nil {
			return err
		}
		byID := make(map[string]*types.Memory, len(mems))
		for _, mem := range mems {
			byID[mem.ID] = mem
		}

		edges, err := m.store.GetNeighbors(ctx, ids, userID)
		if err != nil {
			return err
		}
		weight := make(map[[2]string]float64, len(edges))
		for _, w := range edges {
			weight[[2]string{w.SrcID, w.DstID}] = types.ClampWeight(w.Weight)
		}

		for _, p := range ps {
			a, okA := byID[p.A]
			b, okB := byID[p.B]
			if !okA || !okB {
				continue
			}
			gap := math.Abs(float64(a.LastSeenAt - b.LastSeenAt))
			tf := math.Exp(-gap / tauMs)

			for _, dir := range [][2]string{{p.A, p.B}, {p.B, p.A}} {
				w := weight[dir]
				next := math.Min(1, w+0.1*(1-w)*tf)
				weight[dir] = next
				if err := m.store.UpsertWaypoint(ctx, &types.Waypoint{
					SrcID: dir[0], DstID: dir[1], UserID: userID,
					Weight: next, CreatedAt: now, UpdatedAt: now,
				}); err != nil {
					return err
				}
			}
			reinforced++
		}
	}

	if reinforced > 0 {
		return m.store.AppendStat(ctx, types.StatEntry{Type: "waypoint_flush", Count: reinforced})
	}
	return nil
}

// RunPrune removes vectors whose memory row is gone and waypoints that have
// decayed below the threshold.
func (m *Maintenance) RunPrune(ctx context.Context) error {
	orphans, err := m.pruneOrphanVectors(ctx)
	if err != nil {
		return err
	}
	pruned, err := m.store.PruneWaypoints(ctx, m.cfg.WaypointPruneThreshold)
	if err != nil {
		return err
	}
	if orphans > 0 || pruned > 0 {
		m.log.Info("prune complete",
			zap.Int("orphan_vectors", orphans),
			zap.Int("weak_waypoints", pruned))
	}
	if err := m.store.AppendStat(ctx, types.StatEntry{Type: "orphan_prune", Count: orphans}); err != nil {
		return err
	}
	return m.store.AppendStat(ctx, types.StatEntry{Type: "waypoint_prune", Count: pruned})
}

func (m *Maintenance) pruneOrphanVectors(ctx context.Context) (int, error) {
	const batchSize = 500
	var batch []string
	removed := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		exists, err := m.store.FilterExistingMemoryIDs(ctx, batch)
		if err != nil {
			return err
		}
		var orphans []string
		for _, id := range batch {
			if !exists[id] {
				orphans = append(orphans, id)
			}
		}
		if len(orphans) > 0 {
			n, err := m.vectors.DeleteVectorsByIDs(ctx, orphans)
			if err != nil {
				return err
			}
			removed += n
		}
		batch = batch[:0]
		return nil
	}

	err := m.vectors.IterateAllIDs(ctx, func(id string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = append(batch, id)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, flush()
}
