package hsg

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/openmemory/internal/classifier"
	"github.com/scrypster/openmemory/internal/dynamics"
	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/pkg/types"
)

// sectorSimWeights weight each sector's cosine contribution in the fused
// multi-vector similarity. Mirrors the synthetic fingerprint weighting.
var sectorSimWeights = map[types.Sector]float64{
	types.SectorEpisodic:   1.3,
	types.SectorSemantic:   1.0,
	types.SectorProcedural: 1.2,
	types.SectorEmotional:  1.4,
	types.SectorReflective: 0.9,
}

// QueryFilters narrows retrieval.
type QueryFilters struct {
	// Sectors restricts the vector search; empty means all five.
	Sectors []types.Sector

	// MinSalience rejects candidates whose decayed salience falls below it.
	MinSalience float64

	// StartTime and EndTime bound created_at in epoch millis. Zero means
	// unbounded on that side.
	StartTime int64
	EndTime   int64

	// Metadata requires every given key to match the memory's meta value.
	Metadata map[string]any
}

// Result is one scored hit.
type Result struct {
	Memory      *types.Memory
	Score       float64
	VectorScore float64
	Activation  float64
}

// Query retrieves the top-k memories for a tenant. Candidates come from a
// per-sector vector search (keyword scan when embeddings fail entirely), get
// scored by the hybrid function, optionally reordered by spreading
// activation, and the returned set is reinforced.
func (e *Engine) Query(ctx context.Context, userID, text string, k int, filters *QueryFilters) ([]Result, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: query text is required", storage.ErrInvalidInput)
	}
	if k < 1 {
		k = 10
	}
	if filters == nil {
		filters = &QueryFilters{}
	}

	key := e.queryKey(userID, text, k, filters)
	if cached, ok := e.queryCache.Get(key); ok {
		return cached, nil
	}

	cls := e.classifier.Classify(text, nil)
	qTokens := classifier.Tokenize(text)

	sectors := filters.Sectors
	if len(sectors) == 0 {
		sectors = types.AllSectors()
	}
	qvecs := e.embed.EmbedQueryAllSectors(ctx, text, sectors)

	candidates, err := e.gatherCandidates(ctx, userID, sectors, qvecs, k*3)
	if err != nil {
		return nil, err
	}

	// Every provider path, including the synthetic, produced nothing: fall
	// back to lexical search at a neutral vector score.
	if len(candidates) == 0 {
		mems, err := e.store.SearchMemsByKeyword(ctx, userID, text, k*3)
		if err != nil {
			return nil, err
		}
		candidates = make(map[string]float64, len(mems))
		for _, m := range mems {
			candidates[m.ID] = 0.5
		}
	}
	if len(candidates) == 0 {
		e.queryCache.Add(key, nil)
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	mems, err := e.store.BatchGetMemories(ctx, ids, userID)
	if err != nil {
		return nil, err
	}
	vecs, err := e.vectors.GetVectorsByIDs(ctx, ids, userID)
	if err != nil {
		return nil, err
	}
	vecsByID := make(map[string]map[types.Sector][]float32, len(mems))
	for _, v := range vecs {
		m, ok := vecsByID[v.ID]
		if !ok {
			m = make(map[types.Sector][]float32, 2)
			vecsByID[v.ID] = m
		}
		m[v.Sector] = v.V
	}

	edges, err := e.store.GetNeighbors(ctx, ids, userID)
	if err != nil {
		return nil, err
	}
	// Strongest outgoing edge per candidate feeds the waypoint term.
	edgeWeight := make(map[string]float64, len(edges))
	for _, wp := range edges {
		if cw := types.ClampWeight(wp.Weight); cw > edgeWeight[wp.SrcID] {
			edgeWeight[wp.SrcID] = cw
		}
	}

	now := types.NowMillis()
	lowerQuery := strings.ToLower(text)
	results := make([]Result, 0, len(mems))
	for _, m := range mems {
		if !passesFilters(m, filters) {
			continue
		}
		deltaDays := float64(now-m.LastSeenAt) / 86_400_000.0
		decayed := dynamics.DualPhaseDecayWith(m.Salience, deltaDays, m.DecayLambda, dynamics.LambdaSlow)
		if decayed < filters.MinSalience {
			continue
		}

		sim := fusedSimilarity(qvecs, vecsByID[m.ID])
		if sim == 0 {
			sim = candidates[m.ID]
		}
		overlap := tokenOverlap(qTokens, m.Content)
		recency := dynamics.Recency(m.LastSeenAt, now)
		tag := tagScore(qTokens, m.Tags)

		kw := 0.0
		if e.cfg.KeywordBoost > 0 && strings.Contains(strings.ToLower(m.Content), lowerQuery) {
			kw = e.cfg.KeywordBoost
		}
		score := hybridScore(e.cfg.Weights, sim, overlap, edgeWeight[m.ID], recency, tag, kw) *
			dynamics.ResonanceFactor(m.PrimarySector, cls.Primary)

		results = append(results, Result{
			Memory:      m,
			Score:       score,
			VectorScore: sim,
		})
	}

	if e.cfg.SpreadingActivation && len(results) > 0 {
		if err := e.applySpreading(ctx, userID, results); err != nil {
			e.log.Warn("spreading activation failed", zap.Error(err))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > k {
		results = results[:k]
	}

	e.recordCoactivation(userID, results)
	if err := e.reinforceResults(ctx, userID, results, now); err != nil {
		e.log.Warn("retrieval reinforcement failed", zap.Error(err))
	}

	e.queryCache.Add(key, results)
	return results, nil
}

// gatherCandidates runs the per-sector similarity searches concurrently and
// keeps the best score per memory id.
func (e *Engine) gatherCandidates(ctx context.Context, userID string, sectors []types.Sector, qvecs map[types.Sector][]float32, topK int) (map[string]float64, error) {
	var mu sync.Mutex
	best := make(map[string]float64)

	g, gctx := errgroup.WithContext(ctx)
	for _, sec := range sectors {
		qv, ok := qvecs[sec]
		if !ok || len(qv) == 0 {
			continue
		}
		sec, qv := sec, qv
		g.Go(func() error {
			matches, err := e.vectors.SearchSimilar(gctx, sec, qv, topK, userID)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, m := range matches {
				if m.Score > best[m.ID] {
					best[m.ID] = m.Score
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return best, nil
}

// applySpreading seeds the waypoint walk with the current top results and
// folds activation back into the score.
func (e *Engine) applySpreading(ctx context.Context, userID string, results []Result) error {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	seedCount := len(results)
	if seedCount > 10 {
		seedCount = 10
	}
	seeds := make([]string, seedCount)
	for i := 0; i < seedCount; i++ {
		seeds[i] = results[i].Memory.ID
	}

	activation, err := dynamics.Spread(ctx, seeds, e.cfg.SpreadMaxHops,
		func(ctx context.Context, srcIDs []string) ([]*types.Waypoint, error) {
			return e.store.GetNeighbors(ctx, srcIDs, userID)
		})
	if err != nil {
		return err
	}
	for i := range results {
		a := activation[results[i].Memory.ID]
		results[i].Activation = a
		results[i].Score += e.cfg.Weights.Waypoint * a
	}
	return nil
}

// recordCoactivation queues adjacent result pairs for the waypoint
// maintenance loop.
func (e *Engine) recordCoactivation(userID string, results []Result) {
	for i := 1; i < len(results); i++ {
		e.coact.Push(results[i-1].Memory.ID, results[i].Memory.ID, userID)
	}
}

// reinforceResults bumps the salience of every returned memory and propagates
// a damped fraction of each bump to waypoint neighbors.
func (e *Engine) reinforceResults(ctx context.Context, userID string, results []Result, now int64) error {
	if len(results) == 0 {
		return nil
	}

	deltas := make(map[string]float64, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		old := r.Memory.Salience
		next := dynamics.RetrievalReinforcement(old)
		if err := e.store.UpdateLastSeenAndSalience(ctx, r.Memory.ID, userID, now, next); err != nil {
			return err
		}
		deltas[r.Memory.ID] = next - old
		ids = append(ids, r.Memory.ID)
	}

	edges, err := e.store.GetNeighbors(ctx, ids, userID)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}

	neighborIDs := make([]string, 0, len(edges))
	seen := make(map[string]bool, len(edges))
	for _, w := range edges {
		if _, isResult := deltas[w.DstID]; isResult {
			continue
		}
		if !seen[w.DstID] {
			seen[w.DstID] = true
			neighborIDs = append(neighborIDs, w.DstID)
		}
	}
	neighbors, err := e.store.BatchGetMemories(ctx, neighborIDs, userID)
	if err != nil {
		return err
	}
	byID := make(map[string]*types.Memory, len(neighbors))
	for _, n := range neighbors {
		byID[n.ID] = n
	}

	var updates []storage.SalienceUpdate
	for _, w := range edges {
		n, ok := byID[w.DstID]
		if !ok {
			continue
		}
		delta := deltas[w.SrcID]
		if delta <= 0 {
			continue
		}
		staleDays := float64(now-n.LastSeenAt) / 86_400_000.0
		if staleDays < 0 {
			staleDays = 0
		}
		inc := dynamics.Eta * types.ClampWeight(w.Weight) * delta * math.Exp(-0.02*staleDays)
		if inc <= 0 {
			continue
		}
		updates = append(updates, storage.SalienceUpdate{
			ID:       n.ID,
			UserID:   userID,
			Salience: math.Min(1, n.Salience+inc),
		})
	}
	if len(updates) == 0 {
		return nil
	}
	_, err = e.store.UpdateSaliences(ctx, updates)
	return err
}

func (e *Engine) queryKey(userID, text string, k int, f *QueryFilters) string {
	var b strings.Builder
	b.WriteString(userID)
	b.WriteByte('|')
	b.WriteString(text)
	fmt.Fprintf(&b, "|%d|%g|%d|%d", k, f.MinSalience, f.StartTime, f.EndTime)
	secs := make([]string, len(f.Sectors))
	for i, s := range f.Sectors {
		secs[i] = string(s)
	}
	sort.Strings(secs)
	b.WriteByte('|')
	b.WriteString(strings.Join(secs, ","))
	if len(f.Metadata) > 0 {
		keys := make([]string, 0, len(f.Metadata))
		for k := range f.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%v", k, f.Metadata[k])
		}
	}
	return b.String()
}

// hybridScore folds the weighted signal terms through the logistic squash.
// Similarity passes through the saturating boost first, so its contribution
// flattens as the cosine approaches 1.
func hybridScore(w ScoreWeights, sim, overlap, edgeWeight, recency, tag, keywordBoost float64) float64 {
	raw := w.Sim*dynamics.Boost(sim) + w.Overlap*overlap + w.Waypoint*edgeWeight +
		w.Recency*recency + w.Tag*tag + keywordBoost
	return dynamics.Sigmoid(raw)
}

// fusedSimilarity combines per-sector cosine similarities weighted by the
// sector weights, over the sectors present on both sides.
func fusedSimilarity(query, mem map[types.Sector][]float32) float64 {
	if len(query) == 0 || len(mem) == 0 {
		return 0
	}
	var sum, wsum float64
	for sec, qv := range query {
		mv, ok := mem[sec]
		if !ok || len(mv) != len(qv) {
			continue
		}
		w := sectorSimWeights[sec]
		if w == 0 {
			w = 1
		}
		sum += w * storage.CosineSimilarity(qv, mv)
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

func passesFilters(m *types.Memory, f *QueryFilters) bool {
	if f.StartTime > 0 && m.CreatedAt < f.StartTime {
		return false
	}
	if f.EndTime > 0 && m.CreatedAt > f.EndTime {
		return false
	}
	for k, want := range f.Metadata {
		got, ok := m.Meta[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// tokenOverlap is |query tokens ∩ content tokens| / |query tokens|.
func tokenOverlap(qTokens map[string]struct{}, content string) float64 {
	if len(qTokens) == 0 {
		return 0
	}
	cTokens := classifier.Tokenize(content)
	hits := 0
	for t := range qTokens {
		if _, ok := cTokens[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}

// tagScore awards 2 per exact tag hit and 1 per substring hit, normalized to
// [0,1] by the best possible score.
func tagScore(qTokens map[string]struct{}, tags []string) float64 {
	if len(tags) == 0 || len(qTokens) == 0 {
		return 0
	}
	score := 0
	for _, tag := range tags {
		lt := strings.ToLower(tag)
		if _, ok := qTokens[lt]; ok {
			score += 2
			continue
		}
		for t := range qTokens {
			if strings.Contains(lt, t) || strings.Contains(t, lt) {
				score++
				break
			}
		}
	}
	return float64(score) / float64(2*len(tags))
}
