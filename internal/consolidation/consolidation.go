// Package consolidation runs the background decay/promotion/purge pass
// over the memory tiers (component J).
package consolidation

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/agentmesh/runtime/internal/event"
	"github.com/agentmesh/runtime/internal/logging"
	"github.com/agentmesh/runtime/internal/memory"
	"github.com/agentmesh/runtime/pkg/types"
)

// Config mirrors internal/config.ConsolidationConfig so this package has
// no import-time dependency on the config package.
type Config struct {
	CronExpr        string
	FixedInterval   time.Duration
	RetentionWindow time.Duration
	DecayAlpha      float64
}

// patternThreshold and procedureMinSteps gate promotion out of the
// episodic tier; kept as constants rather than config since spec.md
// leaves them unspecified and they are tuning knobs, not a contract.
const (
	patternThreshold = 0.7
	patternMinRepeat = 2
	procedureMinSteps = 2
	importancePurgeFloor = 0.05
)

// Runner drives one tick of the decay/promotion/purge cycle on a cadence,
// either cron-scheduled (via gronx) or on a fixed ticker.
type Runner struct {
	store *memory.Store
	cfg   Config
	bus   *event.Bus
	gron  *gronx.Gronx

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a consolidation runner over store. bus may be nil.
func New(store *memory.Store, cfg Config, bus *event.Bus) *Runner {
	if cfg.DecayAlpha == 0 {
		cfg.DecayAlpha = 0.1
	}
	if cfg.RetentionWindow == 0 {
		cfg.RetentionWindow = 72 * time.Hour
	}
	r := &Runner{store: store, cfg: cfg, bus: bus, stopCh: make(chan struct{})}
	if cfg.CronExpr != "" {
		g := gronx.New()
		r.gron = &g
	}
	return r
}

// Start runs the consolidation loop in a background goroutine until ctx is
// canceled or Stop is called. The check cadence is one minute when a cron
// expression is set (gronx.IsDue is evaluated each minute), or the fixed
// interval directly otherwise.
func (r *Runner) Start(ctx context.Context) {
	tick := r.cfg.FixedInterval
	if tick <= 0 {
		tick = 15 * time.Minute
	}
	if r.gron != nil {
		tick = time.Minute
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case now := <-ticker.C:
				if r.gron != nil {
					due, err := r.gron.IsDue(r.cfg.CronExpr, now)
					if err != nil || !due {
						continue
					}
				}
				report, err := r.Run(ctx)
				if err != nil {
					logging.Logger.Error().Err(err).Msg("consolidation: pass failed")
					continue
				}
				if r.bus != nil {
					r.bus.Publish(event.Event{Type: event.MemoryConsolidated, Data: event.MemoryConsolidatedData{Report: *report}})
				}
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Run executes one decay → promotion → purge pass synchronously and
// returns its report, regardless of the scheduling loop.
func (r *Runner) Run(ctx context.Context) (*types.ConsolidationReport, error) {
	report := &types.ConsolidationReport{}
	now := time.Now()

	episodes, err := r.store.Episodic.All(ctx)
	if err != nil {
		return nil, err
	}

	var toPurge []*types.Episode
	var patternCandidates []*types.Episode
	byTask := make(map[string][]*types.Episode)

	for _, ep := range episodes {
		r.decay(&ep.MemoryHeader, now)
		byTask[ep.Task] = append(byTask[ep.Task], ep)

		if ep.PatternValue >= patternThreshold {
			patternCandidates = append(patternCandidates, ep)
		}
		if ep.Importance < importancePurgeFloor && ep.AccessCount == 0 && now.Sub(ep.AccessedAt) > r.cfg.RetentionWindow {
			toPurge = append(toPurge, ep)
			continue
		}
		if err := r.store.Episodic.Record(ctx, ep); err != nil {
			return nil, err
		}
	}

	for task, group := range byTask {
		if len(group) < patternMinRepeat {
			continue
		}
		promoted := false
		for _, ep := range group {
			if ep.PatternValue >= patternThreshold {
				promoted = true
				break
			}
		}
		if !promoted {
			continue
		}
		if err := r.store.Semantic.Upsert(ctx, &types.SemanticUnit{
			Kind:      types.SemanticPattern,
			Name:      task,
			Signature: task,
		}); err != nil {
			return nil, err
		}
		report.PatternsExtracted++
	}

	for _, ep := range patternCandidates {
		if ep.Outcome != types.OutcomeSuccess || len(ep.FilesTouched) < procedureMinSteps {
			continue
		}
		if err := r.store.Procedural.Upsert(ctx, &types.Procedure{
			Name:             ep.Task,
			TriggerSignature: ep.Task,
			Steps:            ep.FilesTouched,
			SuccessRate:      1.0,
			Frequency:        1,
		}); err != nil {
			return nil, err
		}
		report.Promoted++
	}

	for _, ep := range toPurge {
		if err := r.store.Episodic.Delete(ctx, ep.ID); err != nil {
			return nil, err
		}
		report.Purged++
	}

	report.Merged = r.mergeDuplicateSemanticUnits(ctx)
	return report, nil
}

// decay applies importance ← importance·exp(-λΔt) + α·access_count_since
// in place, per spec.md §4.J.
func (r *Runner) decay(h *types.MemoryHeader, now time.Time) {
	dt := now.Sub(h.AccessedAt).Hours()
	if dt < 0 {
		dt = 0
	}
	lambda := 0.01
	h.Importance = h.Importance*math.Exp(-lambda*dt) + r.cfg.DecayAlpha*float64(h.AccessCount)
	if h.Importance > 1 {
		h.Importance = 1
	}
}

// mergeDuplicateSemanticUnits folds semantic units sharing a Name into a
// single surviving unit, summing their reference/dependency sets. Returns
// the count of units removed.
func (r *Runner) mergeDuplicateSemanticUnits(ctx context.Context) int {
	units, err := r.store.Semantic.All(ctx)
	if err != nil {
		return 0
	}
	byName := make(map[string][]*types.SemanticUnit)
	for _, u := range units {
		byName[u.Name] = append(byName[u.Name], u)
	}
	merged := 0
	for _, group := range byName {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt.Before(group[j].CreatedAt) })
		survivor := group[len(group)-1]
		refs := map[string]struct{}{}
		deps := map[string]struct{}{}
		for _, u := range group {
			for _, ref := range u.References {
				refs[ref] = struct{}{}
			}
			for _, dep := range u.Dependencies {
				deps[dep] = struct{}{}
			}
		}
		survivor.References = keys(refs)
		survivor.Dependencies = keys(deps)
		if err := r.store.Semantic.Upsert(ctx, survivor); err != nil {
			continue
		}
		for _, u := range group[:len(group)-1] {
			_ = r.store.Semantic.Delete(ctx, u.ID)
			merged++
		}
	}
	return merged
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
