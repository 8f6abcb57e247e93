package portal

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

var (
	sourceQueryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatapi_source_query_failures_total",
		Help: "Bridge portal queries that failed and were degraded to an empty contribution",
	}, []string{"source"})
	portalCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatapi_portal_collisions_total",
		Help: "Rooms claimed by more than one bridge during portal resolution",
	})
)

// Resolver fans a portal lookup out to every active adapter concurrently and
// merges the results into a single room -> portal map.
type Resolver struct {
	registry *Registry
	log      zerolog.Logger
}

func NewResolver(log zerolog.Logger, registry *Registry) *Resolver {
	return &Resolver{
		registry: registry,
		log:      log.With().Str("component", "portal_resolver").Logger(),
	}
}

// Resolve queries all active adapters in parallel. A failing adapter
// contributes nothing: the failure is logged, counted, and reported as a
// warning, never returned as an error. Sources own disjoint room sets, so a
// room claimed twice is a data-integrity problem; the later adapter in
// enumeration order wins and the collision is flagged.
func (r *Resolver) Resolve(ctx context.Context, roomIDs []id.RoomID) (map[id.RoomID]Info, []string) {
	adapters := r.registry.Adapters()
	results := make([][]Info, len(adapters))
	var warningsMu sync.Mutex
	var warnings []string

	var wg sync.WaitGroup
	for i, adapter := range adapters {
		wg.Add(1)
		go func(i int, adapter Adapter) {
			defer wg.Done()
			portals, err := adapter.Portals(ctx, roomIDs)
			if err != nil {
				sourceQueryFailures.WithLabelValues(adapter.Slug()).Inc()
				r.log.Error().Err(err).Str("source", adapter.Slug()).
					Msg("Bridge portal fetch failed")
				warningsMu.Lock()
				warnings = append(warnings, fmt.Sprintf("source %s unavailable", adapter.Slug()))
				warningsMu.Unlock()
				return
			}
			results[i] = portals
		}(i, adapter)
	}
	wg.Wait()

	portalMap := make(map[id.RoomID]Info, len(roomIDs))
	for _, portals := range results {
		for _, info := range portals {
			if prev, ok := portalMap[info.RoomID]; ok && prev.Source != info.Source {
				portalCollisions.Inc()
				r.log.Warn().
					Stringer("room_id", info.RoomID).
					Str("kept", info.Source).
					Str("overwritten", prev.Source).
					Msg("Portal ownership collision between sources")
				warnings = append(warnings, fmt.Sprintf(
					"room %s claimed by both %s and %s", info.RoomID, prev.Source, info.Source))
			}
			portalMap[info.RoomID] = info
		}
	}
	return portalMap, warnings
}

// SourceSummary is one bridge's portal inventory for a user.
type SourceSummary struct {
	Source string           `json:"source"`
	Total  int              `json:"total"`
	ByType map[RoomType]int `json:"by_type"`
}

// UserSources queries every active adapter for the user's portals and
// reduces them to per-source counts by room type. Same failure semantics as
// Resolve: a broken source becomes a warning, not an error.
func (r *Resolver) UserSources(ctx context.Context, userID id.UserID) ([]SourceSummary, []string) {
	adapters := r.registry.Adapters()
	summaries := make([]SourceSummary, len(adapters))
	var warningsMu sync.Mutex
	var warnings []string

	var wg sync.WaitGroup
	for i, adapter := range adapters {
		wg.Add(1)
		go func(i int, adapter Adapter) {
			defer wg.Done()
			portals, err := adapter.UserPortals(ctx, userID)
			if err != nil {
				sourceQueryFailures.WithLabelValues(adapter.Slug()).Inc()
				r.log.Error().Err(err).Str("source", adapter.Slug()).
					Msg("Bridge user portal fetch failed")
				warningsMu.Lock()
				warnings = append(warnings, fmt.Sprintf("source %s unavailable", adapter.Slug()))
				warningsMu.Unlock()
				return
			}
			summary := SourceSummary{
				Source: adapter.Slug(),
				Total:  len(portals),
				ByType: make(map[RoomType]int),
			}
			for _, info := range portals {
				summary.ByType[info.Type]++
			}
			summaries[i] = summary
		}(i, adapter)
	}
	wg.Wait()

	out := make([]SourceSummary, 0, len(summaries))
	for _, summary := range summaries {
		if summary.Source != "" {
			out = append(out, summary)
		}
	}
	return out, warnings
}

// ResolveSources is a convenience wrapper used by attribution-only callers
// (stats): it reduces the portal map to room -> source slug.
func (r *Resolver) ResolveSources(ctx context.Context, roomIDs []id.RoomID) map[id.RoomID]string {
	portalMap, _ := r.Resolve(ctx, roomIDs)
	out := make(map[id.RoomID]string, len(portalMap))
	for rid, info := range portalMap {
		out[rid] = info.Source
	}
	return out
}
