package mirror

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type RecordQuery struct {
	Source           string
	WorkspaceID      string
	Kind             RecordKind
	Team             string
	Project          string
	State            string
	IncludeCompleted bool
	Limit            int
}

func (e *Engine) ListRecords(ctx context.Context, q RecordQuery) ([]LocalRecord, error) {
	records, err := e.store.ListRecords(ctx, RecordFilter{
		Source:           q.Source,
		WorkspaceID:      q.WorkspaceID,
		Kind:             q.Kind,
		IncludeCompleted: q.IncludeCompleted,
	})
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, record := range records {
		if q.Team != "" && !strings.EqualFold(record.Fields[FieldTeam], q.Team) {
			continue
		}
		if q.Project != "" && !strings.EqualFold(record.Fields[FieldProject], q.Project) {
			continue
		}
		if q.State != "" && !strings.EqualFold(record.State, q.State) {
			continue
		}
		out = append(out, record)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

type SnapshotQuery struct {
	From            time.Time
	To              time.Time
	DimensionPrefix string
	// Rollup sums the matching dimensions into one row per bucket.
	Rollup bool
}

func (e *Engine) ListSnapshots(ctx context.Context, q SnapshotQuery) ([]SnapshotBucket, error) {
	rows, err := e.store.ListSnapshots(ctx, SnapshotFilter{From: q.From, To: q.To, DimensionPrefix: q.DimensionPrefix})
	if err != nil {
		return nil, err
	}
	if !q.Rollup {
		return rows, nil
	}
	label := "rollup:" + q.DimensionPrefix
	byBucket := map[int64]*SnapshotBucket{}
	order := make([]int64, 0)
	for _, row := range rows {
		key := row.Bucket.Unix()
		agg, ok := byBucket[key]
		if !ok {
			agg = &SnapshotBucket{
				Dimension:    label,
				Bucket:       row.Bucket,
				ByPriority:   map[string]int{},
				ByStatus:     map[string]int{},
				TrackedHours: decimal.Zero,
			}
			byBucket[key] = agg
			order = append(order, key)
		}
		agg.Total += row.Total
		for k, v := range row.ByPriority {
			agg.ByPriority[k] += v
		}
		for k, v := range row.ByStatus {
			agg.ByStatus[k] += v
		}
		agg.TrackedHours = agg.TrackedHours.Add(row.TrackedHours)
		if row.CapturedAt.After(agg.CapturedAt) {
			agg.CapturedAt = row.CapturedAt
		}
	}
	out := make([]SnapshotBucket, 0, len(order))
	for _, key := range order {
		out = append(out, *byBucket[key])
	}
	return out, nil
}

type SourceStats struct {
	ActiveRecords    int      `json:"activeRecords"`
	CompletedRecords int      `json:"completedRecords"`
	LocalOnlyRecords int      `json:"localOnlyRecords"`
	Workspaces       int      `json:"workspaces"`
	ActiveWorkspaces int      `json:"activeWorkspaces"`
	LastRun          *SyncRun `json:"lastRun,omitempty"`
}

type Stats struct {
	Sources             map[string]SourceStats `json:"sources"`
	TotalActiveRecords  int                    `json:"totalActiveRecords"`
	WritebackQueueDepth int                    `json:"writebackQueueDepth"`
	GeneratedAt         time.Time              `json:"generatedAt"`
}

// Stats loads records, workspaces and the last run of every source
// concurrently and folds them into per-source counts.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	sources := e.Sources()
	var (
		records    []LocalRecord
		workspaces []WorkspaceConfig
		lastRuns   = make([][]SyncRun, len(sources))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = e.store.ListRecords(gctx, RecordFilter{IncludeCompleted: true})
		return err
	})
	g.Go(func() error {
		var err error
		workspaces, err = e.store.ListWorkspaces(gctx, "")
		return err
	})
	for i, source := range sources {
		i, source := i, source
		g.Go(func() error {
			runs, err := e.store.ListSyncRuns(gctx, source, 1)
			lastRuns[i] = runs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{Sources: make(map[string]SourceStats, len(sources)), GeneratedAt: e.clock()}
	for i, source := range sources {
		s := SourceStats{}
		if len(lastRuns[i]) > 0 {
			last := lastRuns[i][0]
			s.LastRun = &last
		}
		stats.Sources[source] = s
	}
	for _, record := range records {
		s := stats.Sources[record.Source]
		switch {
		case record.Completed():
			s.CompletedRecords++
		default:
			s.ActiveRecords++
			stats.TotalActiveRecords++
		}
		if record.LocalOnly {
			s.LocalOnlyRecords++
		}
		stats.Sources[record.Source] = s
	}
	for _, cfg := range workspaces {
		s := stats.Sources[cfg.Source]
		s.Workspaces++
		if cfg.Active {
			s.ActiveWorkspaces++
		}
		stats.Sources[cfg.Source] = s
	}
	stats.WritebackQueueDepth = e.WritebackQueueDepth()
	return stats, nil
}

func (e *Engine) ListSyncRuns(ctx context.Context, source string, limit int) ([]SyncRun, error) {
	return e.store.ListSyncRuns(ctx, normalizeSource(source), limit)
}

// ListWorkspaces returns configs with credentials redacted.
func (e *Engine) ListWorkspaces(ctx context.Context, source string) ([]WorkspaceConfig, error) {
	configs, err := e.store.ListWorkspaces(ctx, normalizeSource(source))
	if err != nil {
		return nil, err
	}
	for i := range configs {
		configs[i] = configs[i].Redacted()
	}
	return configs, nil
}

func (e *Engine) ResolveIdentity(ctx context.Context, key IdentityKey) (LocalRecord, bool, error) {
	return e.resolver.Resolve(ctx, key)
}

func (e *Engine) WritebackQueueDepth() int {
	return e.writebackQueue.Depth()
}

// PendingWritebacks lists queued write-back items when the queue backend can
// enumerate them.
func (e *Engine) PendingWritebacks() ([]WritebackQueueItem, bool) {
	snapshotter, ok := e.writebackQueue.(writebackQueueSnapshotter)
	if !ok {
		return nil, false
	}
	return snapshotter.SnapshotWritebacks(), true
}
