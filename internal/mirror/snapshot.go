package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type SnapshotResult struct {
	Bucket     time.Time `json:"bucket"`
	Inserted   int       `json:"inserted"`
	Patched    int       `json:"patched"`
	Dimensions []string  `json:"dimensions"`
}

// CaptureSnapshot folds the current non-terminal records into one row per
// dimension for the current bucket. Running it again inside the same bucket
// patches the rows in place.
func (e *Engine) CaptureSnapshot(ctx context.Context) (SnapshotResult, error) {
	now := e.clock().UTC()
	bucket := FloorToBucket(now, e.granularity)
	result := SnapshotResult{Bucket: bucket, Dimensions: []string{}}

	records, err := e.store.ListRecords(ctx, RecordFilter{})
	if err != nil {
		return result, fmt.Errorf("list records: %w", err)
	}
	rows := map[string]*SnapshotBucket{}
	for _, record := range records {
		var profile SourceProfile
		if adapter, ok := e.adapters.lookup(record.Source); ok {
			profile = adapter.Profile()
		}
		priority := strings.ToLower(strings.TrimSpace(record.Fields[FieldPriority]))
		if priority == "" {
			priority = "none"
		}
		status := profile.StatusBucket(record.State)
		hours, hoursErr := decimal.NewFromString(strings.TrimSpace(record.Fields[FieldHours]))

		for _, dimension := range dimensionKeys(record) {
			row, ok := rows[dimension]
			if !ok {
				row = &SnapshotBucket{
					Dimension:    dimension,
					ByPriority:   map[string]int{},
					ByStatus:     map[string]int{},
					TrackedHours: decimal.Zero,
				}
				rows[dimension] = row
			}
			row.Total++
			row.ByPriority[priority]++
			row.ByStatus[status]++
			if hoursErr == nil {
				row.TrackedHours = row.TrackedHours.Add(hours)
			}
		}
	}

	// dimensions that emptied out since the previous capture in this bucket
	existing, err := e.store.ListSnapshots(ctx, SnapshotFilter{From: bucket, To: bucket})
	if err != nil {
		return result, fmt.Errorf("list snapshots: %w", err)
	}
	for _, row := range existing {
		if _, ok := rows[row.Dimension]; !ok {
			rows[row.Dimension] = &SnapshotBucket{
				Dimension:    row.Dimension,
				ByPriority:   map[string]int{},
				ByStatus:     map[string]int{},
				TrackedHours: decimal.Zero,
			}
		}
	}

	for _, dimension := range sortedKeys(rows) {
		row := rows[dimension]
		row.Bucket = bucket
		row.CapturedAt = now
		inserted, err := e.store.UpsertSnapshot(ctx, *row)
		if err != nil {
			return result, fmt.Errorf("upsert snapshot %s: %w", dimension, err)
		}
		e.recorder.SnapshotRowWritten(inserted)
		if inserted {
			result.Inserted++
		} else {
			result.Patched++
		}
		result.Dimensions = append(result.Dimensions, dimension)
	}
	e.notify(NotifySnapshotCaptured, "", result)
	e.log.Info().
		Time("bucket", bucket).
		Int("inserted", result.Inserted).
		Int("patched", result.Patched).
		Msg("snapshot captured")
	return result, nil
}

// FloorToBucket truncates t (in UTC) to the granularity boundary.
func FloorToBucket(t time.Time, granularity time.Duration) time.Time {
	if granularity <= 0 {
		granularity = time.Hour
	}
	return t.UTC().Truncate(granularity)
}

func dimensionKeys(record LocalRecord) []string {
	keys := make([]string, 0, 3)
	if record.WorkspaceID != "" {
		keys = append(keys, "workspace:"+record.WorkspaceID)
	}
	if team := strings.TrimSpace(record.Fields[FieldTeam]); team != "" {
		keys = append(keys, "team:"+team)
	}
	if project := strings.TrimSpace(record.Fields[FieldProject]); project != "" {
		keys = append(keys, "project:"+project)
	}
	return keys
}
