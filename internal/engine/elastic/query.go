package elastic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
)

const rangeTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type pitRef struct {
	ID        string `json:"id"`
	KeepAlive string `json:"keep_alive"`
}

type searchBody struct {
	Size           int              `json:"size"`
	PIT            pitRef           `json:"pit"`
	Sort           []map[string]any `json:"sort"`
	Query          map[string]any   `json:"query"`
	SearchAfter    json.Marshaler   `json:"search_after,omitempty"`
	TrackTotalHits bool             `json:"track_total_hits"`
}

// buildSearch renders one page request against an open PIT. The sort is
// (time asc, tiebreaker asc), which makes the order total as long as the
// tiebreaker is unique.
func buildSearch(snap *extractor.Snapshot, after extractor.Marker, size int) ([]byte, error) {
	q := snap.Query
	body := searchBody{
		Size: size,
		PIT:  pitRef{ID: snap.ID, KeepAlive: keepAlive(q.KeepAlive)},
		Sort: []map[string]any{
			{q.TimeField: map[string]any{"order": "asc"}},
			{q.Tiebreaker: map[string]any{"order": "asc"}},
		},
		Query: buildQuery(q),
	}
	if !after.IsZero() {
		body.SearchAfter = after
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding search body: %w", err)
	}
	return data, nil
}

func buildQuery(q extractor.Query) map[string]any {
	var filters []any
	switch len(q.Filters.Levels) {
	case 0:
	case 1:
		filters = append(filters, matchLevel(q.LevelField, q.Filters.Levels[0]))
	default:
		should := make([]any, 0, len(q.Filters.Levels))
		for _, l := range q.Filters.Levels {
			should = append(should, matchLevel(q.LevelField, l))
		}
		filters = append(filters, map[string]any{
			"bool": map[string]any{"should": should, "minimum_should_match": 1},
		})
	}
	if r := q.Filters.Range; !r.IsZero() {
		bounds := map[string]any{"format": "strict_date_optional_time"}
		if !r.From.IsZero() {
			bounds["gte"] = r.From.UTC().Format(rangeTimeFormat)
		}
		if !r.To.IsZero() {
			bounds["lte"] = r.To.UTC().Format(rangeTimeFormat)
		}
		filters = append(filters, map[string]any{"range": map[string]any{q.TimeField: bounds}})
	}
	if len(filters) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	return map[string]any{"bool": map[string]any{"filter": filters}}
}

// matchLevel compares case-insensitively: levels arrive upper-cased while
// indices commonly store them in lower case on a keyword field.
func matchLevel(field, level string) map[string]any {
	return map[string]any{"term": map[string]any{
		field: map[string]any{"value": level, "case_insensitive": true},
	}}
}

// keepAlive renders d in Elasticsearch time units.
func keepAlive(d time.Duration) string {
	switch {
	case d <= 0:
		return "1m"
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}
