// Package memory is an in-process index with point-in-time semantics. It
// backs the extractor tests and `logexport extract --engine=memory` smoke
// runs: snapshots copy the filtered, sorted document set when opened, so
// later writes never show up in an open snapshot.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
)

var errInjected = errors.New("injected search failure")

// Document is one stored log entry.
type Document struct {
	ID        string
	Timestamp time.Time
	Level     string
	Fields    map[string]any
}

// Stats counts engine calls.
type Stats struct {
	Opened   int
	Closed   int
	Searches int
	Open     int
}

type snapshot struct {
	query extractor.Query
	docs  []Document
}

type Engine struct {
	mu          sync.Mutex
	indices     map[string][]Document
	snapshots   map[string]*snapshot
	seq         int
	failNext    int
	unreachable bool
	rotateIDs   bool
	stats       Stats
	requested   []extractor.Marker
}

func New() *Engine {
	return &Engine{
		indices:   make(map[string][]Document),
		snapshots: make(map[string]*snapshot),
	}
}

// CreateIndex makes an empty index visible to OpenSnapshot.
func (e *Engine) CreateIndex(index string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indices[index]; !ok {
		e.indices[index] = nil
	}
}

// Add stores documents, creating the index when needed. Timestamps are
// truncated to milliseconds, the resolution of the sort key.
func (e *Engine) Add(index string, docs ...Document) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range docs {
		d.Timestamp = d.Timestamp.UTC().Truncate(time.Millisecond)
		e.indices[index] = append(e.indices[index], d)
	}
}

// Delete removes a document from the live index. Open snapshots keep it.
func (e *Engine) Delete(index, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	docs := e.indices[index]
	for i, d := range docs {
		if d.ID == id {
			e.indices[index] = append(docs[:i:i], docs[i+1:]...)
			return
		}
	}
}

// FailNextSearches makes the next n searches fail with a transient error.
func (e *Engine) FailNextSearches(n int) {
	e.mu.Lock()
	e.failNext = n
	e.mu.Unlock()
}

// SetUnreachable makes OpenSnapshot fail as if the engine were down.
func (e *Engine) SetUnreachable(down bool) {
	e.mu.Lock()
	e.unreachable = down
	e.mu.Unlock()
}

// RotateSnapshotIDs makes every search hand back a fresh snapshot id, the
// way Elasticsearch may.
func (e *Engine) RotateSnapshotIDs(on bool) {
	e.mu.Lock()
	e.rotateIDs = on
	e.mu.Unlock()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Open = len(e.snapshots)
	return s
}

// Requested returns the markers of every search call, failed ones included.
func (e *Engine) Requested() []extractor.Marker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]extractor.Marker(nil), e.requested...)
}

func (e *Engine) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unreachable {
		return apperrors.New(apperrors.ErrConnection, "memory engine marked unreachable")
	}
	return nil
}

func (e *Engine) OpenSnapshot(ctx context.Context, q extractor.Query) (*extractor.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unreachable {
		return nil, apperrors.New(apperrors.ErrConnection, "memory engine marked unreachable")
	}
	docs, ok := e.indices[q.Index]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrIndexNotFound, "index %q does not exist", q.Index)
	}

	view := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Filters.MatchesLevel(d.Level) && q.Filters.Range.Contains(d.Timestamp) {
			view = append(view, d)
		}
	}
	sort.Slice(view, func(i, j int) bool { return less(view[i], view[j]) })

	id := e.nextID()
	e.snapshots[id] = &snapshot{query: q, docs: view}
	e.stats.Opened++
	return &extractor.Snapshot{ID: id, Query: q, OpenedAt: time.Now()}, nil
}

func (e *Engine) Search(ctx context.Context, snap *extractor.Snapshot, after extractor.Marker, size int) (extractor.Page, error) {
	if err := ctx.Err(); err != nil {
		return extractor.Page{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Searches++
	e.requested = append(e.requested, after)
	if e.failNext > 0 {
		e.failNext--
		return extractor.Page{}, apperrors.Transient(errInjected)
	}
	s, ok := e.snapshots[snap.ID]
	if !ok {
		return extractor.Page{}, fmt.Errorf("snapshot %q not found or expired", snap.ID)
	}

	start := 0
	if !after.IsZero() {
		ts, err := after.Int64(0)
		if err != nil {
			return extractor.Page{}, fmt.Errorf("decoding search_after time: %w", err)
		}
		id, err := after.Str(1)
		if err != nil {
			return extractor.Page{}, fmt.Errorf("decoding search_after tiebreaker: %w", err)
		}
		start = sort.Search(len(s.docs), func(i int) bool {
			d := s.docs[i]
			ms := d.Timestamp.UnixMilli()
			return ms > ts || (ms == ts && d.ID > id)
		})
	}
	end := start + size
	if end > len(s.docs) {
		end = len(s.docs)
	}

	page := extractor.Page{Records: make([]extractor.Record, 0, end-start)}
	for _, d := range s.docs[start:end] {
		rec, err := toRecord(d, s.query)
		if err != nil {
			return extractor.Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	if e.rotateIDs {
		id := e.nextID()
		e.snapshots[id] = s
		delete(e.snapshots, snap.ID)
		page.SnapshotID = id
	}
	return page, nil
}

func (e *Engine) CloseSnapshot(ctx context.Context, snap *extractor.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.snapshots[snap.ID]; !ok {
		return fmt.Errorf("snapshot %q not found", snap.ID)
	}
	delete(e.snapshots, snap.ID)
	e.stats.Closed++
	return nil
}

func (e *Engine) nextID() string {
	e.seq++
	return fmt.Sprintf("mem-pit-%d", e.seq)
}

func less(a, b Document) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func toRecord(d Document, q extractor.Query) (extractor.Record, error) {
	src := make(map[string]any, len(d.Fields)+2)
	for k, v := range d.Fields {
		src[k] = v
	}
	src[q.TimeField] = d.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
	src[q.LevelField] = d.Level
	raw, err := json.Marshal(src)
	if err != nil {
		return extractor.Record{}, fmt.Errorf("encoding document %s: %w", d.ID, err)
	}
	marker, err := extractor.NewMarker(d.Timestamp.UnixMilli(), d.ID)
	if err != nil {
		return extractor.Record{}, err
	}
	return extractor.Record{ID: d.ID, Sort: marker, Source: raw}, nil
}
