// Package extractor implements the cursor-paginated export loop: it opens a
// point-in-time snapshot of an index, pages through it with a value-based
// resume marker, hands every record to a chunked sink and releases the
// snapshot on every exit path.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/tracing"
)

// Query is everything the engine needs to open a snapshot and build page
// requests against it.
type Query struct {
	Index      string
	Filters    Filters
	TimeField  string
	LevelField string
	// Tiebreaker is the secondary sort key that makes the order total when
	// several records share a timestamp.
	Tiebreaker string
	KeepAlive  time.Duration
}

// Snapshot is the handle of one point-in-time read view. ID may be replaced
// by the engine after any page; callers always send the latest one.
type Snapshot struct {
	ID       string
	Query    Query
	OpenedAt time.Time
	released bool
}

// Page is one engine response. SnapshotID is set when the engine rotated the
// snapshot id.
type Page struct {
	Records    []Record
	SnapshotID string
}

// Engine is the search index the extractor reads from. Search must return
// records sorted by (time, tiebreaker) strictly after the marker, and an
// empty page once the snapshot is exhausted. Retryable failures are reported
// with apperrors.Transient.
type Engine interface {
	OpenSnapshot(ctx context.Context, q Query) (*Snapshot, error)
	Search(ctx context.Context, snap *Snapshot, after Marker, size int) (Page, error)
	CloseSnapshot(ctx context.Context, snap *Snapshot) error
}

// Sink receives records in fetch order. Flush is called after each page and
// Close exactly once when the run ends, whatever the outcome.
type Sink interface {
	Append(rec Record) error
	Flush() error
	Close() error
}

// Observer receives progress notifications. All methods are called from the
// extraction goroutine. PageExported fires once per non-empty page after all
// of its records reached the sink; elapsed is the fetch latency including
// retries.
type Observer interface {
	PageExported(records int, elapsed time.Duration)
	PageRetried(attempt int, err error)
	RunFinished(res Result, err error)
}

// Options tune one Extractor.
type Options struct {
	Index          string
	TimeField      string
	LevelField     string
	Tiebreaker     string
	KnownLevels    []string
	PageSize       int
	KeepAlive      time.Duration
	RequestTimeout time.Duration
	CloseTimeout   time.Duration
	Retry          resilience.RetryConfig
	Observer       Observer
}

// Result summarises a run. It is filled in even when the run fails, and then
// counts what was written before the failure.
type Result struct {
	Records  int
	Pages    int
	Retries  int
	Last     Marker
	Duration time.Duration
}

type Extractor struct {
	engine Engine
	opts   Options
	logger *slog.Logger
}

func New(engine Engine, opts Options) *Extractor {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = time.Minute
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 10 * time.Second
	}
	if opts.TimeField == "" {
		opts.TimeField = "timestamp"
	}
	if opts.LevelField == "" {
		opts.LevelField = "level"
	}
	if opts.Tiebreaker == "" {
		opts.Tiebreaker = "_shard_doc"
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Extractor{
		engine: engine,
		opts:   opts,
		logger: slog.Default().With("component", "extractor"),
	}
}

// OpenRun validates filters and opens a snapshot. Invalid filters fail
// before the engine is contacted.
func (e *Extractor) OpenRun(ctx context.Context, filters Filters) (*Snapshot, error) {
	if err := filters.Validate(e.opts.KnownLevels); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartChildSpan(ctx, "open_run")
	defer span.End()
	span.SetAttr("index", e.opts.Index)

	snap, err := e.engine.OpenSnapshot(ctx, Query{
		Index:      e.opts.Index,
		Filters:    filters,
		TimeField:  e.opts.TimeField,
		LevelField: e.opts.LevelField,
		Tiebreaker: e.opts.Tiebreaker,
		KeepAlive:  e.opts.KeepAlive,
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx).Info("snapshot opened",
		"index", e.opts.Index,
		"levels", filters.Levels,
		"keep_alive", e.opts.KeepAlive,
	)
	return snap, nil
}

// FetchPage returns up to size records strictly after the marker together
// with the marker of the last one. Transient failures are retried with the
// same marker; an exhausted budget or a non-retryable error becomes
// ErrFatalExtraction. An empty result means the snapshot is exhausted and
// the marker is returned unchanged.
func (e *Extractor) FetchPage(ctx context.Context, snap *Snapshot, after Marker, size int) ([]Record, Marker, error) {
	return e.fetchPage(ctx, snap, after, size, nil)
}

func (e *Extractor) fetchPage(ctx context.Context, snap *Snapshot, after Marker, size int, retries *int) ([]Record, Marker, error) {
	var page Page
	retryCfg := e.opts.Retry
	retryCfg.Retryable = apperrors.IsTransient
	retryCfg.OnRetry = func(attempt int, err error) {
		if retries != nil {
			*retries++
		}
		e.opts.Observer.PageRetried(attempt, err)
	}

	err := resilience.Retry(ctx, "fetch_page", retryCfg, func() error {
		reqCtx, cancel := e.requestContext(ctx)
		defer cancel()
		p, err := e.engine.Search(reqCtx, snap, after, size)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return apperrors.Transient(err)
			}
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, after, fmt.Errorf("fetching page after %s: %w", after, ctx.Err())
		}
		return nil, after, fmt.Errorf("%w: page after %s: %w", apperrors.ErrFatalExtraction, after, err)
	}
	if page.SnapshotID != "" {
		snap.ID = page.SnapshotID
	}
	if len(page.Records) == 0 {
		return nil, after, nil
	}
	return page.Records, page.Records[len(page.Records)-1].Sort, nil
}

// CloseRun releases the snapshot. It runs on a context detached from ctx's
// cancellation so an interrupted run still releases engine resources, and
// is a no-op for an already released snapshot.
func (e *Extractor) CloseRun(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.released {
		return nil
	}
	snap.released = true
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.CloseTimeout)
	defer cancel()
	if err := e.engine.CloseSnapshot(closeCtx, snap); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	e.log(ctx).Info("snapshot closed", "open_for", time.Since(snap.OpenedAt).Round(time.Millisecond))
	return nil
}

// Run exports every record matching filters into sink. The sink is closed
// and the snapshot released before Run returns, on every path.
func (e *Extractor) Run(ctx context.Context, filters Filters, sink Sink) (res Result, err error) {
	started := time.Now()
	log := e.log(ctx)
	defer func() {
		res.Duration = time.Since(started)
		e.opts.Observer.RunFinished(res, err)
	}()

	snap, err := e.OpenRun(ctx, filters)
	if err != nil {
		if cerr := sink.Close(); cerr != nil {
			log.Warn("closing sink after failed open", "error", cerr)
		}
		return res, err
	}
	defer func() {
		if cerr := e.CloseRun(ctx, snap); cerr != nil {
			log.Warn("snapshot release failed, engine will reclaim it after keep-alive", "error", cerr)
		}
	}()
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			if err == nil {
				err = fmt.Errorf("finalizing output: %w", cerr)
			} else {
				log.Error("finalizing output after failure", "error", cerr)
			}
		}
	}()

	_, span := tracing.StartChildSpan(ctx, "paginate")
	defer span.End()

	var marker Marker
	for {
		if ctx.Err() != nil {
			return res, fmt.Errorf("extraction interrupted after %d records: %w", res.Records, ctx.Err())
		}
		fetchStarted := time.Now()
		records, next, err := e.fetchPage(ctx, snap, marker, e.opts.PageSize, &res.Retries)
		fetchElapsed := time.Since(fetchStarted)
		if err != nil {
			return res, err
		}
		if len(records) == 0 {
			break
		}
		if !marker.IsZero() && next.Equal(marker) {
			return res, apperrors.Newf(apperrors.ErrFatalExtraction,
				"resume marker did not advance past %s", marker)
		}
		for _, rec := range records {
			if err := sink.Append(rec); err != nil {
				return res, fmt.Errorf("%w: writing record %s: %w", apperrors.ErrFatalExtraction, rec.ID, err)
			}
			res.Records++
		}
		if err := sink.Flush(); err != nil {
			return res, fmt.Errorf("%w: flushing output: %w", apperrors.ErrFatalExtraction, err)
		}
		marker = next
		res.Last = marker
		res.Pages++
		e.opts.Observer.PageExported(len(records), fetchElapsed)
		log.Debug("page exported", "page", res.Pages, "records", len(records), "marker", marker)
	}
	span.SetAttr("pages", res.Pages)
	span.SetAttr("records", res.Records)
	log.Info("extraction complete", "records", res.Records, "pages", res.Pages)
	return res, nil
}

func (e *Extractor) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opts.RequestTimeout)
}

func (e *Extractor) log(ctx context.Context) *slog.Logger {
	if id := logger.RunID(ctx); id != "" {
		return e.logger.With("run_id", id)
	}
	return e.logger
}

type nopObserver struct{}

func (nopObserver) PageExported(int, time.Duration) {}
func (nopObserver) PageRetried(int, error)          {}
func (nopObserver) RunFinished(Result, error)       {}
