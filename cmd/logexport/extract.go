package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
	"github.com/Adithya-Monish-Kumar-K/logexport/internal/lease"
	"github.com/Adithya-Monish-Kumar-K/logexport/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/logexport/internal/sink"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/tracing"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type extractFlags struct {
	index       string
	levels      []string
	start       string
	end         string
	batch       int
	chunkSize   int
	outputDir   string
	baseName    string
	fields      []string
	compression string
	engine      string
	seed        int
}

func newExtractCmd(g *globalFlags) *cobra.Command {
	f := &extractFlags{}
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Export every matching document into chunked CSV files",
		Example: `  logexport extract --env production --level ERROR --level WARN --start 2024-01-01 --end 2024-01-31
  logexport extract --engine memory --seed 5000 --chunk-size 1000 --output-dir /tmp/out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, g, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.index, "index", "", "index to export (overrides config)")
	fl.StringSliceVar(&f.levels, "level", nil, "log level to include; repeat or comma-separate for several")
	fl.StringVar(&f.start, "start", "", "inclusive start, YYYY-MM-DD or RFC 3339")
	fl.StringVar(&f.end, "end", "", "inclusive end, YYYY-MM-DD (whole day) or RFC 3339")
	fl.IntVar(&f.batch, "batch", 0, "documents per page (overrides batchSize)")
	fl.IntVar(&f.chunkSize, "chunk-size", 0, "records per output file (overrides maxLogsPerChunk)")
	fl.StringVar(&f.outputDir, "output-dir", "", "directory for chunk files (overrides outputDir)")
	fl.StringVar(&f.baseName, "base-name", "", "chunk file name prefix (overrides outputBase)")
	fl.StringSliceVar(&f.fields, "fields", nil, "CSV columns, dotted paths into the document (overrides fields)")
	fl.StringVar(&f.compression, "compression", "", "none, gzip, zstd or lz4 (overrides compression)")
	fl.StringVar(&f.engine, "engine", engineElastic, "search engine: elastic or memory")
	fl.IntVar(&f.seed, "seed", 0, "with --engine memory, number of synthetic documents to generate")
	return cmd
}

func (f *extractFlags) apply(cmd *cobra.Command, env *config.EnvironmentConfig) {
	fl := cmd.Flags()
	if fl.Changed("index") {
		env.Index = f.index
	}
	if fl.Changed("batch") {
		env.BatchSize = f.batch
	}
	if fl.Changed("chunk-size") {
		env.MaxLogsPerChunk = f.chunkSize
	}
	if fl.Changed("output-dir") {
		env.OutputDir = f.outputDir
	}
	if fl.Changed("base-name") {
		env.OutputBase = f.baseName
	}
	if fl.Changed("fields") {
		env.Fields = f.fields
	}
	if fl.Changed("compression") {
		env.Compression = f.compression
	}
}

func runExtract(cmd *cobra.Command, g *globalFlags, f *extractFlags) error {
	cfg, env, err := loadConfig(g)
	if err != nil {
		return err
	}
	f.apply(cmd, &env)
	if err := env.Validate(); err != nil {
		return err
	}
	filters, err := extractor.ParseFilters(f.levels, f.start, f.end)
	if err != nil {
		return err
	}
	if err := filters.Validate(env.Levels); err != nil {
		return err
	}
	engine, err := newEngine(f.engine, env, f.seed)
	if err != nil {
		return err
	}

	label := g.env
	if label == "" {
		label = config.DefaultEnvironment
	}
	runID := uuid.NewString()
	ctx := logger.WithRunID(cmd.Context(), runID)
	ctx, span := tracing.StartSpan(ctx, "export", runID)
	log := logger.FromContext(ctx).With("component", "cli")
	log.Info("starting export",
		"env", label,
		"engine", describeEngine(f.engine, env),
		"index", env.Index,
		"levels", filters.Levels,
		"start", f.start,
		"end", f.end,
		"batch_size", env.BatchSize,
		"chunk_size", env.MaxLogsPerChunk,
	)

	svc := connectServices(cfg)
	defer svc.Close()

	m := metrics.New()
	var notifier *notify.Notifier
	if svc.kafka != nil {
		notifier = notify.New(svc.kafka, runID, label, env.Index)
	}

	var held *lease.Lease
	if svc.redis != nil {
		held, err = lease.New(svc.redis, cfg.Redis.LeaseTTL).Acquire(ctx, env.Index, env.OutputBase, runID)
		if err != nil {
			return err
		}
		defer func() {
			if err := held.Release(ctx); err != nil {
				log.Warn("lease release failed, it expires on its own", "error", err)
			}
		}()
	}

	out, err := sink.New(sink.Options{
		Dir:         env.OutputDir,
		Base:        env.OutputBase,
		MaxRecords:  env.MaxLogsPerChunk,
		Fields:      env.Fields,
		Compression: env.Compression,
		OnFinalize: func(c sink.ChunkInfo) {
			m.ChunkWritten()
			log.Info("chunk written", "chunk", c.Index, "path", c.Path, "records", c.Records)
			if notifier != nil {
				notifier.ChunkFinalized(ctx, c)
			}
		},
	})
	if err != nil {
		return err
	}

	var recorder *audit.Recorder
	if svc.postgres != nil {
		if err := svc.postgres.Migrate(ctx, audit.Schema); err != nil {
			log.Warn("preparing audit table", "error", err)
		}
		recorder = audit.New(svc.postgres.DB)
		recorder.Begin(ctx, audit.Run{
			ID:        runID,
			Env:       label,
			Index:     env.Index,
			Filters:   filters,
			StartedAt: time.Now(),
		})
	}

	ex := extractor.New(engine, extractor.Options{
		Index:          env.Index,
		TimeField:      env.TimeField,
		LevelField:     env.LevelField,
		Tiebreaker:     env.Tiebreaker,
		KnownLevels:    env.Levels,
		PageSize:       env.BatchSize,
		KeepAlive:      env.KeepAlive,
		RequestTimeout: env.RequestTimeout,
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialDelay:   cfg.Retry.InitialDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			Multiplier:     cfg.Retry.Multiplier,
			JitterFraction: 0.2,
		},
		Observer: &runObserver{metrics: m, logger: log},
	})

	res, runErr := runConcurrently(ctx, cfg, m, engine, svc, held, func(ctx context.Context) (extractor.Result, error) {
		return ex.Run(ctx, filters, out)
	})

	status := runStatus(runErr)
	chunks := out.Chunks()
	m.RunFinished(status, res.Records, res.Duration)
	if recorder != nil {
		recorder.Finish(ctx, runID, status, res.Records, len(chunks), runErr)
	}
	if notifier != nil {
		notifier.RunFinished(ctx, notify.RunSummary{
			Status:   status,
			Records:  res.Records,
			Pages:    res.Pages,
			Chunks:   len(chunks),
			Retries:  res.Retries,
			Duration: res.Duration,
			Err:      runErr,
		})
	}

	span.SetAttr("status", status)
	span.SetAttr("records", res.Records)
	span.SetAttr("chunks", len(chunks))
	span.End()
	span.Log(log)

	for _, c := range chunks {
		printf(cmd, "%s\t%d\n", c.Path, c.Records)
	}
	printf(cmd, "%s: %d records in %d chunks, %d pages, %d retries, %s\n",
		status, res.Records, len(chunks), res.Pages, res.Retries, res.Duration.Round(time.Millisecond))
	return runErr
}

// runConcurrently runs the extraction next to the metrics server and the
// lease refresher. Both helpers stop once the extraction returns; a lost
// lease cancels the extraction.
func runConcurrently(
	ctx context.Context,
	cfg *config.Config,
	m *metrics.Metrics,
	engine pingEngine,
	svc *services,
	held *lease.Lease,
	run func(context.Context) (extractor.Result, error),
) (extractor.Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	var res extractor.Result
	g.Go(func() error {
		defer stopAux()
		var err error
		res, err = run(gctx)
		return err
	})
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, m, newChecker(cfg, engine, svc).ReadyHandler())
		g.Go(func() error {
			if err := srv.Serve(auxCtx); err != nil {
				slog.Warn("metrics server stopped", "error", err)
			}
			return nil
		})
	}
	if held != nil {
		g.Go(func() error { return held.Keep(auxCtx) })
	}
	err := g.Wait()
	return res, err
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return metrics.StatusSucceeded
	case errors.Is(err, context.Canceled):
		return metrics.StatusCancelled
	default:
		return metrics.StatusFailed
	}
}

// runObserver feeds extractor progress into the run's metrics.
type runObserver struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (o *runObserver) PageExported(records int, elapsed time.Duration) {
	o.metrics.PageExported(records, elapsed)
}

func (o *runObserver) PageRetried(int, error) {
	o.metrics.PageRetried()
}

func (o *runObserver) RunFinished(res extractor.Result, err error) {
	if err != nil {
		o.logger.Error("export failed", "records", res.Records, "pages", res.Pages, "error", err)
	}
}
