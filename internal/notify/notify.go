// Package notify announces export progress on Kafka: one event per finalized
// chunk and one when the run ends, all keyed by run id so a run's events
// stay ordered on one partition. Publish failures are logged only.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/sink"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/kafka"
)

const publishTimeout = 5 * time.Second

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

type Notifier struct {
	pub    Publisher
	runID  string
	env    string
	index  string
	logger *slog.Logger
}

func New(pub Publisher, runID, env, index string) *Notifier {
	return &Notifier{
		pub:    pub,
		runID:  runID,
		env:    env,
		index:  index,
		logger: slog.Default().With("component", "notify", "run_id", runID),
	}
}

func (n *Notifier) ChunkFinalized(ctx context.Context, c sink.ChunkInfo) {
	n.publish(ctx, ChunkEvent{
		Type:      EventChunkFinalized,
		RunID:     n.runID,
		Index:     n.index,
		Chunk:     c.Index,
		Path:      c.Path,
		Records:   c.Records,
		Timestamp: time.Now().UTC(),
	})
}

// RunSummary is what RunFinished reports.
type RunSummary struct {
	Status   string
	Records  int
	Pages    int
	Chunks   int
	Retries  int
	Duration time.Duration
	Err      error
}

func (n *Notifier) RunFinished(ctx context.Context, s RunSummary) {
	ev := RunEvent{
		Type:       EventRunFinished,
		RunID:      n.runID,
		Env:        n.env,
		Index:      n.index,
		Status:     s.Status,
		Records:    s.Records,
		Pages:      s.Pages,
		Chunks:     s.Chunks,
		Retries:    s.Retries,
		DurationMs: s.Duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if s.Err != nil {
		ev.Error = s.Err.Error()
	}
	n.publish(ctx, ev)
}

// publish runs detached from ctx's cancellation: the last chunk and the run
// outcome are usually announced while an interrupted run winds down.
func (n *Notifier) publish(ctx context.Context, value any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := n.pub.Publish(ctx, kafka.Event{Key: n.runID, Value: value}); err != nil {
		n.logger.Warn("publishing run event", "error", err)
	}
}
