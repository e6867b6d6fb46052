package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/timelinelabs/timeline-anchor/internal/bus"
	"github.com/timelinelabs/timeline-anchor/internal/config"
	"github.com/timelinelabs/timeline-anchor/internal/newsstore"
	"github.com/timelinelabs/timeline-anchor/internal/protocol"
	"github.com/timelinelabs/timeline-anchor/internal/script"
	"github.com/timelinelabs/timeline-anchor/internal/speech"
)

// Run stages, in pipeline order.
const (
	StageFetching     = "fetching"
	StageComposing    = "composing"
	StageSynthesizing = "synthesizing"
	StageStreaming    = "streaming"
	StageDone         = "done"
	StageFailed       = "failed"
)

// ErrJoinTimeout indicates the pipeline worker did not exit within the
// configured join bound. This is fatal for the run; the worker must never be
// silently abandoned.
var ErrJoinTimeout = errors.New("pipeline: worker did not exit within join timeout")

// ErrNoArticles mirrors the composer's invalid-input sentinel for callers
// that only import this package.
var ErrNoArticles = script.ErrNoArticles

// Store is the article source and script sink the pipeline consumes.
type Store interface {
	RecentArticles(ctx context.Context, window time.Duration) ([]newsstore.Article, error)
	SaveScript(ctx context.Context, runID, anchor string) error
}

// Composer turns articles into a narration script.
type Composer interface {
	Compose(ctx context.Context, articles []newsstore.Article) (string, error)
}

// Producer exposes the speech synthesis call in streaming and complete form.
type Producer interface {
	Synthesize(ctx context.Context, req speech.Request) (<-chan speech.Chunk, <-chan error)
	SynthesizeAll(ctx context.Context, req speech.Request) ([]byte, error)
	Format() string
}

// NewRunID returns an opaque token correlating logs and response headers for
// one run.
func NewRunID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Runner executes the fetch, compose, synthesize pipeline. The collaborators
// are shared across runs and read-only after construction; each run gets its
// own worker and hand-off channel.
type Runner struct {
	store       Store
	composer    Composer
	producer    Producer
	bus         *bus.Client
	window      time.Duration
	chunkBuffer int
	joinTimeout time.Duration
	log         *slog.Logger

	stageMetric metric.Int64Counter
	chunkMetric metric.Int64Counter
}

func NewRunner(store Store, composer Composer, producer Producer, busClient *bus.Client, storeCfg config.StoreConfig, cfg config.PipelineConfig, log *slog.Logger) *Runner {
	meter := otel.Meter("timeline-anchor/pipeline")
	stageMetric, _ := meter.Int64Counter("anchor.run.stage.transitions",
		metric.WithDescription("Pipeline run stage transitions, partitioned by stage."))
	chunkMetric, _ := meter.Int64Counter("anchor.run.chunks.relayed",
		metric.WithDescription("Audio chunks relayed onto run hand-off channels."))
	return &Runner{
		store:       store,
		composer:    composer,
		producer:    producer,
		bus:         busClient,
		window:      time.Duration(storeCfg.WindowHours) * time.Hour,
		chunkBuffer: cfg.ChunkBuffer,
		joinTimeout: time.Duration(cfg.JoinTimeoutMS) * time.Millisecond,
		log:         log.With(slog.String("component", "pipeline")),
		stageMetric: stageMetric,
		chunkMetric: chunkMetric,
	}
}

// Stream is one run's hand-off channel pair plus the worker lifecycle. The
// chunk channel closing is the end-of-stream marker; at most one error is
// parked on the error channel. Neither channel is shared across runs.
type Stream struct {
	RunID string

	chunks      chan []byte
	errs        chan error
	done        chan struct{}
	cancel      context.CancelFunc
	joinTimeout time.Duration
}

// Chunks returns the hand-off channel. It is closed after the last chunk,
// whether the run succeeded or failed.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Errs carries at most one terminal error and is closed when the worker
// exits.
func (s *Stream) Errs() <-chan error { return s.errs }

// Close signals the worker to stop and waits for it with a bounded join.
// Safe to call after normal completion; returns ErrJoinTimeout if the worker
// is still running when the bound expires.
func (s *Stream) Close() error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-time.After(s.joinTimeout):
		return ErrJoinTimeout
	}
}

// Run starts the pipeline on its own worker goroutine and returns
// immediately. An empty voice lets the producer pick one. The caller must
// consume the stream and call Close on every exit path.
func (r *Runner) Run(ctx context.Context, runID, voice string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		RunID:       runID,
		chunks:      make(chan []byte, r.chunkBuffer),
		errs:        make(chan error, 1),
		done:        make(chan struct{}),
		cancel:      cancel,
		joinTimeout: r.joinTimeout,
	}

	go func() {
		defer close(s.done)
		defer close(s.errs)
		defer close(s.chunks)

		anchor, err := r.prepare(ctx, runID)
		if err != nil {
			s.errs <- err
			return
		}

		r.setStage(runID, StageSynthesizing)
		chunks, errs := r.producer.Synthesize(ctx, speech.Request{Text: anchor, Voice: voice})
		streaming := false
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				if !streaming {
					r.setStage(runID, StageStreaming)
					streaming = true
				}
				select {
				case s.chunks <- chunk.Data:
					r.chunkMetric.Add(ctx, 1)
				case <-ctx.Done():
					s.errs <- ctx.Err()
					return
				}
			case err, ok := <-errs:
				if ok && err != nil {
					r.fail(runID, err)
					s.errs <- err
					return
				}
				errs = nil
			case <-ctx.Done():
				s.errs <- ctx.Err()
				return
			}
		}
		r.setStage(runID, StageDone)
	}()

	return s
}

// RunComplete executes the pipeline synchronously and returns the full audio
// blob. Used by the non-streaming endpoint and the one-shot CLI flow.
func (r *Runner) RunComplete(ctx context.Context, runID, voice string) ([]byte, error) {
	anchor, err := r.prepare(ctx, runID)
	if err != nil {
		return nil, err
	}

	r.setStage(runID, StageSynthesizing)
	audio, err := r.producer.SynthesizeAll(ctx, speech.Request{Text: anchor, Voice: voice})
	if err != nil {
		r.fail(runID, err)
		return nil, err
	}
	r.setStage(runID, StageDone)
	return audio, nil
}

// prepare runs the sequential stages shared by both delivery modes: fetch
// the article window, compose the script, and record it.
func (r *Runner) prepare(ctx context.Context, runID string) (string, error) {
	log := r.log.With(slog.String("run_id", runID))

	r.setStage(runID, StageFetching)
	articles, err := r.store.RecentArticles(ctx, r.window)
	if err != nil {
		r.fail(runID, err)
		return "", fmt.Errorf("fetch articles: %w", err)
	}
	if len(articles) == 0 {
		r.fail(runID, ErrNoArticles)
		return "", ErrNoArticles
	}
	log.Info("fetched articles", slog.Int("count", len(articles)))

	r.setStage(runID, StageComposing)
	anchor, err := r.composer.Compose(ctx, articles)
	if err != nil {
		r.fail(runID, err)
		return "", fmt.Errorf("compose script: %w", err)
	}
	log.Info("composed script", slog.Int("chars", len(anchor)))

	if err := r.store.SaveScript(ctx, runID, anchor); err != nil {
		log.Warn("failed to save script", slog.String("error", err.Error()))
	}

	return anchor, nil
}

func (r *Runner) setStage(runID, stage string) {
	r.log.Debug("run stage", slog.String("run_id", runID), slog.String("stage", stage))
	r.stageMetric.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
	r.bus.PublishRunEvent(protocol.RunEvent{RunID: runID, Stage: stage})
}

func (r *Runner) fail(runID string, err error) {
	r.log.Warn("run failed", slog.String("run_id", runID), slog.String("error", err.Error()))
	r.stageMetric.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", StageFailed)))
	r.bus.PublishRunEvent(protocol.RunEvent{RunID: runID, Stage: StageFailed, Detail: err.Error()})
}
