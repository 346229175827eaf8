// Copyright 2024-2026 Aiku AI

package forward

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/waforward/pkg/metrics"
	"github.com/aiku/waforward/pkg/queue"
	"github.com/aiku/waforward/pkg/transport"
)

// HandleSource resolves the live transport handle of a session.
// *session.Registry implements it.
type HandleSource interface {
	Handle(slug string) (transport.Handle, error)
}

// AssetReader loads stored media.
type AssetReader interface {
	ReadAsset(path string) ([]byte, error)
}

// Worker delivers the jobs of one session's queue.
type Worker struct {
	slug    string
	name    string
	handles HandleSource
	queue   queue.Queue
	assets  AssetReader
	limiter *rate.Limiter
	typist  typist
	log     zerolog.Logger
}

func NewWorker(slug, name string, handles HandleSource, q queue.Queue, assets AssetReader, cfg Config, log zerolog.Logger) *Worker {
	cfg = cfg.Normalized()
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}
	return &Worker{
		slug:    slug,
		name:    name,
		handles: handles,
		queue:   q,
		assets:  assets,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		typist:  newTypist(cfg),
		log:     log.With().Str("component", "worker").Str("session", slug).Logger(),
	}
}

// Run processes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Str("queue", w.queue.Name()).Msg("Forward worker started")
	defer w.log.Info().Msg("Forward worker stopped")
	return w.queue.Process(ctx, w.Handle)
}

// Handle delivers one job. It is the queue.Handler of the worker.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	start := time.Now()
	id, err := w.deliver(ctx, job)
	metrics.RecordForward(w.slug, "send", string(job.Kind), err)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", w.name, err)
	}
	metrics.ObserveForwardDuration(w.slug, string(job.Kind), time.Since(start))
	w.log.Info().
		Str("target", job.Target).
		Str("kind", string(job.Kind)).
		Str("message_id", id).
		Dur("queued_for", queuedFor(job, start)).
		Msg("Forwarded message")
	return nil
}

func (w *Worker) deliver(ctx context.Context, job queue.Job) (string, error) {
	msg, err := w.buildMessage(job)
	if err != nil {
		return "", err
	}
	if err = w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	// The handle is looked up per job so a reconnect between jobs is picked up.
	handle, err := w.handles.Handle(w.slug)
	if err != nil {
		return "", err
	}
	return w.typist.send(ctx, handle, job.Target, msg, job.SimulatePresence)
}

func (w *Worker) buildMessage(job queue.Job) (transport.OutgoingMessage, error) {
	switch job.Kind {
	case queue.KindText:
		text := job.Text
		return transport.OutgoingMessage{Text: &text}, nil
	case queue.KindExtended:
		if job.Extended == nil {
			return transport.OutgoingMessage{}, fmt.Errorf("%w: extended job without payload", queue.ErrInvalidJob)
		}
		extended := *job.Extended
		return transport.OutgoingMessage{ExtendedText: &extended}, nil
	case queue.KindImage, queue.KindDocument:
		data, err := w.assets.ReadAsset(job.AssetPath)
		if err != nil {
			return transport.OutgoingMessage{}, fmt.Errorf("failed to load %s asset: %w", job.Kind, err)
		}
		media := &transport.OutgoingMedia{
			Data:     data,
			Caption:  job.Caption,
			FileName: job.FileName,
			Mimetype: job.Mimetype,
		}
		if job.Kind == queue.KindImage {
			return transport.OutgoingMessage{Image: media}, nil
		}
		return transport.OutgoingMessage{Document: media}, nil
	default:
		return transport.OutgoingMessage{}, fmt.Errorf("%w: unknown kind %q", queue.ErrInvalidJob, job.Kind)
	}
}

func queuedFor(job queue.Job, now time.Time) time.Duration {
	if job.EnqueuedAt == 0 {
		return 0
	}
	ms := now.UnixMilli() - job.EnqueuedAt
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
