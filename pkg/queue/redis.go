// Copyright 2024-2026 Aiku AI

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TaskForward is the asynq task type of forward jobs.
const TaskForward = "forward:job"

// RedisConfig configures a Redis backed queue.
type RedisConfig struct {
	// URI is a redis:// or rediss:// connection string.
	URI string
	// MaxRetry is how often a failed job is retried. Zero archives a failed
	// job immediately.
	MaxRetry int
	// Timeout bounds a single job run. Zero means no timeout.
	Timeout time.Duration
	// ShutdownTimeout is how long Process waits for a running job after ctx
	// is cancelled.
	ShutdownTimeout time.Duration
}

// Redis is a Queue stored in Redis through asynq. The queue survives process
// restarts, which is why Empty is called when a session starts.
type Redis struct {
	name      string
	cfg       RedisConfig
	conn      asynq.RedisConnOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	log       zerolog.Logger
}

func NewRedis(name string, cfg RedisConfig, log zerolog.Logger) (*Redis, error) {
	conn, err := asynq.ParseRedisURI(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis uri: %w", err)
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Redis{
		name:      name,
		cfg:       cfg,
		conn:      conn,
		client:    asynq.NewClient(conn),
		inspector: asynq.NewInspector(conn),
		log:       log.With().Str("component", "queue").Str("queue", name).Logger(),
	}, nil
}

func (q *Redis) Name() string {
	return q.name
}

func (q *Redis) taskOptions() []asynq.Option {
	opts := []asynq.Option{asynq.Queue(q.name), asynq.MaxRetry(q.cfg.MaxRetry)}
	if q.cfg.Timeout > 0 {
		opts = append(opts, asynq.Timeout(q.cfg.Timeout))
	}
	return opts
}

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := EncodeJob(job)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskForward, payload), q.taskOptions()...)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.log.Debug().Str("task_id", info.ID).Str("target", job.Target).Msg("Enqueued job")
	return nil
}

// Process runs an asynq server with a single worker on this queue until ctx
// is cancelled.
func (q *Redis) Process(ctx context.Context, h Handler) error {
	srv := asynq.NewServer(q.conn, asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{q.name: 1},
		Logger:          asynqLogger{log: q.log},
		ShutdownTimeout: q.cfg.ShutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			q.log.Err(err).Int("retried", retried).Int("max_retry", maxRetry).Msg("Job failed")
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskForward, func(ctx context.Context, task *asynq.Task) error {
		job, err := DecodeJob(task.Payload())
		if err != nil {
			return fmt.Errorf("failed to decode job: %w", errors.Join(err, asynq.SkipRetry))
		}
		return h(ctx, job)
	})
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start queue worker: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// Empty deletes pending, scheduled and retry tasks of the queue.
func (q *Redis) Empty(_ context.Context) error {
	total := 0
	for _, del := range []func(string) (int, error){
		q.inspector.DeleteAllPendingTasks,
		q.inspector.DeleteAllScheduledTasks,
		q.inspector.DeleteAllRetryTasks,
	} {
		n, err := del(q.name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to empty queue %s: %w", q.name, err)
		}
		total += n
	}
	q.log.Info().Int("dropped", total).Msg("Emptied queue")
	return nil
}

func (q *Redis) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

// asynqLogger routes asynq's logs through zerolog.
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
