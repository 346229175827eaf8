// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/waforward/pkg/config"
	"github.com/aiku/waforward/pkg/forward"
	"github.com/aiku/waforward/pkg/gateway"
	"github.com/aiku/waforward/pkg/metrics"
	"github.com/aiku/waforward/pkg/queue"
	"github.com/aiku/waforward/pkg/session"
	"github.com/aiku/waforward/pkg/store"
	"github.com/aiku/waforward/pkg/transport"
)

// pipeline is everything that runs for one configured session.
type pipeline struct {
	slug       string
	name       string
	queue      queue.Queue
	dispatcher *forward.Dispatcher
	worker     *forward.Worker
}

// Connector wires the store, the session manager and one forwarding
// pipeline per configured session, and serves the admin API.
type Connector struct {
	Config *config.Config
	Log    zerolog.Logger
	// Dialer overrides the gateway dialer built from the config.
	Dialer transport.Dialer

	store     *store.FileStore
	registry  *session.Registry
	manager   *session.Manager
	pipelines map[string]*pipeline
	order     []string

	runMu sync.Mutex
}

func New(cfg *config.Config, log zerolog.Logger) *Connector {
	return &Connector{Config: cfg, Log: log}
}

// Init builds every component. It does not connect anything.
func (c *Connector) Init() error {
	metrics.RegisterMetrics()
	cfg := c.Config

	storeOpts := []store.Option{store.WithLogger(c.Log)}
	if cfg.Credentials.Seal {
		sealer, err := store.LoadOrCreateSealer(cfg.Credentials.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load credential key: %w", err)
		}
		c.Log.Info().Str("recipient", sealer.Recipient()).Msg("Credentials are sealed at rest")
		storeOpts = append(storeOpts, store.WithSealer(sealer))
	}
	var err error
	c.store, err = store.New(cfg.DataDir, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if c.Dialer == nil {
		d := gateway.NewDialer(cfg.Gateway.URL, cfg.Gateway.Token)
		d.PingInterval = cfg.Gateway.PingInterval
		c.Dialer = d
	}
	c.registry = session.NewRegistry()
	c.manager = session.NewManager(c.Dialer, c.store, c.registry, cfg.ManagerConfig(), c.Log)

	c.pipelines = make(map[string]*pipeline, len(cfg.Sessions))
	for _, entry := range cfg.Sessions {
		p, err := c.newPipeline(entry)
		if err != nil {
			c.closeQueues()
			return err
		}
		c.pipelines[p.slug] = p
		c.order = append(c.order, p.slug)
	}
	return nil
}

func (c *Connector) newPipeline(entry config.SessionEntry) (*pipeline, error) {
	slug := session.Slugify(entry.Name)
	q, err := c.newQueue(queue.NameFor(slug))
	if err != nil {
		return nil, err
	}
	fwd := c.Config.ForwardFor(entry)
	log := c.Log.With().Str("session", slug).Logger()
	return &pipeline{
		slug:       slug,
		name:       entry.Name,
		queue:      q,
		dispatcher: forward.NewDispatcher(fwd, q, c.store, log),
		worker:     forward.NewWorker(slug, entry.Name, c.registry, q, c.store, fwd, log),
	}, nil
}

func (c *Connector) newQueue(name string) (queue.Queue, error) {
	qc := c.Config.Queue
	if qc.Backend != config.QueueRedis {
		return queue.NewMemory(name, c.Log), nil
	}
	q, err := queue.NewRedis(name, queue.RedisConfig{
		URI:      qc.RedisURI,
		MaxRetry: qc.MaxRetry,
		Timeout:  qc.JobTimeout,
	}, c.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue %s: %w", name, err)
	}
	return q, nil
}

func (c *Connector) closeQueues() {
	for _, p := range c.pipelines {
		if err := p.queue.Close(); err != nil {
			c.Log.Warn().Err(err).Str("queue", p.queue.Name()).Msg("Failed to close queue")
		}
	}
}

// Registry returns the session registry.
func (c *Connector) Registry() *session.Registry {
	return c.registry
}

// ErrAllSessionsStopped is returned by Run when every session ended on its
// own. It wraps the reason of each session.
var ErrAllSessionsStopped = errors.New("all sessions stopped")

// Run starts every session with its worker and the admin API, and blocks
// until ctx is cancelled, a session fails to start or every session has
// stopped.
//
// A session that is logged out or gives up reconnecting stops together with
// its worker while the other sessions keep running. Once the last one stops,
// Run returns ErrAllSessionsStopped joined with session.ErrLoggedOut or
// *session.UnrecoverableError for each of them. Cancelling ctx returns nil.
func (c *Connector) Run(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	defer c.closeQueues()

	// Jobs left over from a previous run are dropped.
	for _, slug := range c.order {
		p := c.pipelines[slug]
		if err := p.queue.Empty(ctx); err != nil {
			return fmt.Errorf("failed to empty queue %s: %w", p.queue.Name(), err)
		}
	}

	runCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()
	var (
		live     atomic.Int32
		stopMu   sync.Mutex
		stopErrs []error
	)
	live.Store(int32(len(c.order)))

	g, gctx := errgroup.WithContext(runCtx)
	for _, slug := range c.order {
		p := c.pipelines[slug]
		sessCtx, cancel := context.WithCancel(gctx)
		g.Go(func() error {
			defer cancel()
			return p.worker.Run(sessCtx)
		})
		g.Go(func() error {
			defer cancel()
			stopped, err := c.runSession(sessCtx, p)
			if err != nil {
				return err
			}
			if stopped != nil {
				stopMu.Lock()
				stopErrs = append(stopErrs, stopped)
				stopMu.Unlock()
			}
			if live.Add(-1) == 0 {
				stopAll()
			}
			return nil
		})
	}
	if server := c.adminServer(); server != nil {
		g.Go(func() error {
			c.Log.Info().Str("addr", server.Addr).Msg("Starting admin API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		c.WatchSessions(gctx, 0)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil || len(stopErrs) == 0 {
		return nil
	}
	c.Log.Error().Msg("Every session has stopped, shutting down")
	return fmt.Errorf("%w: %w", ErrAllSessionsStopped, errors.Join(stopErrs...))
}

// runSession supervises one session. stopped reports why the session ended
// on its own; err is a failure that should end the whole run.
func (c *Connector) runSession(ctx context.Context, p *pipeline) (stopped, err error) {
	err = c.manager.Run(ctx, p.name, p.dispatcher)
	p.dispatcher.WaitReplies()
	var unrecoverable *session.UnrecoverableError
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, session.ErrLoggedOut):
		// Credentials of a logged out session are rejected by the platform.
		if delErr := c.store.DeleteCredentials(p.slug); delErr != nil {
			c.Log.Err(delErr).Str("session", p.slug).Msg("Failed to delete credentials")
		}
		c.Log.Warn().Str("session", p.slug).Msg("Session logged out, restart to pair it again")
		return fmt.Errorf("session %s: %w", p.slug, err), nil
	case errors.As(err, &unrecoverable):
		c.Log.Error().Err(err).Str("session", p.slug).Msg("Session stopped reconnecting")
		return err, nil
	default:
		return nil, err
	}
}

func (c *Connector) adminServer() *http.Server {
	addr := c.Config.AdminAPIAddr
	if addr == "" {
		addr = os.Getenv("WAFORWARD_API_ADDR")
	}
	if addr == "" {
		return nil
	}
	return &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// WatchSessions periodically logs sessions that are not connected. Pass 0
// to use the default interval of 60 seconds.
func (c *Connector) WatchSessions(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkSessions()
		}
	}
}

func (c *Connector) checkSessions() {
	for _, info := range c.registry.List() {
		if info.State == session.StateOpen {
			continue
		}
		c.Log.Warn().
			Str("session", info.Slug).
			Str("state", string(info.State)).
			Dur("since", time.Since(info.Since).Round(time.Second)).
			Msg("Session not connected")
	}
}
