// Copyright 2024-2026 Aiku AI

package forward

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/waforward/pkg/queue"
	"github.com/aiku/waforward/pkg/session"
	"github.com/aiku/waforward/pkg/store"
	"github.com/aiku/waforward/pkg/transport"
	"github.com/aiku/waforward/pkg/transport/transporttest"
)

const (
	testSender = "919560692374@s.whatsapp.net"
	testTarget = "120363000000000001@g.us"
)

// recordingQueue is a queue.Queue that only remembers enqueued jobs.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *recordingQueue) Name() string { return "alpha-queue" }

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Process(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) Empty(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
	return nil
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) Jobs() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...)
}

// env runs a real session over a scripted transport with a dispatcher
// listening to it.
type env struct {
	t          *testing.T
	store      *store.FileStore
	registry   *session.Registry
	queue      *recordingQueue
	dispatcher *Dispatcher
	handle     *transporttest.Handle
}

func testConfig() Config {
	return Config{
		Sender:           testSender,
		Marker:           "PING",
		TargetChatName:   "Targets",
		SimulatePresence: true,
	}
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		t:        t,
		store:    st,
		registry: session.NewRegistry(),
		queue:    &recordingQueue{},
	}
	e.dispatcher = NewDispatcher(cfg, e.queue, st, zerolog.Nop())

	dialer := transporttest.NewDialer()
	manager := session.NewManager(dialer, st, e.registry, session.Config{SnapshotInterval: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- manager.Run(ctx, "alpha", e.dispatcher)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case e.handle = <-dialer.Opened():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the session to dial")
	}
	e.handle.Open()
	waitFor(t, "session open", func() bool {
		state, _ := e.registry.State("alpha")
		return state == session.StateOpen
	})
	return e
}

// deliver emits a live message from remoteJID and waits until the session
// has processed it.
func (e *env) deliver(remoteJID string, payload transport.Payload) transport.Message {
	e.t.Helper()
	msg := transport.Message{
		Key:     transport.MessageKey{RemoteJID: remoteJID, ID: nextID()},
		Payload: payload,
	}
	e.emit(transport.UpsertNotify, msg)
	return msg
}

func (e *env) emit(typ transport.UpsertType, msgs ...transport.Message) {
	e.t.Helper()
	e.handle.Emit(&transport.MessagesUpsert{Type: typ, Messages: msgs})
	e.sync()
}

// sync waits until every event emitted so far has been handled, using a
// chat upsert as a barrier.
func (e *env) sync() {
	e.t.Helper()
	barrier := nextID() + "@s.whatsapp.net"
	e.handle.Emit(&transport.ChatsUpsert{Chats: []transport.Chat{{ID: barrier}}})
	sess, _ := e.registry.Current("alpha")
	waitFor(e.t, "event barrier", func() bool {
		for _, c := range sess.Mirror().Chats() {
			if c.ID == barrier {
				return true
			}
		}
		return false
	})
}

// addChats makes chats known to the session's mirror.
func (e *env) addChats(chats ...transport.Chat) {
	e.t.Helper()
	e.handle.Emit(&transport.ChatsUpsert{Chats: chats})
	e.sync()
}

var idSeq atomic.Int64

func nextID() string {
	return fmt.Sprintf("3EB0%08d", idSeq.Add(1))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// noSleep records requested delays without waiting.
type noSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.mu.Lock()
	n.delays = append(n.delays, d)
	n.mu.Unlock()
	return ctx.Err()
}

func (n *noSleep) Delays() []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]time.Duration(nil), n.delays...)
}
