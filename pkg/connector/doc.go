// Copyright 2024-2026 Aiku AI

// Package connector hosts the forwarding service: it builds the credential
// store, the session manager and one forwarding pipeline per configured
// session, then runs them together with the admin API.
//
// # Pipelines
//
// Every configured session gets its own queue named after its slug. The
// [forward.Dispatcher] listens to the session and enqueues jobs; the
// [forward.Worker] drains the queue one job at a time and delivers through
// whichever transport handle is live when the job runs, so forwarding
// survives reconnects.
//
// A session that logs out or gives up reconnecting stops with its worker
// while the other sessions keep running. A session that cannot start at
// all fails [Connector.Run]. Once every session has stopped, Run returns
// [ErrAllSessionsStopped] joined with the reason each one stopped.
//
// # Admin API
//
// When admin_api_addr or WAFORWARD_API_ADDR is set, [Connector.Handler] is
// served there. It lists sessions, their chats and groups, exposes
// Prometheus metrics and can empty a session's queue.
package connector
