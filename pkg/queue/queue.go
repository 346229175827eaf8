// Copyright 2024-2026 Aiku AI

// Package queue holds forward jobs between the dispatcher and the worker.
// Every session has its own queue and a single consumer, so jobs of one
// session are delivered one at a time in enqueue order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/aiku/waforward/pkg/transport"
)

// Kind is the payload variant of a Job.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindExtended Kind = "extended"
)

// Job is one message to deliver to one target chat.
type Job struct {
	Session string `cbor:"session"`
	Target  string `cbor:"target"`
	Kind    Kind   `cbor:"kind"`

	Text     string                  `cbor:"text,omitempty"`
	Extended *transport.ExtendedText `cbor:"extended,omitempty"`

	Caption   string `cbor:"caption,omitempty"`
	AssetPath string `cbor:"asset_path,omitempty"`
	FileName  string `cbor:"file_name,omitempty"`
	Mimetype  string `cbor:"mimetype,omitempty"`

	SimulatePresence bool  `cbor:"simulate_presence,omitempty"`
	EnqueuedAt       int64 `cbor:"enqueued_at,omitempty"`
}

// Validate checks that the job carries what its kind needs.
func (j Job) Validate() error {
	if j.Target == "" {
		return fmt.Errorf("%w: missing target", ErrInvalidJob)
	}
	switch j.Kind {
	case KindText:
	case KindExtended:
		if j.Extended == nil {
			return fmt.Errorf("%w: extended job without payload", ErrInvalidJob)
		}
	case KindImage, KindDocument:
		if j.AssetPath == "" {
			return fmt.Errorf("%w: %s job without asset", ErrInvalidJob, j.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	return nil
}

// Handler processes one job. A returned error marks the job failed.
type Handler func(ctx context.Context, job Job) error

// Queue is a per-session job queue.
type Queue interface {
	// Name is the queue's backend name.
	Name() string
	// Enqueue appends a job.
	Enqueue(ctx context.Context, job Job) error
	// Process delivers jobs to h one at a time until ctx is cancelled.
	Process(ctx context.Context, h Handler) error
	// Empty drops every job that has not started yet.
	Empty(ctx context.Context) error
	Close() error
}

var (
	ErrInvalidJob = errors.New("queue: invalid job")
	ErrClosed     = errors.New("queue: closed")
)

// NameFor returns the queue name of a session.
func NameFor(slug string) string {
	return slug + "-queue"
}

var (
	jobEnc cbor.EncMode
	jobDec cbor.DecMode
)

func init() {
	var err error
	jobEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}
	jobDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("queue: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeJob serializes a job for a backend that stores bytes.
func EncodeJob(job Job) ([]byte, error) {
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixMilli()
	}
	data, err := jobEnc.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return data, nil
}

// DecodeJob parses a job written by EncodeJob.
func DecodeJob(data []byte) (Job, error) {
	var job Job
	if err := jobDec.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}
