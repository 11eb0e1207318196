// Package queue provides the durable job queue abstraction the pipeline
// stages are chained on.
package queue

import (
	"context"

	"github.com/outflowhq/outflow/pkg/jobs"
)

// HandlerFunc processes one decoded job. A returned error nacks the message
// so the broker redelivers it (at-least-once).
type HandlerFunc func(ctx context.Context, job jobs.Job) error

// ConsumerConfig controls one stage's consumption of its queue.
type ConsumerConfig struct {
	// Concurrency is the number of concurrent handler invocations.
	// Must be at least 1.
	Concurrency int

	// RatePerMinute caps handler starts per minute across all workers of
	// this queue. Zero means unlimited.
	RatePerMinute int
}

// JobPublisher enqueues a job on the queue for its type.
type JobPublisher interface {
	Publish(ctx context.Context, key string, job jobs.Job) error
}

// JobQueue is a set of named durable queues with at-least-once delivery and
// per-queue concurrency and rate limits.
type JobQueue interface {
	JobPublisher

	// Handle registers the handler for one job type's queue. Must be called
	// before Subscribe.
	Handle(t jobs.JobType, cfg ConsumerConfig, handler HandlerFunc) error

	// Subscribe starts consuming every registered queue until ctx is done.
	Subscribe(ctx context.Context) error

	Close() error
	GenerateID() string
}
