// Package queue carries run IDs from the dispatcher to its workers.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Handler processes one run ID. Returning an error asks the queue to
// deliver the ID again.
type Handler func(ctx context.Context, runID string) error

// Producer publishes run IDs.
type Producer interface {
	Publish(ctx context.Context, runID string) error
	Close() error
}

// Consumer delivers run IDs to a pool of workers until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// Queue is both ends of a queue.
type Queue interface {
	Producer
	Consumer
}

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
)
