// Package memory provides an in-process signal queue for single-node
// deployments and tests.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"watchalert/internal/queue"
)

// ErrQueueClosed is returned by Publish after Close.
var ErrQueueClosed = errors.New("signal queue is closed")

// Queue is an in-memory Producer and Consumer backed by a buffered channel.
// A single channel keeps publish order for every key.
type Queue struct {
	messages chan *queue.Message
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue creates a queue holding up to bufferSize messages. Publish
// blocks when the buffer is full until space frees up or ctx is cancelled.
func NewQueue(bufferSize int, logger *slog.Logger) *Queue {
	return &Queue{
		messages: make(chan *queue.Message, bufferSize),
		logger:   logger,
	}
}

// Publish sends a message to the queue.
func (q *Queue) Publish(ctx context.Context, msg *queue.Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start consumes messages until ctx is cancelled or the queue is closed.
// Handler errors are logged and the message is dropped.
func (q *Queue) Start(ctx context.Context, handler queue.MessageHandler) error {
	q.wg.Add(1)
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-q.messages:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				q.logger.Error("failed to process message", "key", string(msg.Key), "error", err)
			}
		}
	}
}

// Close stops accepting messages and waits for consumers to drain the buffer.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.messages)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	return len(q.messages)
}
