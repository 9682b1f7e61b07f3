// Package queue defines the transport between signal ingest and the
// processor. Messages are keyed by event fingerprint so every signal of one
// fingerprint lands on the same partition and is consumed in order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"watchalert/internal/domain"
)

// Header names set on signal messages.
const (
	HeaderRuleID   = "rule-id"
	HeaderBreached = "breached"
)

// Message represents a message in the queue.
type Message struct {
	// Key is the partition key for ordering guarantees.
	Key []byte

	// Value is the message payload.
	Value []byte

	// Headers contains optional metadata.
	Headers map[string]string
}

// Producer publishes messages. Implementations must be safe for concurrent use.
type Producer interface {
	// Publish sends a message to the queue. Messages with the same key are
	// consumed in publish order.
	Publish(ctx context.Context, msg *Message) error

	// Close releases any resources held by the producer.
	Close() error
}

// MessageHandler processes one consumed message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer delivers messages to a handler.
type Consumer interface {
	// Start blocks, calling handler for each message, until ctx is cancelled
	// or the consumer is closed.
	Start(ctx context.Context, handler MessageHandler) error

	// Close stops consuming and releases any resources.
	Close() error
}

// EncodeSignal builds the queue message for sig. The fingerprint must be set.
func EncodeSignal(sig *domain.Signal) (*Message, error) {
	if sig.Fingerprint == "" {
		return nil, domain.ErrEmptyFingerprint
	}
	value, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signal: %w", err)
	}
	return &Message{
		Key:   []byte(sig.Fingerprint),
		Value: value,
		Headers: map[string]string{
			HeaderRuleID:   sig.RuleID,
			HeaderBreached: strconv.FormatBool(sig.Breached),
		},
	}, nil
}

// DecodeSignal parses a message produced by EncodeSignal.
func DecodeSignal(msg *Message) (domain.Signal, error) {
	var sig domain.Signal
	if err := json.Unmarshal(msg.Value, &sig); err != nil {
		return domain.Signal{}, fmt.Errorf("failed to unmarshal signal: %w", err)
	}
	if sig.Fingerprint == "" {
		sig.Fingerprint = string(msg.Key)
	}
	return sig, nil
}
