// Package queue defines the at-least-once message transport the pipeline
// stages communicate through.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost is returned when acknowledging a message whose lease expired
// and which was handed to another consumer.
var ErrLeaseLost = errors.New("message lease lost")

// Message is one delivery of a queued payload.
type Message struct {
	ID           string
	Queue        string
	Body         []byte
	DequeueCount int
	// Receipt identifies this delivery; Delete and Release must present it.
	Receipt    string
	EnqueuedAt time.Time
}

// Queue is a set of named at-least-once queues with delayed visibility.
type Queue interface {
	// Send enqueues body, visible after delay (0 = immediately).
	Send(ctx context.Context, queue string, body []byte, delay time.Duration) error
	// Receive leases up to max visible messages for visibility. A leased
	// message not deleted before the lease ends is delivered again.
	Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error)
	// Delete acknowledges a delivery.
	Delete(ctx context.Context, msg Message) error
	// Release ends a lease early; the message becomes visible after delay.
	Release(ctx context.Context, msg Message, delay time.Duration) error
	// Len returns the number of messages held by queue, leased or not.
	Len(ctx context.Context, queue string) (int, error)
}

// Publisher sends JSON-encoded values.
type Publisher struct {
	q Queue
}

// NewPublisher creates a Publisher over q.
func NewPublisher(q Queue) *Publisher {
	return &Publisher{q: q}
}

// Publish encodes v and sends it to queue after delay.
func (p *Publisher) Publish(ctx context.Context, queue string, v any, delay time.Duration) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", queue, err)
	}
	if err := p.q.Send(ctx, queue, body, delay); err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

// PublishRaw forwards body unchanged.
func (p *Publisher) PublishRaw(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if err := p.q.Send(ctx, queue, body, delay); err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

// Decode unmarshals a message body into T.
func Decode[T any](msg Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Body, &v); err != nil {
		return v, fmt.Errorf("decode %s message %s: %w", msg.Queue, msg.ID, err)
	}
	return v, nil
}

// Move transfers up to max messages (0 = all visible) from one queue to
// another. Each message is sent before it is deleted, so a failure in between
// leaves a duplicate rather than a loss.
func Move(ctx context.Context, q Queue, from, to string, max int) (int, error) {
	moved := 0
	for max <= 0 || moved < max {
		batch := 16
		if max > 0 && max-moved < batch {
			batch = max - moved
		}
		msgs, err := q.Receive(ctx, from, batch, time.Minute)
		if err != nil {
			return moved, fmt.Errorf("receive from %s: %w", from, err)
		}
		if len(msgs) == 0 {
			return moved, nil
		}
		for _, msg := range msgs {
			if err := q.Send(ctx, to, msg.Body, 0); err != nil {
				return moved, fmt.Errorf("send to %s: %w", to, err)
			}
			if err := q.Delete(ctx, msg); err != nil {
				return moved, fmt.Errorf("delete from %s: %w", from, err)
			}
			moved++
		}
	}
	return moved, nil
}
