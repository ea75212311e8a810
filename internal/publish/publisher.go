// Package publish fans finished dispatch results out to downstream consumers.
package publish

import (
	"context"

	"github.com/crawlstack/dispatch/internal/dispatch"
)

// Publisher delivers one payload to a named topic and returns the broker's
// message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Sink adapts a Publisher to the dispatcher's sink contract, publishing each
// finished result to a fixed topic.
type Sink struct {
	publisher Publisher
	topic     string
}

// NewSink wraps the publisher for use as a dispatch result sink.
func NewSink(publisher Publisher, topic string) *Sink {
	return &Sink{publisher: publisher, topic: topic}
}

// Consume publishes the result.
func (s *Sink) Consume(ctx context.Context, res dispatch.Result) error {
	_, err := s.publisher.Publish(ctx, s.topic, res)
	return err
}
