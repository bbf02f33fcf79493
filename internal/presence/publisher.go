package presence

import (
	"context"
	"encoding/json"

	"relaysync/internal/stream"
)

// StreamName is the durable stream carrying alive signals between
// instances.
const StreamName = "presence:alive:v1"

// StreamPublisher writes heartbeats onto the durable stream.
type StreamPublisher struct {
	stream *stream.Stream
}

func NewStreamPublisher(s *stream.Stream) *StreamPublisher {
	return &StreamPublisher{stream: s}
}

func (p *StreamPublisher) PublishAlive(ctx context.Context, hb Heartbeat) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	_, err = p.stream.Add(ctx, payload)
	return err
}
