// Package publisher appends job responses to an api's responses stream
// (spec.md §4.10), grounded on pkg/streamqueue's Add wrapping GoFlow's
// events.go XAdd usage, bounded by MaxLen (the request and DLQ streams are
// appended without a length bound).
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

// MaxLen bounds the responses stream so it behaves like a rolling log
// rather than growing unboundedly when consumers lag or disappear.
const MaxLen = 10000

// Publisher appends response envelopes to the responses stream.
type Publisher struct {
	sq *streamqueue.Client
}

// New creates a Publisher.
func New(sq *streamqueue.Client) *Publisher {
	return &Publisher{sq: sq}
}

// Envelope is one response-stream entry.
type Envelope struct {
	JobID     string
	APIPrefix string
	Status    string // "ok" or "error"
	Code      string // error taxonomy code, empty on success
	Message   string
	Payload   map[string]any
}

// Publish appends env with a server timestamp and returns the assigned
// stream ID.
func (p *Publisher) Publish(ctx context.Context, env Envelope) (string, error) {
	stream := streamqueue.StreamName(env.APIPrefix, streamqueue.KindResponses)

	values := map[string]any{
		"jobId":     env.JobID,
		"apiPrefix": env.APIPrefix,
		"status":    env.Status,
		"code":      env.Code,
		"message":   env.Message,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range env.Payload {
		values["payload."+k] = v
	}

	id, err := p.sq.Add(ctx, stream, values, MaxLen)
	if err != nil {
		return "", fmt.Errorf("publisher: publish %s: %w", stream, err)
	}
	return id, nil
}

// PublishSuccess is a convenience wrapper for a successful fetch result.
func (p *Publisher) PublishSuccess(ctx context.Context, apiPrefix, jobID string, payload map[string]any) (string, error) {
	return p.Publish(ctx, Envelope{JobID: jobID, APIPrefix: apiPrefix, Status: "ok", Payload: payload})
}

// PublishError is a convenience wrapper for a tagged error response.
func (p *Publisher) PublishError(ctx context.Context, apiPrefix, jobID, code, message string) (string, error) {
	return p.Publish(ctx, Envelope{JobID: jobID, APIPrefix: apiPrefix, Status: "error", Code: code, Message: message})
}
