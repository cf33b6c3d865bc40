package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Sent is one notification captured by a Recorder.
type Sent struct {
	Topic string
	Note  Notification
}

// Recorder is an in-memory Publisher that decodes what it is sent.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	err  error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("recorder: payload on %s is not a notification: %w", topic, err)
	}
	r.sent = append(r.sent, Sent{Topic: topic, Note: n})
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Fail makes every later Publish return err. nil restores success.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}
