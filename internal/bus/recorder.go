// ABOUTME: In-memory Publisher that records every publish, for tests and dry runs
// ABOUTME: Can be told to fail so callers' transport error paths are exercised

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Published is one message captured by a Recorder.
type Published struct {
	Topic   string
	Payload []byte
}

// Recorder is a Publisher that keeps everything it is given.
type Recorder struct {
	mu       sync.Mutex
	messages []Published
	err      error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the message, or returns the configured failure.
func (r *Recorder) Publish(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return fmt.Errorf("%w: publishing to %s: %w", ErrTransport, topic, r.err)
	}
	r.messages = append(r.messages, Published{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// FailWith makes subsequent publishes fail with err; nil restores success.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.messages))
	copy(out, r.messages)
	return out
}

// On returns the messages published to topic, in order.
func (r *Recorder) On(topic string) []Published {
	var out []Published
	for _, m := range r.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Decode unmarshals the payload into v.
func (p Published) Decode(v any) error {
	return json.Unmarshal(p.Payload, v)
}
