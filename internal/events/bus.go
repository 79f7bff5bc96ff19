// Package events publishes job lifecycle events in-process and streams them
// to websocket clients.
package events

import (
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// TopicJob carries every JobEvent.
const TopicJob = "job"

type Kind string

const (
	KindQueued    Kind = "queued"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCanceled  Kind = "canceled"
)

// Terminal reports whether no further events follow for the job.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed || k == KindCanceled
}

type JobEvent struct {
	JobID       string    `json:"job_id"`
	Kind        Kind      `json:"kind"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Backend     string    `json:"backend,omitempty"`
	Priority    int       `json:"priority"`
	Stage       string    `json:"stage,omitempty"`
	Percent     float64   `json:"percent,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
	Error       string    `json:"error,omitempty"`
	Retryable   bool      `json:"retryable,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	At          time.Time `json:"at"`
}

// Bus is a typed wrapper over an EventBus topic.
type Bus struct {
	bus evbus.Bus
}

func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

func (b *Bus) Publish(ev JobEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.bus.Publish(TopicJob, ev)
}

// Subscribe runs fn on its own goroutine per event, so a slow handler never
// holds up the publisher. Events may arrive out of order. Keep fn to
// unsubscribe; closures created from one literal compare equal.
func (b *Bus) Subscribe(fn func(JobEvent)) error {
	return b.bus.SubscribeAsync(TopicJob, fn, false)
}

// SubscribeSync runs fn on the publisher's goroutine.
func (b *Bus) SubscribeSync(fn func(JobEvent)) error {
	return b.bus.Subscribe(TopicJob, fn)
}

func (b *Bus) Unsubscribe(fn func(JobEvent)) error {
	return b.bus.Unsubscribe(TopicJob, fn)
}

// Wait blocks until async handlers have drained.
func (b *Bus) Wait() { b.bus.WaitAsync() }
