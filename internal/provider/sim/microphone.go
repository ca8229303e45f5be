package sim

import (
	"context"
	"errors"
	"sync"
)

var ErrMicrophoneDenied = errors.New("sim: microphone permission denied")

// Microphone answers permission requests with a fixed decision.
type Microphone struct {
	mu       sync.Mutex
	deny     bool
	requests int
}

func NewMicrophone(deny bool) *Microphone {
	return &Microphone{deny: deny}
}

func (m *Microphone) Request(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.deny {
		return ErrMicrophoneDenied
	}
	return nil
}

// SetDeny changes the decision for later requests.
func (m *Microphone) SetDeny(deny bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deny = deny
}

// Requests returns how many times permission was requested.
func (m *Microphone) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}
