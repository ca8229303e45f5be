// Package publisher sends session state changes to a message broker.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sweeney/dialmate/internal/session"
)

// Publisher publishes messages to topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Close() error
}

// Topic layout under a configured prefix.
const (
	topicSession = "session"
	topicState   = "state"
	topicStatus  = "status"
)

// SessionTopic is the topic for transitions into state, e.g.
// "dialmate/session/in-call".
func SessionTopic(prefix string, state session.CallState) string {
	return join(prefix, topicSession, string(state))
}

// StateTopic always holds the latest change, retained.
func StateTopic(prefix string) string {
	return join(prefix, topicSession, topicState)
}

// StatusTopic carries "online" and the "offline" will.
func StatusTopic(prefix string) string {
	return join(prefix, topicStatus)
}

func join(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// EncodeChange renders ch as a JSON payload.
func EncodeChange(ch session.StateChange) ([]byte, error) {
	payload, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("encoding state change: %w", err)
	}
	return payload, nil
}

// PublishChange sends ch to its per-state topic and, retained, to the
// state topic.
func PublishChange(ctx context.Context, p Publisher, prefix string, ch session.StateChange) error {
	payload, err := EncodeChange(ch)
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, SessionTopic(prefix, ch.State), payload, false); err != nil {
		return fmt.Errorf("publishing %s: %w", ch.State, err)
	}
	if err := p.Publish(ctx, StateTopic(prefix), payload, true); err != nil {
		return fmt.Errorf("publishing state: %w", err)
	}
	return nil
}
