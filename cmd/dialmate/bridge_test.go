package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sweeney/dialmate/internal/logger"
	"github.com/sweeney/dialmate/internal/publisher"
	"github.com/sweeney/dialmate/internal/session"
)

func change(prev, next session.CallState) session.StateChange {
	return session.StateChange{State: next, Previous: prev, Timestamp: time.Now()}
}

func runBridge(b *bridge) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestBridgePublishesInOrder(t *testing.T) {
	mock := publisher.NewMockPublisher()
	b := newBridge(mock, "dialmate", logger.Discard())
	stop := runBridge(b)

	b.observe(change(session.StateIdle, session.StateRinging))
	b.observe(change(session.StateRinging, session.StateInCall))
	b.observe(change(session.StateInCall, session.StateEnded))
	stop()

	var topics []string
	for _, m := range mock.Messages() {
		if !m.Retained {
			topics = append(topics, m.Topic)
		}
	}
	want := []string{"dialmate/session/ringing", "dialmate/session/in-call", "dialmate/session/ended"}
	if len(topics) != len(want) {
		t.Fatalf("expected %v, got %v", want, topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("message %d: expected %s, got %s", i, want[i], topics[i])
		}
	}
	if n := len(mock.OnTopic("dialmate/session/state")); n != 3 {
		t.Errorf("expected 3 retained state messages, got %d", n)
	}
}

func TestBridgeDropsWhenBacklogFull(t *testing.T) {
	b := newBridge(publisher.NewMockPublisher(), "dialmate", logger.Discard())
	for i := 0; i < cap(b.changes)+5; i++ {
		b.observe(change(session.StateIdle, session.StateRinging))
	}
	if len(b.changes) != cap(b.changes) {
		t.Errorf("expected backlog capped at %d, got %d", cap(b.changes), len(b.changes))
	}
}

// flakyPublisher fails the first n publishes.
type flakyPublisher struct {
	*publisher.MockPublisher
	n atomic.Int32
}

func (p *flakyPublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if p.n.Add(-1) >= 0 {
		return errors.New("broker down")
	}
	return p.MockPublisher.Publish(ctx, topic, payload, retained)
}

func TestBridgeSurvivesPublishErrors(t *testing.T) {
	pub := &flakyPublisher{MockPublisher: publisher.NewMockPublisher()}
	pub.n.Store(1)
	b := newBridge(pub, "dialmate", logger.Discard())
	stop := runBridge(b)

	b.observe(change(session.StateIdle, session.StateRinging))
	b.observe(change(session.StateRinging, session.StateEnded))
	stop()

	msgs := pub.Messages()
	if len(msgs) != 2 || msgs[0].Topic != "dialmate/session/ended" {
		t.Errorf("expected only the ended change, got %+v", msgs)
	}
}
