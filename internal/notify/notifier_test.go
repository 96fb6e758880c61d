package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/procflow/internal/notify"
	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/model"
)

func batch() []workflow.Notification {
	inst := model.ProcessInstance{ID: 42, ProcessID: "issue", CurNode: "triage"}
	task := model.Task{ID: 7, InstanceID: 42, NodeID: "triage", User: "lead", Status: model.TaskProcessing}
	event := model.Event{ID: 3, InstanceID: 42, User: "alice", ActType: model.ActTransition, OldNode: "draft", NewNode: "triage"}
	return []workflow.Notification{
		{Kind: workflow.NotifyEventRecorded, Instance: inst, Event: &event},
		{Kind: workflow.NotifyTaskAssigned, Instance: inst, Task: &task},
	}
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestWatermillNotifier_publishes_per_kind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pubsub := notify.NewPubSub(16, zap.NewNop())
	defer pubsub.Close()

	tasks, err := pubsub.Subscribe(ctx, "procflow.task.assigned")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	events, err := pubsub.Subscribe(ctx, notify.Topic(workflow.NotifyEventRecorded))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	n := notify.NewWatermillNotifier(pubsub)
	if err := n.Notify(ctx, batch()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	msg := receive(t, tasks)
	if msg.UUID == "" {
		t.Error("message has no id")
	}
	if got := msg.Metadata.Get(notify.MetaKind); got != "task.assigned" {
		t.Errorf("kind metadata = %q", got)
	}
	if got := msg.Metadata.Get(notify.MetaInstanceID); got != "42" {
		t.Errorf("instance_id metadata = %q", got)
	}
	var got workflow.Notification
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Task == nil || got.Task.User != "lead" || got.Instance.ID != 42 {
		t.Errorf("payload = %+v", got)
	}

	msg = receive(t, events)
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Event == nil || got.Event.ActType != model.ActTransition {
		t.Errorf("event payload = %+v", got)
	}
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(string, ...*message.Message) error {
	p.calls++
	return errors.New("broker down")
}

func (p *failingPublisher) Close() error { return nil }

func TestWatermillNotifier_attempts_every_message(t *testing.T) {
	p := &failingPublisher{}
	err := notify.NewWatermillNotifier(p).Notify(context.Background(), batch())
	if err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 2 {
		t.Errorf("publish calls = %d, want 2", p.calls)
	}
}

func TestLogRouter_logs_notifications(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pubsub := notify.NewPubSub(16, zap.NewNop())
	defer pubsub.Close()

	router, err := notify.NewLogRouter(pubsub, logger)
	if err != nil {
		t.Fatalf("NewLogRouter: %v", err)
	}
	go func() { _ = router.Run(ctx) }()
	defer router.Close()
	<-router.Running()

	if err := notify.NewWatermillNotifier(pubsub).Notify(ctx, batch()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if logs.FilterMessage("workflow notification").Len() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	entries := logs.FilterMessage("workflow notification").All()
	if len(entries) != 2 {
		t.Fatalf("logged %d notifications, want 2", len(entries))
	}
	kinds := map[string]bool{}
	for _, e := range entries {
		kinds[e.ContextMap()["kind"].(string)] = true
	}
	if !kinds["task.assigned"] || !kinds["event.recorded"] {
		t.Errorf("logged kinds = %v", kinds)
	}
}
