package session

import (
	"context"
	"errors"
	"testing"

	"github.com/bark-labs/bark-notify-hub/internal/dispatch"
	"github.com/bark-labs/bark-notify-hub/internal/model"
)

func TestPublishReachesUserAndAdmins(t *testing.T) {
	r := NewRegistry(4)
	mine, closeMine := r.Subscribe("u1", false)
	other, closeOther := r.Subscribe("u2", false)
	admin, closeAdmin := r.Subscribe("root", true)
	defer closeMine()
	defer closeOther()
	defer closeAdmin()

	if got := r.Publish("u1", Event{Type: EventState}); got != 1 {
		t.Fatalf("accepted = %d", got)
	}
	if ev := <-mine; ev.UserID != "u1" || ev.Time.IsZero() {
		t.Fatalf("event = %+v", ev)
	}
	if ev := <-admin; ev.UserID != "u1" {
		t.Fatalf("admin event = %+v", ev)
	}
	select {
	case ev := <-other:
		t.Fatalf("other user got %+v", ev)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	r := NewRegistry(1)
	_, unsubscribe := r.Subscribe("u1", false)
	defer unsubscribe()
	if r.Publish("u1", Event{}) != 1 {
		t.Fatal("first event should fit the buffer")
	}
	if r.Publish("u1", Event{}) != 0 {
		t.Fatal("full buffer must drop")
	}
}

func TestUnsubscribeEndsSession(t *testing.T) {
	r := NewRegistry(1)
	ch, unsubscribe := r.Subscribe("u1", false)
	if !r.Active("u1") || r.Count() != 1 {
		t.Fatal("session not registered")
	}
	unsubscribe()
	unsubscribe()
	if _, open := <-ch; open {
		t.Fatal("channel must be closed")
	}
	if r.Active("u1") || r.Count() != 0 {
		t.Fatal("session not removed")
	}
	if r.Publish("u1", Event{}) != 0 {
		t.Fatal("publish after close must not deliver")
	}
}

func TestNotifyLocal(t *testing.T) {
	r := NewRegistry(2)
	dev := &model.UserDevice{ID: "d1", UserID: "u1", OnlyLocal: true}

	err := r.NotifyLocal(context.Background(), dev, dispatch.Payload{Title: "hi"})
	if !errors.Is(err, ErrNoSession) || dispatch.IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}

	ch, unsubscribe := r.Subscribe("u1", false)
	defer unsubscribe()
	if err := r.NotifyLocal(context.Background(), dev, dispatch.Payload{Title: "hi"}); err != nil {
		t.Fatal(err)
	}
	ev := <-ch
	if p, ok := ev.Data.(dispatch.Payload); !ok || ev.Type != EventNotification || p.Title != "hi" {
		t.Fatalf("event = %+v", ev)
	}
}
