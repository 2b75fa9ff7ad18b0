package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/clock"
	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
)

type memStore struct {
	mu    sync.Mutex
	items map[string]model.Notification
	fail  error
}

func (m *memStore) SaveNotification(_ context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.items == nil {
		m.items = map[string]model.Notification{}
	}
	m.items[n.ID] = *n.Clone()
	return nil
}

func (m *memStore) ListNotifications(context.Context) ([]*model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Notification
	for _, n := range m.items {
		out = append(out, n.Clone())
	}
	return out, nil
}

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Machine, *memStore, *clock.Manual) {
	t.Helper()
	st := &memStore{}
	clk := clock.NewManual(t0)
	return New(st, clk, logx.Nop()), st, clk
}

func create(t *testing.T, m *Machine) *model.Notification {
	t.Helper()
	n, err := m.Create(context.Background(), &model.Message{ID: "m1", BucketID: "b1"}, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return n
}

func mustState(t *testing.T, m *Machine, id string, want model.NotificationState) *model.Notification {
	t.Helper()
	n, err := m.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n.State != want {
		t.Fatalf("state = %s, want %s", n.State, want)
	}
	return n
}

func sendOK(t *testing.T, m *Machine, id string, reason Reason, devices ...string) *model.Notification {
	t.Helper()
	ctx := context.Background()
	tk, err := m.BeginDispatch(ctx, id, reason)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	n, err := m.Complete(ctx, tk, Attempt{Delivered: devices})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return n
}

func TestEvaluate(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	muted := create(t, m)
	if _, err := m.Evaluate(ctx, muted.ID, true, false); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, muted.ID, model.StateMuted)

	open := create(t, m)
	m.Evaluate(ctx, open.ID, false, false)
	mustState(t, m, open.ID, model.StateEligible)

	if _, err := m.Evaluate(ctx, open.ID, true, false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("evaluate eligible err = %v", err)
	}
}

func TestCriticalIsNeverMuted(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	for _, muted := range []bool{true, false} {
		n := create(t, m)
		m.Evaluate(ctx, n.ID, muted, true)
		mustState(t, m, n.ID, model.StateEligible)
	}
	n := create(t, m)
	m.Evaluate(ctx, n.ID, true, false)
	m.Evaluate(ctx, n.ID, true, true)
	mustState(t, m, n.ID, model.StateEligible)
}

func TestReleaseOnlyFromMuted(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	n := create(t, m)
	if _, err := m.Release(ctx, n.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("release pending err = %v", err)
	}
	m.Evaluate(ctx, n.ID, true, false)
	if _, err := m.Release(ctx, n.ID); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, n.ID, model.StateEligible)
}

func TestPartialFailureIsSent(t *testing.T) {
	m, _, clk := setup(t)
	ctx := context.Background()
	n := create(t, m)
	m.Evaluate(ctx, n.ID, false, false)
	clk.Advance(time.Second)

	tk, _ := m.BeginDispatch(ctx, n.ID, ReasonInitial)
	mustState(t, m, n.ID, model.StateDispatching)
	got, err := m.Complete(ctx, tk, Attempt{
		Delivered: []string{"dev-a"},
		Failed:    map[string]string{"dev-b": "unregistered"},
		Permanent: []string{"dev-b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.StateSent || got.Error != "" || got.SentAt == nil {
		t.Fatalf("notification = %+v", got)
	}
	if !got.Excluded("dev-b") || got.Excluded("dev-a") {
		t.Fatalf("excluded = %v", got.ExcludedDevices)
	}
}

func TestAllFailedIsFailedWithError(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	n := create(t, m)
	m.Evaluate(ctx, n.ID, false, false)
	tk, _ := m.BeginDispatch(ctx, n.ID, ReasonInitial)
	got, err := m.Complete(ctx, tk, Attempt{Failed: map[string]string{"dev-b": "unregistered", "dev-a": "timeout"}})
	if err != nil {
		t.Fatal(err)
	}
	want := "all 2 devices failed: dev-a: timeout; dev-b: unregistered"
	if got.State != model.StateFailed || got.Error != want {
		t.Fatalf("state=%s error=%q", got.State, got.Error)
	}

	empty := create(t, m)
	m.Evaluate(ctx, empty.ID, false, false)
	tk, _ = m.BeginDispatch(ctx, empty.ID, ReasonInitial)
	got, _ = m.Complete(ctx, tk, Attempt{})
	if got.State != model.StateFailed || got.Error != "no deliverable devices" {
		t.Fatalf("empty fan-out: state=%s error=%q", got.State, got.Error)
	}

	broken := create(t, m)
	m.Evaluate(ctx, broken.ID, false, false)
	tk, _ = m.BeginDispatch(ctx, broken.ID, ReasonInitial)
	got, _ = m.Complete(ctx, tk, Attempt{Lookup: map[string]string{"u1": "bolt: timeout"}})
	if got.Error != "device lookup failed: u1: bolt: timeout" {
		t.Fatalf("lookup failure error = %q", got.Error)
	}
}

func TestFailedRedeliveryKeepsPriorState(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	n := create(t, m)
	m.Evaluate(ctx, n.ID, false, false)
	sendOK(t, m, n.ID, ReasonInitial, "dev-a")

	tk, err := m.BeginDispatch(ctx, n.ID, ReasonReminder)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.Complete(ctx, tk, Attempt{Failed: map[string]string{"dev-a": "timeout"}})
	if got.State != model.StateSent || got.Error == "" {
		t.Fatalf("state=%s error=%q", got.State, got.Error)
	}
	if got.RemindersSent != 0 {
		t.Fatal("failed reminder must not count")
	}
	got = sendOK(t, m, n.ID, ReasonReminder, "dev-a")
	if got.RemindersSent != 1 || got.Occurrence != 3 {
		t.Fatalf("reminders=%d occurrence=%d", got.RemindersSent, got.Occurrence)
	}
}

func TestNoConcurrentDispatch(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	n := create(t, m)
	m.Evaluate(ctx, n.ID, false, false)
	if _, err := m.BeginDispatch(ctx, n.ID, ReasonInitial); err != nil {
		t.Fatal(err)
	}
	if _, err := m.BeginDispatch(ctx, n.ID, ReasonPostpone); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second begin err = %v", err)
	}
	pending := create(t, m)
	if _, err := m.BeginDispatch(ctx, pending.ID, ReasonInitial); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("begin pending err = %v", err)
	}
}

func TestReceivedSetsFirstAckOnly(t *testing.T) {
	m, _, clk := setup(t)
	ctx := context.Background()
	n := create(t, m)
	m.Evaluate(ctx, n.ID, false, false)
	sendOK(t, m, n.ID, ReasonInitial, "dev-a", "dev-b")

	clk.Advance(time.Minute)
	first, err := m.Acknowledge(ctx, n.ID, "dev-a", model.AckReceived)
	if err != nil {
		t.Fatal(err)
	}
	if first.State != model.StateReceived || first.ReceivedAt == nil {
		t.Fatalf("after first ack: %+v", first)
	}
	firstAt := *first.ReceivedAt

	clk.Advance(time.Minute)
	second, _ := m.Acknowledge(ctx, n.ID, "dev-b", model.AckReceived)
	if !second.ReceivedAt.Equal(firstAt) {
		t.Fatalf("receivedAt overwritten: %s != %s", second.ReceivedAt, firstAt)
	}
	if second.UserDeviceID != "dev-b" || len(second.Receipts) != 2 {
		t.Fatalf("device=%s receipts=%d", second.UserDeviceID, len(second.Receipts))
	}

	// A re-delivery of a received notification stays RECEIVED.
	got := sendOK(t, m, n.ID, ReasonPostpone, "dev-a")
	if got.State != model.StateReceived {
		t.Fatalf("state = %s", got.State)
	}
}

func TestReadIsIdempotent(t *testing.T) {
	m, _, clk := setup(t)
	ctx := context.Background()
	n := create(t, m)
	m.Evaluate(ctx, n.ID, false, false)
	sendOK(t, m, n.ID, ReasonInitial, "dev-a")

	read, err := m.Acknowledge(ctx, n.ID, "dev-a", model.AckRead)
	if err != nil {
		t.Fatal(err)
	}
	readAt := *read.ReadAt
	clk.Advance(time.Hour)
	again, err := m.Acknowledge(ctx, n.ID, "dev-b", model.AckRead)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if again.State != model.StateRead || !again.ReadAt.Equal(readAt) {
		t.Fatalf("readAt changed: %s -> %s", readAt, again.ReadAt)
	}
	if _, err := m.BeginDispatch(ctx, n.ID, ReasonReminder); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("dispatch after read err = %v", err)
	}
}

func TestReadWinsOverInFlightDispatch(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	n := create(t, m)
	m.Evaluate(ctx, n.ID, false, false)
	tk, _ := m.BeginDispatch(ctx, n.ID, ReasonInitial)

	if _, err := m.Acknowledge(ctx, n.ID, "dev-a", model.AckRead); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Complete(ctx, tk, Attempt{Delivered: []string{"dev-a"}}); !errors.Is(err, ErrStaleDispatch) {
		t.Fatalf("complete err = %v", err)
	}
	mustState(t, m, n.ID, model.StateRead)
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	n := create(t, m)
	m.Evaluate(ctx, n.ID, false, false)
	tk, _ := m.BeginDispatch(ctx, n.ID, ReasonInitial)

	if _, err := m.Cancel(ctx, n.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Cancel(ctx, n.ID); err != nil {
		t.Fatalf("cancel is idempotent: %v", err)
	}
	if _, err := m.Complete(ctx, tk, Attempt{Delivered: []string{"dev-a"}}); !errors.Is(err, ErrStaleDispatch) {
		t.Fatalf("complete err = %v", err)
	}
	got := mustState(t, m, n.ID, model.StateCancelled)
	if got.SentAt != nil {
		t.Fatal("cancelled notification must not record a send")
	}
	if _, err := m.Acknowledge(ctx, n.ID, "dev-a", model.AckRead); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("read cancelled err = %v", err)
	}
}

func TestConcurrentReadAndDispatchSerialize(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		n := create(t, m)
		m.Evaluate(ctx, n.ID, false, false)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if tk, err := m.BeginDispatch(ctx, n.ID, ReasonInitial); err == nil {
				m.Complete(ctx, tk, Attempt{Delivered: []string{"dev-a"}})
			}
		}()
		go func() {
			defer wg.Done()
			m.Acknowledge(ctx, n.ID, "dev-a", model.AckRead)
		}()
		wg.Wait()
		mustState(t, m, n.ID, model.StateRead)
	}
}

func TestUnknownNotification(t *testing.T) {
	m, _, _ := setup(t)
	if _, err := m.Get("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.Cancel(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRestoreResetsInterruptedDispatch(t *testing.T) {
	m, st, clk := setup(t)
	ctx := context.Background()
	a := create(t, m)
	m.Evaluate(ctx, a.ID, false, false)
	m.BeginDispatch(ctx, a.ID, ReasonInitial)
	b := create(t, m)
	m.Evaluate(ctx, b.ID, true, false)

	restored := New(st, clk, logx.Nop())
	if n, err := restored.Restore(ctx); err != nil || n != 2 {
		t.Fatalf("restore = %d, %v", n, err)
	}
	mustState(t, restored, a.ID, model.StateEligible)
	mustState(t, restored, b.ID, model.StateMuted)
	if ids := restored.IDsIn(model.StateMuted); len(ids) != 1 || ids[0] != b.ID {
		t.Fatalf("muted ids = %v", ids)
	}
	if counts := restored.CountByState(); counts[model.StateEligible] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestAbortReturnsToEligible(t *testing.T) {
	m, st, _ := setup(t)
	ctx := context.Background()
	n := create(t, m)
	m.Evaluate(ctx, n.ID, false, false)
	tk, _ := m.BeginDispatch(ctx, n.ID, ReasonInitial)

	st.fail = errors.New("disk full")
	if _, err := m.Complete(ctx, tk, Attempt{Delivered: []string{"dev-a"}}); err == nil {
		t.Fatal("complete must surface the write failure")
	}
	mustState(t, m, n.ID, model.StateDispatching)

	got, err := m.Abort(ctx, tk, errors.New("outcome not recorded"))
	if err != nil {
		t.Fatal(err)
	}
	if got.State != model.StateEligible || got.Error != "outcome not recorded" {
		t.Fatalf("state=%s error=%q", got.State, got.Error)
	}
	if ids := m.IDsIn(model.StateEligible); len(ids) != 1 || ids[0] != n.ID {
		t.Fatalf("eligible = %v", ids)
	}
	if _, err := m.Abort(ctx, tk, nil); !errors.Is(err, ErrStaleDispatch) {
		t.Fatalf("second abort err = %v", err)
	}

	st.fail = nil
	sendOK(t, m, n.ID, ReasonRetry, "dev-a")
}
