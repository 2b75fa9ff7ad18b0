// Package delivery owns the per-notification delivery lifecycle.
//
// All state changes go through Machine. Each notification has its own lock,
// so transitions on one notification are strictly sequential while distinct
// notifications proceed in parallel.
package delivery

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bark-labs/bark-notify-hub/internal/clock"
	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
)

// Store is the write-through persistence of notifications.
type Store interface {
	SaveNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context) ([]*model.Notification, error)
}

// Reason tells why a dispatch was started.
type Reason string

const (
	ReasonInitial  Reason = "initial"
	ReasonRelease  Reason = "release"
	ReasonPostpone Reason = "postpone"
	ReasonReminder Reason = "reminder"
	ReasonRetry    Reason = "retry"
)

// Ticket identifies one in-flight dispatch. Results are only applied when
// the ticket still matches the notification's generation.
type Ticket struct {
	NotificationID string
	Generation     uint64
	Occurrence     int
	Reason         Reason
	Previous       model.NotificationState
}

// Attempt is the aggregated outcome of one fan-out.
type Attempt struct {
	Delivered []string
	Failed    map[string]string
	Permanent []string
	// Lookup maps recipients whose devices could not be listed to the cause.
	Lookup map[string]string
}

type record struct {
	mu  sync.Mutex
	n   *model.Notification
	gen uint64
}

// Machine holds the lifecycle of every known notification.
type Machine struct {
	mu      sync.RWMutex
	records map[string]*record

	store Store
	clock clock.Clock
	log   logx.Logger
}

// New builds an empty machine. store may be nil.
func New(store Store, clk clock.Clock, log logx.Logger) *Machine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Machine{
		records: make(map[string]*record),
		store:   store,
		clock:   clk,
		log:     log.With(logx.String("component", "delivery")),
	}
}

// Create registers a PENDING notification of msg for userID.
func (m *Machine) Create(ctx context.Context, msg *model.Message, userID string) (*model.Notification, error) {
	now := m.clock.Now()
	n := &model.Notification{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		UserID:    userID,
		BucketID:  msg.BucketID,
		State:     model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.persist(ctx, n); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.records[n.ID] = &record{n: n}
	m.mu.Unlock()
	return n.Clone(), nil
}

// Get returns a snapshot of a notification.
func (m *Machine) Get(id string) (*model.Notification, error) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n.Clone(), nil
}

// IDsIn lists notifications currently in any of states, sorted by id.
func (m *Machine) IDsIn(states ...model.NotificationState) []string {
	var ids []string
	m.each(func(n *model.Notification) {
		if slices.Contains(states, n.State) {
			ids = append(ids, n.ID)
		}
	})
	sort.Strings(ids)
	return ids
}

// List returns snapshots matching keep, newest first.
func (m *Machine) List(keep func(*model.Notification) bool) []*model.Notification {
	var out []*model.Notification
	m.each(func(n *model.Notification) {
		if keep == nil || keep(n) {
			out = append(out, n.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CountByState tallies notifications per state.
func (m *Machine) CountByState() map[model.NotificationState]int {
	counts := make(map[model.NotificationState]int)
	m.each(func(n *model.Notification) { counts[n.State]++ })
	return counts
}

func (m *Machine) each(fn func(*model.Notification)) {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.RUnlock()
	for _, r := range recs {
		r.mu.Lock()
		fn(r.n)
		r.mu.Unlock()
	}
}

// Evaluate applies the mute decision to a PENDING notification. A critical
// notification is made ELIGIBLE from PENDING or MUTED regardless of muted.
func (m *Machine) Evaluate(ctx context.Context, id string, muted, critical bool) (*model.Notification, error) {
	return m.update(ctx, id, func(r *record, _ time.Time) (bool, error) {
		switch r.n.State {
		case model.StatePending:
			if muted && !critical {
				r.n.State = model.StateMuted
			} else {
				r.n.State = model.StateEligible
			}
			return true, nil
		case model.StateMuted:
			if critical {
				r.n.State = model.StateEligible
				return true, nil
			}
			return false, nil
		}
		return false, transitionError(r.n, "evaluate")
	})
}

// Release moves a MUTED notification to ELIGIBLE once its window ended.
func (m *Machine) Release(ctx context.Context, id string) (*model.Notification, error) {
	return m.update(ctx, id, func(r *record, _ time.Time) (bool, error) {
		if r.n.State != model.StateMuted {
			return false, transitionError(r.n, "release")
		}
		r.n.State = model.StateEligible
		return true, nil
	})
}

// BeginDispatch moves a notification to DISPATCHING and returns the ticket
// its results must be completed with.
func (m *Machine) BeginDispatch(ctx context.Context, id string, reason Reason) (Ticket, error) {
	var t Ticket
	_, err := m.update(ctx, id, func(r *record, _ time.Time) (bool, error) {
		switch r.n.State {
		case model.StateEligible, model.StateMuted, model.StateSent, model.StateReceived, model.StateFailed:
		default:
			return false, transitionError(r.n, "dispatch")
		}
		r.gen++
		r.n.Occurrence++
		t = Ticket{
			NotificationID: id,
			Generation:     r.gen,
			Occurrence:     r.n.Occurrence,
			Reason:         reason,
			Previous:       r.n.State,
		}
		r.n.State = model.StateDispatching
		return true, nil
	})
	if err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// Complete applies the outcome of a dispatch started with t.
func (m *Machine) Complete(ctx context.Context, t Ticket, a Attempt) (*model.Notification, error) {
	return m.update(ctx, t.NotificationID, func(r *record, now time.Time) (bool, error) {
		if r.gen != t.Generation || r.n.State != model.StateDispatching {
			return false, fmt.Errorf("notification %s in state %s: %w", r.n.ID, r.n.State, ErrStaleDispatch)
		}
		for _, dev := range a.Permanent {
			if !r.n.Excluded(dev) {
				r.n.ExcludedDevices = append(r.n.ExcludedDevices, dev)
			}
		}
		if len(a.Delivered) > 0 {
			r.n.State = model.StateSent
			if r.n.ReceivedAt != nil {
				r.n.State = model.StateReceived
			}
			sent := now
			r.n.SentAt = &sent
			r.n.Error = ""
			if t.Reason == ReasonReminder {
				r.n.RemindersSent++
			}
			return true, nil
		}
		r.n.Error = summarize(a)
		switch {
		case r.n.SentAt == nil || t.Previous == model.StateFailed:
			r.n.State = model.StateFailed
		case r.n.ReceivedAt != nil:
			r.n.State = model.StateReceived
		default:
			r.n.State = model.StateSent
		}
		return true, nil
	})
}

func summarize(a Attempt) string {
	var parts []string
	if len(a.Failed) > 0 {
		parts = append(parts, fmt.Sprintf("all %d devices failed: %s", len(a.Failed), joinSorted(a.Failed)))
	}
	if len(a.Lookup) > 0 {
		parts = append(parts, "device lookup failed: "+joinSorted(a.Lookup))
	}
	if len(parts) == 0 {
		return "no deliverable devices"
	}
	return strings.Join(parts, "; ")
}

func joinSorted(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+m[k])
	}
	return strings.Join(parts, "; ")
}

// Acknowledge records a device receipt or read. Reading an already read
// notification is a successful no-op.
func (m *Machine) Acknowledge(ctx context.Context, id, deviceID string, kind model.AckKind) (*model.Notification, error) {
	return m.update(ctx, id, func(r *record, now time.Time) (bool, error) {
		n := r.n
		switch kind {
		case model.AckReceived:
			switch n.State {
			case model.StatePending, model.StateMuted, model.StateEligible, model.StateCancelled:
				return false, transitionError(n, "receive")
			}
			receipt := n.Receipts[deviceID]
			if deviceID == "" && n.ReceivedAt != nil {
				return false, nil
			}
			if receipt.ReceivedAt != nil && n.UserDeviceID == deviceID {
				return false, nil
			}
			if receipt.ReceivedAt == nil {
				ts := now
				receipt.DeviceID = deviceID
				receipt.ReceivedAt = &ts
			}
			setReceipt(n, receipt)
			if n.ReceivedAt == nil {
				ts := now
				n.ReceivedAt = &ts
			}
			if deviceID != "" {
				n.UserDeviceID = deviceID
			}
			if n.State == model.StateSent || n.State == model.StateFailed {
				n.State = model.StateReceived
			}
			return true, nil

		case model.AckRead:
			switch n.State {
			case model.StateRead:
				return false, nil
			case model.StateCancelled:
				return false, transitionError(n, "read")
			}
			ts := now
			receipt := n.Receipts[deviceID]
			receipt.DeviceID = deviceID
			receipt.ReadAt = &ts
			setReceipt(n, receipt)
			n.ReadAt = &ts
			if deviceID != "" {
				n.UserDeviceID = deviceID
			}
			n.State = model.StateRead
			r.gen++
			return true, nil
		}
		return false, fmt.Errorf("unknown acknowledgement %q: %w", kind, ErrInvalidTransition)
	})
}

func setReceipt(n *model.Notification, receipt model.DeviceReceipt) {
	if receipt.DeviceID == "" {
		return
	}
	if n.Receipts == nil {
		n.Receipts = make(map[string]model.DeviceReceipt)
	}
	n.Receipts[receipt.DeviceID] = receipt
}

// Cancel moves a notification to CANCELLED from any state.
func (m *Machine) Cancel(ctx context.Context, id string) (*model.Notification, error) {
	return m.update(ctx, id, func(r *record, _ time.Time) (bool, error) {
		if r.n.State == model.StateCancelled {
			return false, nil
		}
		r.n.State = model.StateCancelled
		r.gen++
		return true, nil
	})
}

// Abort returns a dispatch whose outcome could not be recorded to ELIGIBLE
// so the next sweep retries it. The in-memory state changes even when the
// write fails; Restore maps a persisted DISPATCHING record the same way.
func (m *Machine) Abort(ctx context.Context, t Ticket, cause error) (*model.Notification, error) {
	r, err := m.lookup(t.NotificationID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gen != t.Generation || r.n.State != model.StateDispatching {
		return nil, fmt.Errorf("abort notification %s in state %s: %w", r.n.ID, r.n.State, ErrStaleDispatch)
	}
	r.n.State = model.StateEligible
	if cause != nil {
		r.n.Error = cause.Error()
	}
	r.n.UpdatedAt = m.clock.Now()
	if err := m.persist(ctx, r.n); err != nil {
		m.log.Warn("aborted dispatch not persisted", logx.String("notification", r.n.ID), logx.Err(err))
	}
	m.log.Debug("notification transition",
		logx.String("notification", r.n.ID),
		logx.String("from", string(model.StateDispatching)),
		logx.String("to", string(model.StateEligible)))
	return r.n.Clone(), nil
}

// Restore loads persisted notifications. Those interrupted mid-dispatch
// return to ELIGIBLE so the next sweep retries them.
func (m *Machine) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	items, err := m.store.ListNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("list notifications: %w", err)
	}
	var interrupted int
	m.mu.Lock()
	for _, n := range items {
		if n.State == model.StateDispatching {
			n.State = model.StateEligible
			interrupted++
		}
		m.records[n.ID] = &record{n: n}
	}
	m.mu.Unlock()
	if interrupted > 0 {
		m.log.Warn("interrupted dispatches reset", logx.Int("count", interrupted))
	}
	return len(items), nil
}

func (m *Machine) lookup(id string) (*record, error) {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

// update runs fn under the notification lock. When fn reports a change the
// record is stamped and persisted; a failed write rolls the change back.
func (m *Machine) update(ctx context.Context, id string, fn func(r *record, now time.Time) (bool, error)) (*model.Notification, error) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.n.Clone()
	from := r.n.State
	now := m.clock.Now()
	changed, err := fn(r, now)
	if err != nil {
		r.n = before
		return nil, err
	}
	if !changed {
		return r.n.Clone(), nil
	}
	r.n.UpdatedAt = now
	if err := m.persist(ctx, r.n); err != nil {
		r.n = before
		return nil, err
	}
	if from != r.n.State {
		m.log.Debug("notification transition",
			logx.String("notification", id),
			logx.String("from", string(from)),
			logx.String("to", string(r.n.State)))
	}
	return r.n.Clone(), nil
}

func (m *Machine) persist(ctx context.Context, n *model.Notification) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveNotification(ctx, n); err != nil {
		return fmt.Errorf("save notification %s: %w", n.ID, err)
	}
	return nil
}

func transitionError(n *model.Notification, op string) error {
	return fmt.Errorf("%s notification %s in state %s: %w", op, n.ID, n.State, ErrInvalidTransition)
}
