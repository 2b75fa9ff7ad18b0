// Package postpone keeps the ledger of scheduled re-deliveries.
//
// The in-memory index is authoritative for due queries; every change is
// written through to the configured Store so the ledger survives restarts.
package postpone

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bark-labs/bark-notify-hub/internal/clock"
	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
)

// ErrInvalidDelay is returned for non-positive postpone delays.
var ErrInvalidDelay = errors.New("postpone delay must be positive")

// Store is the persistence the ledger writes through to.
type Store interface {
	SavePostpone(ctx context.Context, p *model.NotificationPostpone) error
	DeletePostpone(ctx context.Context, id string) error
	ListPostpones(ctx context.Context) ([]*model.NotificationPostpone, error)
}

type slot struct {
	notificationID string
	minute         int64
}

func slotOf(notificationID string, sendAt time.Time) slot {
	return slot{notificationID: notificationID, minute: sendAt.Unix() / 60}
}

// Ledger tracks pending postpones keyed by id and by (notification, minute).
type Ledger struct {
	mu     sync.Mutex
	byID   map[string]*model.NotificationPostpone
	bySlot map[slot]string

	store Store
	clock clock.Clock
	log   logx.Logger
}

// New builds an empty ledger. store may be nil for a memory-only ledger.
func New(store Store, clk clock.Clock, log logx.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{
		byID:   make(map[string]*model.NotificationPostpone),
		bySlot: make(map[slot]string),
		store:  store,
		clock:  clk,
		log:    log.With(logx.String("component", "postpone")),
	}
}

// Schedule postpones n by delayMinutes from now. created is false when an
// identical postpone already existed; the existing record is returned.
func (l *Ledger) Schedule(ctx context.Context, n *model.Notification, delayMinutes int) (*model.NotificationPostpone, bool, error) {
	if delayMinutes <= 0 {
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidDelay, delayMinutes)
	}
	sendAt := l.clock.Now().Add(time.Duration(delayMinutes) * time.Minute)
	return l.ScheduleAt(ctx, n, sendAt, model.PostponeManual)
}

// ScheduleAt records a re-delivery of n at sendAt.
func (l *Ledger) ScheduleAt(ctx context.Context, n *model.Notification, sendAt time.Time, kind model.PostponeKind) (*model.NotificationPostpone, bool, error) {
	key := slotOf(n.ID, sendAt)

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.bySlot[key]; ok {
		existing := l.byID[id]
		l.log.Debug("postpone already scheduled",
			logx.String("notification", n.ID),
			logx.String("postpone", id),
			logx.Time("send_at", existing.SendAt))
		cp := *existing
		return &cp, false, nil
	}

	p := &model.NotificationPostpone{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		UserID:         n.UserID,
		SendAt:         sendAt,
		Kind:           kind,
		CreatedAt:      l.clock.Now(),
	}
	if l.store != nil {
		if err := l.store.SavePostpone(ctx, p); err != nil {
			return nil, false, fmt.Errorf("save postpone: %w", err)
		}
	}
	l.byID[p.ID] = p
	l.bySlot[key] = p.ID

	l.log.Info("postpone scheduled",
		logx.String("notification", n.ID),
		logx.String("postpone", p.ID),
		logx.String("kind", string(kind)),
		logx.Time("send_at", sendAt))
	cp := *p
	return &cp, true, nil
}

// Cancel removes a pending postpone. Unknown or already fired ids return false.
func (l *Ledger) Cancel(ctx context.Context, id string) bool {
	return l.remove(ctx, id, "cancelled")
}

// Fire consumes a due postpone. Only the first caller for an id gets true.
func (l *Ledger) Fire(ctx context.Context, id string) bool {
	return l.remove(ctx, id, "fired")
}

// Requeue puts a fired postpone back under its original id and send time.
// It returns false when the id or its slot is already taken again.
func (l *Ledger) Requeue(ctx context.Context, p *model.NotificationPostpone) (bool, error) {
	key := slotOf(p.NotificationID, p.SendAt)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[p.ID]; ok {
		return false, nil
	}
	if _, ok := l.bySlot[key]; ok {
		return false, nil
	}
	cp := *p
	if l.store != nil {
		if err := l.store.SavePostpone(ctx, &cp); err != nil {
			return false, fmt.Errorf("save postpone: %w", err)
		}
	}
	l.byID[cp.ID] = &cp
	l.bySlot[key] = cp.ID
	l.log.Debug("postpone requeued", logx.String("postpone", cp.ID), logx.String("notification", cp.NotificationID))
	return true, nil
}

func (l *Ledger) remove(ctx context.Context, id, reason string) bool {
	l.mu.Lock()
	p, ok := l.byID[id]
	if ok {
		delete(l.byID, id)
		delete(l.bySlot, slotOf(p.NotificationID, p.SendAt))
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	l.forget(ctx, id)
	l.log.Debug("postpone "+reason, logx.String("postpone", id), logx.String("notification", p.NotificationID))
	return true
}

func (l *Ledger) forget(ctx context.Context, id string) {
	if l.store == nil {
		return
	}
	if err := l.store.DeletePostpone(ctx, id); err != nil {
		l.log.Warn("delete postpone", logx.String("postpone", id), logx.Err(err))
	}
}

// CancelForNotification drops every pending postpone of a notification.
func (l *Ledger) CancelForNotification(ctx context.Context, notificationID string) int {
	var ids []string
	l.mu.Lock()
	for id, p := range l.byID {
		if p.NotificationID == notificationID {
			ids = append(ids, id)
			delete(l.byID, id)
			delete(l.bySlot, slotOf(p.NotificationID, p.SendAt))
		}
	}
	l.mu.Unlock()
	for _, id := range ids {
		l.forget(ctx, id)
	}
	if len(ids) > 0 {
		l.log.Debug("postpones cancelled", logx.String("notification", notificationID), logx.Int("count", len(ids)))
	}
	return len(ids)
}

// DueAt lists pending postpones with SendAt <= instant, oldest first.
func (l *Ledger) DueAt(instant time.Time) []*model.NotificationPostpone {
	return l.collect(func(p *model.NotificationPostpone) bool { return !p.SendAt.After(instant) })
}

// Pending lists the pending postpones of one notification.
func (l *Ledger) Pending(notificationID string) []*model.NotificationPostpone {
	return l.collect(func(p *model.NotificationPostpone) bool { return p.NotificationID == notificationID })
}

// Get returns a copy of a pending postpone.
func (l *Ledger) Get(id string) (*model.NotificationPostpone, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Len is the number of pending postpones.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

func (l *Ledger) collect(match func(*model.NotificationPostpone) bool) []*model.NotificationPostpone {
	l.mu.Lock()
	out := make([]*model.NotificationPostpone, 0)
	for _, p := range l.byID {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SendAt.Equal(out[j].SendAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SendAt.Before(out[j].SendAt)
	})
	return out
}

// ChainReminder schedules the next reminder after a successful delivery.
// It returns (nil, false, nil) when the message needs no further reminder.
func (l *Ledger) ChainReminder(ctx context.Context, n *model.Notification, msg *model.Message, now time.Time) (*model.NotificationPostpone, bool, error) {
	if msg == nil || !msg.RemindersEnabled() {
		return nil, false, nil
	}
	if n.State.Terminal() || n.ReadAt != nil || n.RemindersSent >= msg.MaxReminders {
		return nil, false, nil
	}
	for _, p := range l.Pending(n.ID) {
		if p.Kind == model.PostponeReminder {
			return p, false, nil
		}
	}
	return l.ScheduleAt(ctx, n, now.Add(time.Duration(msg.RemindEveryMinutes)*time.Minute), model.PostponeReminder)
}

// Restore reloads pending postpones from the store.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	items, err := l.store.ListPostpones(ctx)
	if err != nil {
		return 0, fmt.Errorf("list postpones: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range items {
		key := slotOf(p.NotificationID, p.SendAt)
		if _, dup := l.bySlot[key]; dup {
			continue
		}
		l.byID[p.ID] = p
		l.bySlot[key] = p.ID
	}
	return len(l.byID), nil
}
