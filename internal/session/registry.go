// Package session is the per-process registry of live client sessions.
//
// Sessions are keyed by user and live exactly as long as the subscriber
// (typically an SSE connection) keeps them open. Admin sessions receive
// every event regardless of user.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/dispatch"
	"github.com/bark-labs/bark-notify-hub/internal/model"
)

// ErrNoSession is returned when a local delivery finds no open session.
var ErrNoSession = errors.New("no active session")

// Event is a small JSON-serialisable signal pushed to sessions.
type Event struct {
	Type   string    `json:"type"`
	UserID string    `json:"userId,omitempty"`
	Time   time.Time `json:"time"`
	Data   any       `json:"data,omitempty"`
}

const (
	EventNotification = "notification"
	EventState        = "state"
	EventSnooze       = "snooze"
)

type subscriber struct {
	userID string
	admin  bool
	ch     chan Event
}

// Registry fans events out to live sessions. Publishing never blocks;
// slow subscribers drop events.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[uint64]*subscriber
	admins map[uint64]*subscriber
	seq    atomic.Uint64
	buffer int
}

// NewRegistry builds an empty registry with per-session buffer size.
func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = 16
	}
	return &Registry{
		byUser: make(map[string]map[uint64]*subscriber),
		admins: make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Subscribe opens a session for userID. admin sessions see all users.
// The returned function closes the session and is safe to call twice.
func (r *Registry) Subscribe(userID string, admin bool) (<-chan Event, func()) {
	sub := &subscriber{userID: userID, admin: admin, ch: make(chan Event, r.buffer)}
	id := r.seq.Add(1)

	r.mu.Lock()
	if admin {
		r.admins[id] = sub
	} else {
		if r.byUser[userID] == nil {
			r.byUser[userID] = make(map[uint64]*subscriber)
		}
		r.byUser[userID][id] = sub
	}
	r.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			r.mu.Lock()
			if admin {
				delete(r.admins, id)
			} else if subs := r.byUser[userID]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(r.byUser, userID)
				}
			}
			r.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Active reports whether userID has at least one open session.
func (r *Registry) Active(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.admins)
	for _, subs := range r.byUser {
		n += len(subs)
	}
	return n
}

// Publish sends ev to the user's sessions and to admin sessions. It
// returns how many user sessions accepted the event.
func (r *Registry) Publish(userID string, ev Event) int {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.UserID = userID

	r.mu.RLock()
	users := make([]*subscriber, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		users = append(users, s)
	}
	admins := make([]*subscriber, 0, len(r.admins))
	for _, s := range r.admins {
		admins = append(admins, s)
	}
	r.mu.RUnlock()

	var accepted int
	for _, s := range users {
		if offer(s.ch, ev) {
			accepted++
		}
	}
	for _, s := range admins {
		offer(s.ch, ev)
	}
	return accepted
}

func offer(ch chan Event, ev Event) (ok bool) {
	// a concurrent unsubscribe may close ch
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// NotifyLocal delivers a payload in-app to the device owner's sessions.
func (r *Registry) NotifyLocal(ctx context.Context, device *model.UserDevice, payload dispatch.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Publish(device.UserID, Event{Type: EventNotification, Data: payload}) == 0 {
		return dispatch.Transient(ErrNoSession)
	}
	return nil
}

// PublishState announces a notification state change.
func (r *Registry) PublishState(n *model.Notification) {
	r.Publish(n.UserID, Event{
		Type: EventState,
		Data: map[string]any{
			"notificationId": n.ID,
			"state":          n.State,
			"error":          n.Error,
		},
	})
}
