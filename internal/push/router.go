// Package push adapts the concrete push transports to dispatch.Sender.
package push

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bark-labs/bark-notify-hub/internal/dispatch"
	"github.com/bark-labs/bark-notify-hub/internal/model"
)

// Router picks the sender registered for a device's platform.
type Router struct {
	mu      sync.RWMutex
	senders map[model.Platform]dispatch.Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[model.Platform]dispatch.Sender)}
}

// Handle registers sender for the given platforms.
func (r *Router) Handle(sender dispatch.Sender, platforms ...model.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range platforms {
		r.senders[p] = sender
	}
}

// Platforms reports which platforms have a transport.
func (r *Router) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.senders))
	for p := range r.senders {
		out = append(out, p)
	}
	return out
}

func (r *Router) Send(ctx context.Context, device *model.UserDevice, payload dispatch.Payload) error {
	r.mu.RLock()
	sender, ok := r.senders[device.Platform]
	r.mu.RUnlock()
	if !ok {
		return dispatch.Permanentf("no transport for platform %q", device.Platform)
	}
	return sender.Send(ctx, device, payload)
}

// Limited throttles a sender with a token bucket shared by all devices.
type Limited struct {
	next    dispatch.Sender
	limiter *rate.Limiter
}

// NewLimited allows perSec sends per second with the given burst. A
// non-positive perSec disables throttling.
func NewLimited(next dispatch.Sender, perSec float64, burst int) *Limited {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst <= 0 {
		burst = max(1, int(perSec))
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Send(ctx context.Context, device *model.UserDevice, payload dispatch.Payload) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return dispatch.Transient(err)
	}
	return l.next.Send(ctx, device, payload)
}
