// Package dispatch fans a notification out to every device of its
// recipients and aggregates the per-device outcomes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
)

// Sender delivers a payload to one device through a remote transport.
type Sender interface {
	Send(ctx context.Context, device *model.UserDevice, payload Payload) error
}

// LocalNotifier delivers to devices that only accept in-app delivery.
type LocalNotifier interface {
	NotifyLocal(ctx context.Context, device *model.UserDevice, payload Payload) error
}

// DeviceLister resolves the registered devices of a user.
type DeviceLister interface {
	ListUserDevices(ctx context.Context, userID string) ([]*model.UserDevice, error)
}

// Target is one dispatch attempt of a notification.
type Target struct {
	NotificationID string
	Payload        Payload
	Exclude        []string
}

// Status of a single device attempt.
type Status string

const (
	StatusDelivered Status = "DELIVERED"
	StatusTransient Status = "TRANSIENT"
	StatusPermanent Status = "PERMANENT"
)

// Channel names the path a device was reached through.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelLocal Channel = "local"
)

// Outcome is the result for one device.
type Outcome struct {
	DeviceID string
	UserID   string
	Platform model.Platform
	Channel  Channel
	Status   Status
	Err      error
	Elapsed  time.Duration
}

// Result aggregates a fan-out. Device listing failures are kept per user
// and never abort the other recipients.
type Result struct {
	PerDevice    map[string]Outcome
	LookupErrors map[string]error
}

// Delivered lists devices that accepted the payload, sorted.
func (r Result) Delivered() []string {
	return r.devices(func(o Outcome) bool { return o.Status == StatusDelivered })
}

// Permanent lists devices that failed permanently, sorted.
func (r Result) Permanent() []string {
	return r.devices(func(o Outcome) bool { return o.Status == StatusPermanent })
}

// Failures maps failed devices to a readable reason.
func (r Result) Failures() map[string]string {
	out := make(map[string]string)
	for id, o := range r.PerDevice {
		if o.Status != StatusDelivered {
			msg := "unknown error"
			if o.Err != nil {
				msg = o.Err.Error()
			}
			out[id] = msg
		}
	}
	return out
}

// LookupFailures maps recipients whose devices could not be listed to the
// cause.
func (r Result) LookupFailures() map[string]string {
	out := make(map[string]string, len(r.LookupErrors))
	for userID, err := range r.LookupErrors {
		out[userID] = err.Error()
	}
	return out
}

// LookupOnly reports whether the fan-out attempted no device because every
// failure happened while listing devices.
func (r Result) LookupOnly() bool {
	return len(r.PerDevice) == 0 && len(r.LookupErrors) > 0
}

// Succeeded reports whether at least one device accepted the payload.
func (r Result) Succeeded() bool {
	for _, o := range r.PerDevice {
		if o.Status == StatusDelivered {
			return true
		}
	}
	return false
}

func (r Result) devices(keep func(Outcome) bool) []string {
	var ids []string
	for id, o := range r.PerDevice {
		if keep(o) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Config bounds the fan-out.
type Config struct {
	Workers int
	Timeout time.Duration
}

// Dispatcher performs fan-outs.
type Dispatcher struct {
	devices DeviceLister
	sender  Sender
	local   LocalNotifier
	cfg     Config
	log     logx.Logger
}

// New builds a dispatcher. local may be nil, in which case local-only
// devices fail transiently.
func New(devices DeviceLister, sender Sender, local LocalNotifier, cfg Config, log logx.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		devices: devices,
		sender:  sender,
		local:   local,
		cfg:     cfg,
		log:     log.With(logx.String("component", "dispatch")),
	}
}

// Dispatch sends target once to every eligible device of userIDs. Users
// without devices contribute no attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, userIDs []string) Result {
	res := Result{PerDevice: make(map[string]Outcome), LookupErrors: make(map[string]error)}
	excluded := make(map[string]struct{}, len(target.Exclude))
	for _, id := range target.Exclude {
		excluded[id] = struct{}{}
	}

	var targets []*model.UserDevice
	seen := make(map[string]struct{})
	for _, userID := range userIDs {
		list, err := d.devices.ListUserDevices(ctx, userID)
		if err != nil {
			res.LookupErrors[userID] = err
			d.log.Warn("list devices", logx.String("user", userID), logx.Err(err))
			continue
		}
		for _, dev := range list {
			if _, skip := excluded[dev.ID]; skip || !dev.Active() {
				continue
			}
			if _, dup := seen[dev.ID]; dup {
				continue
			}
			seen[dev.ID] = struct{}{}
			targets = append(targets, dev)
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.Workers)
	for _, dev := range targets {
		g.Go(func() error {
			out := d.send(ctx, dev, target.Payload)
			mu.Lock()
			res.PerDevice[dev.ID] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.log.Debug("dispatch finished",
		logx.String("notification", target.NotificationID),
		logx.Int("devices", len(targets)),
		logx.Int("delivered", len(res.Delivered())))
	return res
}

func (d *Dispatcher) send(ctx context.Context, dev *model.UserDevice, p Payload) Outcome {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	out := Outcome{DeviceID: dev.ID, UserID: dev.UserID, Platform: dev.Platform, Channel: ChannelPush}
	start := time.Now()
	var err error
	if dev.OnlyLocal {
		out.Channel = ChannelLocal
		if d.local == nil {
			err = Transient(errors.New("no local delivery channel"))
		} else {
			err = d.local.NotifyLocal(sendCtx, dev, p)
		}
	} else {
		err = d.sender.Send(sendCtx, dev, p)
	}
	out.Elapsed = time.Since(start)

	switch {
	case err == nil:
		out.Status = StatusDelivered
	case IsPermanent(err):
		out.Status = StatusPermanent
		out.Err = err
	case errors.Is(err, context.DeadlineExceeded):
		out.Status = StatusTransient
		out.Err = Transient(fmt.Errorf("timeout after %s", d.cfg.Timeout))
	default:
		out.Status = StatusTransient
		out.Err = err
	}
	if out.Err != nil {
		d.log.Warn("device dispatch failed",
			logx.String("device", dev.ID),
			logx.String("platform", string(dev.Platform)),
			logx.String("status", string(out.Status)),
			logx.Err(out.Err))
	}
	return out
}
