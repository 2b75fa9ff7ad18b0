// Package reschedule runs the periodic sweep that fires due postpones and
// releases notifications whose mute window has ended.
package reschedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bark-labs/bark-notify-hub/internal/clock"
	"github.com/bark-labs/bark-notify-hub/internal/delivery"
	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
)

// Ledger is the postpone view the sweep needs.
type Ledger interface {
	DueAt(instant time.Time) []*model.NotificationPostpone
	Fire(ctx context.Context, id string) bool
	Requeue(ctx context.Context, p *model.NotificationPostpone) (bool, error)
}

// Machine is the lifecycle view the sweep needs.
type Machine interface {
	IDsIn(states ...model.NotificationState) []string
	Get(id string) (*model.Notification, error)
	Release(ctx context.Context, id string) (*model.Notification, error)
}

// MuteChecker decides whether a notification's recipient is muted now.
type MuteChecker interface {
	Muted(ctx context.Context, n *model.Notification, now time.Time) (bool, error)
}

// Deliverer runs a full dispatch of a notification.
type Deliverer interface {
	Deliver(ctx context.Context, id string, reason delivery.Reason) (*model.Notification, error)
}

// ActionKind classifies what the sweep did with a notification.
type ActionKind string

const (
	ActionPostponeFired ActionKind = "postpone_fired"
	ActionReleased      ActionKind = "released"
	ActionRetried       ActionKind = "retried"
)

// Action is one unit of work performed by a sweep.
type Action struct {
	Kind           ActionKind
	NotificationID string
	PostponeID     string
	State          model.NotificationState
	Err            error
}

// Config configures the periodic driver.
type Config struct {
	Spec    string
	Workers int
}

// Rescheduler sweeps the ledger and the MUTED set.
type Rescheduler struct {
	ledger  Ledger
	machine Machine
	mute    MuteChecker
	deliver Deliverer
	clock   clock.Clock
	cfg     Config
	log     logx.Logger

	running sync.Mutex

	mu   sync.Mutex
	cron *cron.Cron
}

// New wires a rescheduler.
func New(ledger Ledger, machine Machine, mute MuteChecker, deliver Deliverer, clk clock.Clock, cfg Config, log logx.Logger) *Rescheduler {
	if cfg.Spec == "" {
		cfg.Spec = "@every 1m"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Rescheduler{
		ledger:  ledger,
		machine: machine,
		mute:    mute,
		deliver: deliver,
		clock:   clk,
		cfg:     cfg,
		log:     log.With(logx.String("component", "reschedule")),
	}
}

type workItem struct {
	id       string
	kind     ActionKind
	postpone *model.NotificationPostpone
	reason   delivery.Reason
}

// Tick performs one sweep at now. A sweep still running when the next one
// starts causes the new one to be skipped.
func (r *Rescheduler) Tick(ctx context.Context, now time.Time) []Action {
	if !r.running.TryLock() {
		r.log.Warn("sweep still running, tick skipped")
		return nil
	}
	defer r.running.Unlock()

	items := make(map[string]workItem)
	for _, p := range r.ledger.DueAt(now) {
		if !r.ledger.Fire(ctx, p.ID) {
			continue
		}
		reason := delivery.ReasonPostpone
		if p.Kind == model.PostponeReminder {
			reason = delivery.ReasonReminder
		}
		if prev, ok := items[p.NotificationID]; ok && prev.reason == delivery.ReasonReminder {
			continue
		}
		items[p.NotificationID] = workItem{id: p.NotificationID, kind: ActionPostponeFired, postpone: p, reason: reason}
	}
	for _, id := range r.machine.IDsIn(model.StateMuted) {
		if _, ok := items[id]; !ok {
			items[id] = workItem{id: id, kind: ActionReleased, reason: delivery.ReasonRelease}
		}
	}
	for _, id := range r.machine.IDsIn(model.StateEligible) {
		if _, ok := items[id]; !ok {
			items[id] = workItem{id: id, kind: ActionRetried, reason: delivery.ReasonRetry}
		}
	}

	actions := r.run(ctx, now, items)
	if len(actions) > 0 {
		r.log.Info("sweep finished", logx.Int("actions", len(actions)), logx.Time("at", now))
	}
	return actions
}

// Reevaluate re-checks the mute window of the given notifications outside
// the periodic sweep. It waits for a running sweep to finish.
func (r *Rescheduler) Reevaluate(ctx context.Context, ids []string, now time.Time) []Action {
	r.running.Lock()
	defer r.running.Unlock()

	items := make(map[string]workItem, len(ids))
	for _, id := range ids {
		items[id] = workItem{id: id, kind: ActionReleased, reason: delivery.ReasonRelease}
	}
	return r.run(ctx, now, items)
}

func (r *Rescheduler) run(ctx context.Context, now time.Time, items map[string]workItem) []Action {
	var (
		mu      sync.Mutex
		actions []Action
		g       errgroup.Group
	)
	g.SetLimit(r.cfg.Workers)
	for _, it := range items {
		g.Go(func() error {
			act, ok := r.process(ctx, now, it)
			if ok {
				mu.Lock()
				actions = append(actions, act)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(actions, func(i, j int) bool { return actions[i].NotificationID < actions[j].NotificationID })
	return actions
}

// process handles one notification. Errors are recorded on the action and
// never stop sibling items.
func (r *Rescheduler) process(ctx context.Context, now time.Time, it workItem) (act Action, ok bool) {
	act = Action{Kind: it.kind, NotificationID: it.id}
	if it.postpone != nil {
		act.PostponeID = it.postpone.ID
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("sweep item panicked", logx.String("notification", it.id), logx.Any("panic", rec))
			act.Err = errors.New("sweep item panicked")
			ok = true
		}
		if act.Err != nil {
			r.log.Warn("sweep item failed",
				logx.String("notification", it.id),
				logx.String("kind", string(it.kind)),
				logx.Err(act.Err))
		}
	}()

	if it.kind == ActionReleased {
		n, err := r.machine.Get(it.id)
		if err != nil {
			act.Err = err
			return act, true
		}
		if n.State != model.StateMuted {
			return act, false
		}
		muted, err := r.mute.Muted(ctx, n, now)
		if err != nil {
			act.Err = err
			return act, true
		}
		if muted {
			return act, false
		}
		if n, err = r.machine.Release(ctx, it.id); err != nil {
			act.Err = err
			return act, true
		}
		act.State = n.State
	}

	n, err := r.deliver.Deliver(ctx, it.id, it.reason)
	if n != nil {
		act.State = n.State
	}
	act.Err = err
	if err != nil && it.postpone != nil && r.retryable(it.id, err) {
		r.requeue(ctx, it.postpone)
	}
	return act, true
}

// retryable reports whether a postpone whose delivery failed should stay
// due. Gone or finished notifications and discarded results drop it.
func (r *Rescheduler) retryable(id string, err error) bool {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, delivery.ErrStaleDispatch) {
		return false
	}
	n, getErr := r.machine.Get(id)
	if getErr != nil {
		return false
	}
	return !n.State.Terminal()
}

func (r *Rescheduler) requeue(ctx context.Context, p *model.NotificationPostpone) {
	if _, err := r.ledger.Requeue(ctx, p); err != nil {
		r.log.Warn("requeue postpone",
			logx.String("postpone", p.ID),
			logx.String("notification", p.NotificationID),
			logx.Err(err))
	}
}

// Start schedules the sweep with the configured cron spec.
func (r *Rescheduler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	cl := logx.CronLogger{Log: r.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(r.cfg.Spec, func() { r.Tick(ctx, r.clock.Now()) }); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.log.Info("rescheduler started", logx.String("spec", r.cfg.Spec))
	return nil
}

// Stop halts the driver and waits for a running sweep.
func (r *Rescheduler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.log.Info("rescheduler stopped")
}
