// Package engine exposes the mutation entry points of the delivery
// scheduler and wires the evaluator, ledger, state machine, dispatcher and
// rescheduler together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bark-labs/bark-notify-hub/internal/clock"
	"github.com/bark-labs/bark-notify-hub/internal/delivery"
	"github.com/bark-labs/bark-notify-hub/internal/dispatch"
	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/mute"
	"github.com/bark-labs/bark-notify-hub/internal/postpone"
	"github.com/bark-labs/bark-notify-hub/internal/reschedule"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrForbidden       = errors.New("no read access to bucket")
)

// Store is the persistence the engine reads collaborators from.
type Store interface {
	storage.MessageStore
	storage.SubscriptionStore
	GetBucket(ctx context.Context, id string) (*model.Bucket, error)
	AppendDeliveryLog(ctx context.Context, log *model.DeliveryLog) error
}

// PermissionResolver decides whether a user may receive a bucket's messages.
type PermissionResolver interface {
	CanRead(ctx context.Context, userID, bucketID string) (bool, error)
}

// Publisher is notified of every state change.
type Publisher interface {
	PublishState(n *model.Notification)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store       Store
	Permissions PermissionResolver
	Machine     *delivery.Machine
	Ledger      *postpone.Ledger
	Dispatcher  *dispatch.Dispatcher
	Events      Publisher
	Clock       clock.Clock
	Log         logx.Logger
}

// Options tune the engine.
type Options struct {
	Location *time.Location
	Workers  int
	Sweep    reschedule.Config
}

// Engine is the scheduling and delivery core.
type Engine struct {
	store      Store
	perms      PermissionResolver
	machine    *delivery.Machine
	ledger     *postpone.Ledger
	dispatcher *dispatch.Dispatcher
	sweep      *reschedule.Rescheduler
	events     Publisher
	clock      clock.Clock
	loc        *time.Location
	workers    int
	subs       subscriptionLocks
	log        logx.Logger
}

// New builds an engine and its rescheduler.
func New(deps Deps, opts Options) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	e := &Engine{
		store:      deps.Store,
		perms:      deps.Permissions,
		machine:    deps.Machine,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		clock:      deps.Clock,
		loc:        opts.Location,
		workers:    opts.Workers,
		log:        deps.Log.With(logx.String("component", "engine")),
	}
	e.sweep = reschedule.New(deps.Ledger, deps.Machine, e, e, deps.Clock, opts.Sweep, deps.Log)
	return e
}

// Restore reloads notifications and postpones persisted by a previous run.
func (e *Engine) Restore(ctx context.Context) error {
	notifications, err := e.machine.Restore(ctx)
	if err != nil {
		return err
	}
	postpones, err := e.ledger.Restore(ctx)
	if err != nil {
		return err
	}
	e.log.Info("state restored", logx.Int("notifications", notifications), logx.Int("postpones", postpones))
	return nil
}

// Start launches the periodic sweep.
func (e *Engine) Start(ctx context.Context) error { return e.sweep.Start(ctx) }

// Stop halts the periodic sweep.
func (e *Engine) Stop() { e.sweep.Stop() }

// Tick runs one sweep immediately.
func (e *Engine) Tick(ctx context.Context) []reschedule.Action {
	return e.sweep.Tick(ctx, e.clock.Now())
}

// OnMessageCreated fans msg out to its recipients, creating one
// notification each and delivering those that are not muted.
func (e *Engine) OnMessageCreated(ctx context.Context, msg *model.Message) ([]*model.Notification, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	msg.CreatedAt = e.clock.Now()
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	recipients, err := e.recipients(ctx, msg)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		out  []*model.Notification
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(e.workers)
	for _, userID := range recipients {
		g.Go(func() error {
			n, err := e.notify(ctx, msg, userID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("recipient %s: %w", userID, err))
			}
			if n != nil {
				out = append(out, n)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })

	e.log.Info("message fanned out",
		logx.String("message", msg.ID),
		logx.String("bucket", msg.BucketID),
		logx.Int("recipients", len(out)))
	return out, errors.Join(errs...)
}

func validateMessage(msg *model.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(msg.BucketID) == "" {
		return fmt.Errorf("%w: bucketId is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(msg.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	switch msg.DeliveryType {
	case "":
		msg.DeliveryType = model.DeliveryNormal
	case model.DeliveryNormal, model.DeliveryCritical, model.DeliverySilent:
	default:
		return fmt.Errorf("%w: unknown deliveryType %q", ErrInvalidArgument, msg.DeliveryType)
	}
	if msg.MaxReminders < 0 || msg.RemindEveryMinutes < 0 {
		return fmt.Errorf("%w: reminder settings must not be negative", ErrInvalidArgument)
	}
	for _, m := range slices.Concat(msg.Postpones, msg.Snoozes) {
		if m <= 0 {
			return fmt.Errorf("%w: postpone and snooze offsets must be positive", ErrInvalidArgument)
		}
	}
	return nil
}

// recipients resolves the explicit user subset or every subscriber and the
// owner, then drops users without read access.
func (e *Engine) recipients(ctx context.Context, msg *model.Message) ([]string, error) {
	candidates := slices.Clone(msg.UserIDs)
	if len(candidates) == 0 {
		subs, err := e.store.ListUserBuckets(ctx, msg.BucketID)
		if err != nil {
			return nil, fmt.Errorf("list subscribers: %w", err)
		}
		for _, ub := range subs {
			candidates = append(candidates, ub.UserID)
		}
		bucket, err := e.store.GetBucket(ctx, msg.BucketID)
		switch {
		case err == nil:
			candidates = append(candidates, bucket.OwnerID)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("get bucket: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	var out []string
	for _, userID := range candidates {
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		ok, err := e.perms.CanRead(ctx, userID, msg.BucketID)
		if err != nil {
			e.log.Warn("permission check failed", logx.String("user", userID), logx.String("bucket", msg.BucketID), logx.Err(err))
			continue
		}
		if !ok {
			e.log.Debug("recipient without access skipped", logx.String("user", userID), logx.String("bucket", msg.BucketID))
			continue
		}
		out = append(out, userID)
	}
	return out, nil
}

func (e *Engine) notify(ctx context.Context, msg *model.Message, userID string) (*model.Notification, error) {
	n, err := e.machine.Create(ctx, msg, userID)
	if err != nil {
		return nil, err
	}
	muted := false
	if !msg.Critical() {
		muted, err = e.mutedFor(ctx, userID, msg.BucketID, e.clock.Now())
		if err != nil {
			e.log.Warn("mute lookup failed, delivering", logx.String("notification", n.ID), logx.Err(err))
			muted = false
		}
	}
	if n, err = e.machine.Evaluate(ctx, n.ID, muted, msg.Critical()); err != nil {
		return nil, err
	}
	e.publish(n)
	if n.State != model.StateEligible {
		return n, nil
	}
	delivered, err := e.deliver(ctx, n.ID, msg, delivery.ReasonInitial)
	if errors.Is(err, delivery.ErrInvalidTransition) || errors.Is(err, delivery.ErrStaleDispatch) {
		// another actor took over the notification
		return e.machine.Get(n.ID)
	}
	return delivered, err
}

// Muted reports whether n's recipient is inside a mute window at now.
func (e *Engine) Muted(ctx context.Context, n *model.Notification, now time.Time) (bool, error) {
	msg, err := e.store.GetMessage(ctx, n.MessageID)
	if err != nil {
		return false, err
	}
	if msg.Critical() {
		return false, nil
	}
	return e.mutedFor(ctx, n.UserID, n.BucketID, now)
}

func (e *Engine) mutedFor(ctx context.Context, userID, bucketID string, now time.Time) (bool, error) {
	ub, err := e.store.FindUserBucket(ctx, userID, bucketID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return mute.IsMuted(mute.StateOf(ub, e.loc), now), nil
}

// Deliver runs one dispatch of a known notification.
func (e *Engine) Deliver(ctx context.Context, id string, reason delivery.Reason) (*model.Notification, error) {
	n, err := e.machine.Get(id)
	if err != nil {
		return nil, err
	}
	msg, err := e.store.GetMessage(ctx, n.MessageID)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", n.MessageID, err)
	}
	return e.deliver(ctx, id, msg, reason)
}

func (e *Engine) deliver(ctx context.Context, id string, msg *model.Message, reason delivery.Reason) (*model.Notification, error) {
	ticket, err := e.machine.BeginDispatch(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	n, err := e.machine.Get(id)
	if err != nil {
		return nil, e.abort(ctx, ticket, err)
	}
	payload := dispatch.Render(msg, n)
	payload.Reminder = reason == delivery.ReasonReminder

	res := e.dispatcher.Dispatch(ctx, dispatch.Target{
		NotificationID: id,
		Payload:        payload,
		Exclude:        n.ExcludedDevices,
	}, []string{n.UserID})
	e.record(ctx, n, msg, res)

	if res.LookupOnly() {
		// nothing was attempted, the retry sweep picks it up again
		cause := lookupError(res)
		if err := e.abort(ctx, ticket, cause); !errors.Is(err, cause) {
			return nil, err
		}
		current, _ := e.machine.Get(id)
		return current, cause
	}

	done, err := e.machine.Complete(ctx, ticket, delivery.Attempt{
		Delivered: res.Delivered(),
		Failed:    res.Failures(),
		Permanent: res.Permanent(),
		Lookup:    res.LookupFailures(),
	})
	if errors.Is(err, delivery.ErrStaleDispatch) {
		e.log.Info("dispatch result discarded", logx.String("notification", id))
		current, _ := e.machine.Get(id)
		return current, err
	}
	if err != nil {
		return nil, e.abort(ctx, ticket, err)
	}
	if res.Succeeded() {
		if _, _, err := e.ledger.ChainReminder(ctx, done, msg, e.clock.Now()); err != nil {
			e.log.Warn("chain reminder", logx.String("notification", id), logx.Err(err))
		}
	}
	e.publish(done)
	return done, nil
}

// abort hands an unfinished dispatch back to ELIGIBLE and returns cause,
// or the stale-dispatch error when another actor already moved it on.
func (e *Engine) abort(ctx context.Context, ticket delivery.Ticket, cause error) error {
	n, err := e.machine.Abort(ctx, ticket, cause)
	if err != nil {
		return err
	}
	e.log.Warn("dispatch aborted", logx.String("notification", n.ID), logx.Err(cause))
	e.publish(n)
	return cause
}

func lookupError(res dispatch.Result) error {
	errs := make([]error, 0, len(res.LookupErrors))
	for userID, err := range res.LookupErrors {
		errs = append(errs, fmt.Errorf("list devices of %s: %w", userID, err))
	}
	return errors.Join(errs...)
}

func (e *Engine) record(ctx context.Context, n *model.Notification, msg *model.Message, res dispatch.Result) {
	for _, out := range res.PerDevice {
		entry := &model.DeliveryLog{
			NotificationID: n.ID,
			MessageID:      msg.ID,
			UserID:         n.UserID,
			BucketID:       n.BucketID,
			DeviceID:       out.DeviceID,
			Platform:       out.Platform,
			Title:          msg.Title,
			Status:         string(out.Status),
			Result:         string(out.Channel),
			CreatedAt:      e.clock.Now(),
		}
		if out.Err != nil {
			entry.Result = out.Err.Error()
		}
		if err := e.store.AppendDeliveryLog(ctx, entry); err != nil {
			e.log.Warn("append delivery log", logx.String("notification", n.ID), logx.Err(err))
		}
	}
}

func (e *Engine) publish(n *model.Notification) {
	if e.events != nil && n != nil {
		e.events.PublishState(n)
	}
}

// OnDeviceAcknowledged records a receipt or read from a device. A read
// also drops pending postpones and reminders.
func (e *Engine) OnDeviceAcknowledged(ctx context.Context, notificationID, deviceID string, kind model.AckKind) (*model.Notification, error) {
	if kind != model.AckReceived && kind != model.AckRead {
		return nil, fmt.Errorf("%w: unknown acknowledgement %q", ErrInvalidArgument, kind)
	}
	n, err := e.machine.Acknowledge(ctx, notificationID, deviceID, kind)
	if err != nil {
		return nil, err
	}
	if kind == model.AckRead {
		e.ledger.CancelForNotification(ctx, notificationID)
	}
	e.publish(n)
	return n, nil
}

// OnPostponeRequested schedules a re-delivery minutes from now.
func (e *Engine) OnPostponeRequested(ctx context.Context, notificationID string, minutes int) (*model.NotificationPostpone, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("%w: minutes must be positive", ErrInvalidArgument)
	}
	n, err := e.machine.Get(notificationID)
	if err != nil {
		return nil, err
	}
	if n.State.Terminal() {
		return nil, fmt.Errorf("postpone notification %s in state %s: %w", n.ID, n.State, delivery.ErrInvalidTransition)
	}
	p, _, err := e.ledger.Schedule(ctx, n, minutes)
	return p, err
}

// CancelPostpone drops a pending postpone; false when unknown or fired.
func (e *Engine) CancelPostpone(ctx context.Context, postponeID string) bool {
	return e.ledger.Cancel(ctx, postponeID)
}

// OnSnoozeChanged re-checks the MUTED notifications of one subscription.
func (e *Engine) OnSnoozeChanged(ctx context.Context, userBucketID string) ([]reschedule.Action, error) {
	ub, err := e.store.GetUserBucket(ctx, userBucketID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range e.machine.List(func(n *model.Notification) bool {
		return n.State == model.StateMuted && n.UserID == ub.UserID && n.BucketID == ub.BucketID
	}) {
		ids = append(ids, n.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return e.sweep.Reevaluate(ctx, ids, e.clock.Now()), nil
}

// DeleteNotification cancels a notification and its pending postpones.
func (e *Engine) DeleteNotification(ctx context.Context, id string) (*model.Notification, error) {
	n, err := e.machine.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	e.ledger.CancelForNotification(ctx, id)
	e.publish(n)
	return n, nil
}

// DeleteNotifications cancels many notifications. Unknown ids are skipped.
func (e *Engine) DeleteNotifications(ctx context.Context, ids []string) (int, error) {
	var (
		deleted int
		errs    []error
	)
	for _, id := range ids {
		_, err := e.DeleteNotification(ctx, id)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, storage.ErrNotFound):
			e.log.Debug("delete of unknown notification", logx.String("notification", id))
		default:
			errs = append(errs, err)
		}
	}
	return deleted, errors.Join(errs...)
}

// Notification returns a snapshot of one notification.
func (e *Engine) Notification(id string) (*model.Notification, error) {
	return e.machine.Get(id)
}

// Notifications lists a user's notifications, newest first.
func (e *Engine) Notifications(userID string) []*model.Notification {
	return e.machine.List(func(n *model.Notification) bool { return userID == "" || n.UserID == userID })
}

// Postpones lists the pending postpones of a notification.
func (e *Engine) Postpones(notificationID string) []*model.NotificationPostpone {
	return e.ledger.Pending(notificationID)
}

// Postpone returns one pending postpone.
func (e *Engine) Postpone(id string) (*model.NotificationPostpone, error) {
	p, ok := e.ledger.Get(id)
	if !ok {
		return nil, fmt.Errorf("postpone %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

// Stats tallies notifications per state and pending postpones.
func (e *Engine) Stats() (map[model.NotificationState]int, int) {
	return e.machine.CountByState(), e.ledger.Len()
}
