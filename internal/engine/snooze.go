package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/mute"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
)

// muteHorizon bounds the search for the end of a mute window.
const muteHorizon = 8 * 24 * time.Hour

// MuteStatus describes the current mute state of a subscription.
type MuteStatus struct {
	Muted bool       `json:"muted"`
	Until *time.Time `json:"until,omitempty"`
}

// Subscription returns the user's subscription to bucketID, creating an
// empty one in memory when the user has access but none is stored yet.
func (e *Engine) Subscription(ctx context.Context, bucketID, userID string) (*model.UserBucket, error) {
	ok, err := e.perms.CanRead(ctx, userID, bucketID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("user %s bucket %s: %w", userID, bucketID, ErrForbidden)
	}
	ub, err := e.store.FindUserBucket(ctx, userID, bucketID)
	if errors.Is(err, storage.ErrNotFound) {
		return &model.UserBucket{UserID: userID, BucketID: bucketID}, nil
	}
	return ub, err
}

// Subscribe persists the user's subscription so bucket-wide messages
// reach them. Existing snooze state is kept.
func (e *Engine) Subscribe(ctx context.Context, bucketID, userID string) (*model.UserBucket, error) {
	return e.mutateSubscription(ctx, bucketID, userID, func(*model.UserBucket) error { return nil })
}

// SetBucketSnooze sets or clears (nil) the absolute snooze of a subscription.
func (e *Engine) SetBucketSnooze(ctx context.Context, bucketID, userID string, until *time.Time) (*model.UserBucket, error) {
	return e.mutateSubscription(ctx, bucketID, userID, func(ub *model.UserBucket) error {
		if until != nil {
			t := until.UTC()
			until = &t
		}
		ub.SnoozeUntil = until
		return nil
	})
}

// SetBucketSnoozeMinutes snoozes a subscription for minutes from now; zero
// clears the snooze.
func (e *Engine) SetBucketSnoozeMinutes(ctx context.Context, bucketID, userID string, minutes int) (*model.UserBucket, error) {
	if minutes < 0 {
		return nil, fmt.Errorf("%w: minutes must not be negative", ErrInvalidArgument)
	}
	var until *time.Time
	if minutes > 0 {
		t := e.clock.Now().Add(time.Duration(minutes) * time.Minute)
		until = &t
	}
	return e.SetBucketSnooze(ctx, bucketID, userID, until)
}

// UpdateBucketSnoozes replaces the recurring schedules of a subscription.
// An empty timezone keeps the current one.
func (e *Engine) UpdateBucketSnoozes(ctx context.Context, bucketID, userID string, schedules []model.SnoozeSchedule, timezone string) (*model.UserBucket, error) {
	schedules, err := mute.NormalizeSchedules(schedules)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if timezone != "" {
		tz, err := mute.ValidateTZ(timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone: %v", ErrInvalidArgument, err)
		}
		timezone = tz
	}
	return e.mutateSubscription(ctx, bucketID, userID, func(ub *model.UserBucket) error {
		ub.Snoozes = schedules
		if timezone != "" {
			ub.Timezone = timezone
		}
		return nil
	})
}

// subscriptionLocks serializes read-modify-write cycles per (user, bucket).
type subscriptionLocks struct {
	mu    sync.Mutex
	locks map[[2]string]*sync.Mutex
}

func (s *subscriptionLocks) lock(userID, bucketID string) func() {
	key := [2]string{userID, bucketID}
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[[2]string]*sync.Mutex)
	}
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) mutateSubscription(ctx context.Context, bucketID, userID string, fn func(*model.UserBucket) error) (*model.UserBucket, error) {
	ub, err := e.saveSubscription(ctx, bucketID, userID, fn)
	if err != nil {
		return nil, err
	}
	actions, err := e.OnSnoozeChanged(ctx, ub.ID)
	if err != nil {
		return nil, err
	}
	if len(actions) > 0 {
		e.log.Info("snooze change released notifications",
			logx.String("user", userID),
			logx.String("bucket", bucketID),
			logx.Int("count", len(actions)))
	}
	return ub, nil
}

func (e *Engine) saveSubscription(ctx context.Context, bucketID, userID string, fn func(*model.UserBucket) error) (*model.UserBucket, error) {
	unlock := e.subs.lock(userID, bucketID)
	defer unlock()

	ub, err := e.Subscription(ctx, bucketID, userID)
	if err != nil {
		return nil, err
	}
	if err := fn(ub); err != nil {
		return nil, err
	}
	if err := e.store.SaveUserBucket(ctx, ub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return ub, nil
}

// MuteStatus reports whether the subscription is muted now and, when it
// is, the instant the mute ends within the next week.
func (e *Engine) MuteStatus(ctx context.Context, bucketID, userID string) (MuteStatus, error) {
	ub, err := e.Subscription(ctx, bucketID, userID)
	if err != nil {
		return MuteStatus{}, err
	}
	state := mute.StateOf(ub, e.loc)
	now := e.clock.Now()
	status := MuteStatus{Muted: mute.IsMuted(state, now)}
	if status.Muted {
		if until, ok := mute.NextChange(state, now, muteHorizon); ok {
			status.Until = &until
		}
	}
	return status, nil
}
