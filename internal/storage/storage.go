package storage

import (
	"context"

	"github.com/bark-labs/bark-notify-hub/internal/model"
)

// DeviceStore persists registered user devices.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, device *model.UserDevice) error
	GetDevice(ctx context.Context, id string) (*model.UserDevice, error)
	GetDeviceByToken(ctx context.Context, token string) (*model.UserDevice, error)
	ListDevices(ctx context.Context) ([]*model.UserDevice, error)
	ListUserDevices(ctx context.Context, userID string) ([]*model.UserDevice, error)
	DeleteDevice(ctx context.Context, id string) error
}

// BucketStore persists buckets and their shared grants.
type BucketStore interface {
	SaveBucket(ctx context.Context, bucket *model.Bucket) error
	GetBucket(ctx context.Context, id string) (*model.Bucket, error)
	SavePermission(ctx context.Context, perm *model.EntityPermission) error
	ListPermissions(ctx context.Context, bucketID string) ([]*model.EntityPermission, error)
	CanRead(ctx context.Context, userID, bucketID string) (bool, error)
}

// SubscriptionStore persists per-(user, bucket) snooze state.
type SubscriptionStore interface {
	SaveUserBucket(ctx context.Context, ub *model.UserBucket) error
	GetUserBucket(ctx context.Context, id string) (*model.UserBucket, error)
	FindUserBucket(ctx context.Context, userID, bucketID string) (*model.UserBucket, error)
	ListUserBuckets(ctx context.Context, bucketID string) ([]*model.UserBucket, error)
}

// MessageStore persists immutable sender content.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
}

// NotificationStore persists per-recipient delivery records.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *model.Notification) error
	GetNotification(ctx context.Context, id string) (*model.Notification, error)
	ListNotifications(ctx context.Context) ([]*model.Notification, error)
}

// PostponeStore persists pending re-deliveries.
type PostponeStore interface {
	SavePostpone(ctx context.Context, p *model.NotificationPostpone) error
	DeletePostpone(ctx context.Context, id string) error
	ListPostpones(ctx context.Context) ([]*model.NotificationPostpone, error)
}

// DeliveryLogStore records per-device dispatch attempts.
type DeliveryLogStore interface {
	AppendDeliveryLog(ctx context.Context, log *model.DeliveryLog) error
	ListDeliveryLogs(ctx context.Context) ([]*model.DeliveryLog, error)
}

// Store is the full persistence surface used by the hub.
type Store interface {
	DeviceStore
	BucketStore
	SubscriptionStore
	MessageStore
	NotificationStore
	PostponeStore
	DeliveryLogStore
	Close() error
}
