package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketDevices       = []byte("devices")
	bucketBuckets       = []byte("buckets")
	bucketPermissions   = []byte("permissions")
	bucketUserBuckets   = []byte("user_buckets")
	bucketMessages      = []byte("messages")
	bucketNotifications = []byte("notifications")
	bucketPostpones     = []byte("postpones")
	bucketDeliveryLogs  = []byte("delivery_logs")
	errStop             = errors.New("stop iteration")

	allBuckets = [][]byte{
		bucketDevices, bucketBuckets, bucketPermissions, bucketUserBuckets,
		bucketMessages, bucketNotifications, bucketPostpones, bucketDeliveryLogs,
	}
)

// Store is a BoltDB-backed Store implementation.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

func alive(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func put(ctx context.Context, db *bolt.DB, bucket []byte, key string, v any) error {
	if err := alive(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), payload)
	})
}

func get[T any](ctx context.Context, db *bolt.DB, bucket []byte, key string) (*T, error) {
	if err := alive(ctx); err != nil {
		return nil, err
	}
	var out *T
	err := db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		out = &v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%s %s: %w", bucket, key, storage.ErrNotFound)
	}
	return out, nil
}

func list[T any](ctx context.Context, db *bolt.DB, bucket []byte, keep func(*T) bool) ([]*T, error) {
	if err := alive(ctx); err != nil {
		return nil, err
	}
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, raw []byte) error {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			if keep == nil || keep(&v) {
				out = append(out, &v)
			}
			return nil
		})
	})
	return out, err
}

func first[T any](ctx context.Context, db *bolt.DB, bucket []byte, match func(*T) bool) (*T, error) {
	if err := alive(ctx); err != nil {
		return nil, err
	}
	var out *T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, raw []byte) error {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			if match(&v) {
				out = &v
				return errStop
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%s: %w", bucket, storage.ErrNotFound)
	}
	return out, nil
}

func remove(ctx context.Context, db *bolt.DB, bucket []byte, key string) error {
	if err := alive(ctx); err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)
		if bkt.Get([]byte(key)) == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, storage.ErrNotFound)
		}
		return bkt.Delete([]byte(key))
	})
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated != nil {
		*updated = now
	}
}

// UpsertDevice stores or updates a device record keyed by id.
func (s *Store) UpsertDevice(ctx context.Context, device *model.UserDevice) error {
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	stamp(&device.CreatedAt, &device.UpdatedAt)
	return put(ctx, s.db, bucketDevices, device.ID, device)
}

func (s *Store) GetDevice(ctx context.Context, id string) (*model.UserDevice, error) {
	return get[model.UserDevice](ctx, s.db, bucketDevices, id)
}

// GetDeviceByToken finds a device by push token or Bark device key.
func (s *Store) GetDeviceByToken(ctx context.Context, token string) (*model.UserDevice, error) {
	return first(ctx, s.db, bucketDevices, func(d *model.UserDevice) bool {
		return d.DeviceToken == token || (d.DeviceKey != "" && d.DeviceKey == token)
	})
}

func (s *Store) ListDevices(ctx context.Context) ([]*model.UserDevice, error) {
	return list[model.UserDevice](ctx, s.db, bucketDevices, nil)
}

func (s *Store) ListUserDevices(ctx context.Context, userID string) ([]*model.UserDevice, error) {
	return list(ctx, s.db, bucketDevices, func(d *model.UserDevice) bool { return d.UserID == userID })
}

func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	return remove(ctx, s.db, bucketDevices, id)
}

func (s *Store) SaveBucket(ctx context.Context, bucket *model.Bucket) error {
	if bucket.ID == "" {
		bucket.ID = uuid.NewString()
	}
	stamp(&bucket.CreatedAt, nil)
	return put(ctx, s.db, bucketBuckets, bucket.ID, bucket)
}

func (s *Store) GetBucket(ctx context.Context, id string) (*model.Bucket, error) {
	return get[model.Bucket](ctx, s.db, bucketBuckets, id)
}

func (s *Store) SavePermission(ctx context.Context, perm *model.EntityPermission) error {
	if perm.ID == "" {
		perm.ID = uuid.NewString()
	}
	return put(ctx, s.db, bucketPermissions, perm.ID, perm)
}

func (s *Store) ListPermissions(ctx context.Context, bucketID string) ([]*model.EntityPermission, error) {
	return list(ctx, s.db, bucketPermissions, func(p *model.EntityPermission) bool { return p.BucketID == bucketID })
}

// CanRead grants access to the owner, to anyone on a public bucket and to
// users holding any permission on a shared one.
func (s *Store) CanRead(ctx context.Context, userID, bucketID string) (bool, error) {
	bucket, err := s.GetBucket(ctx, bucketID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if bucket.OwnerID == userID || bucket.IsPublic {
		return true, nil
	}
	perms, err := s.ListPermissions(ctx, bucketID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.UserID == userID && p.Allows() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SaveUserBucket(ctx context.Context, ub *model.UserBucket) error {
	if ub.ID == "" {
		ub.ID = uuid.NewString()
	}
	stamp(&ub.CreatedAt, &ub.UpdatedAt)
	return put(ctx, s.db, bucketUserBuckets, ub.ID, ub)
}

func (s *Store) GetUserBucket(ctx context.Context, id string) (*model.UserBucket, error) {
	return get[model.UserBucket](ctx, s.db, bucketUserBuckets, id)
}

func (s *Store) FindUserBucket(ctx context.Context, userID, bucketID string) (*model.UserBucket, error) {
	return first(ctx, s.db, bucketUserBuckets, func(ub *model.UserBucket) bool {
		return ub.UserID == userID && ub.BucketID == bucketID
	})
}

func (s *Store) ListUserBuckets(ctx context.Context, bucketID string) ([]*model.UserBucket, error) {
	return list(ctx, s.db, bucketUserBuckets, func(ub *model.UserBucket) bool { return ub.BucketID == bucketID })
}

func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	stamp(&msg.CreatedAt, nil)
	return put(ctx, s.db, bucketMessages, msg.ID, msg)
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return get[model.Message](ctx, s.db, bucketMessages, id)
}

func (s *Store) SaveNotification(ctx context.Context, n *model.Notification) error {
	return put(ctx, s.db, bucketNotifications, n.ID, n)
}

func (s *Store) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	return get[model.Notification](ctx, s.db, bucketNotifications, id)
}

func (s *Store) ListNotifications(ctx context.Context) ([]*model.Notification, error) {
	return list[model.Notification](ctx, s.db, bucketNotifications, nil)
}

func (s *Store) SavePostpone(ctx context.Context, p *model.NotificationPostpone) error {
	return put(ctx, s.db, bucketPostpones, p.ID, p)
}

// DeletePostpone is a no-op for unknown ids; the ledger treats deletion as
// best effort.
func (s *Store) DeletePostpone(ctx context.Context, id string) error {
	err := remove(ctx, s.db, bucketPostpones, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) ListPostpones(ctx context.Context) ([]*model.NotificationPostpone, error) {
	return list[model.NotificationPostpone](ctx, s.db, bucketPostpones, nil)
}

// AppendDeliveryLog stores a dispatch attempt under a sequential id.
func (s *Store) AppendDeliveryLog(ctx context.Context, log *model.DeliveryLog) error {
	if err := alive(ctx); err != nil {
		return err
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDeliveryLogs)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		log.ID = id
		payload, err := json.Marshal(log)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		return bkt.Put(key, payload)
	})
}

func (s *Store) ListDeliveryLogs(ctx context.Context) ([]*model.DeliveryLog, error) {
	return list[model.DeliveryLog](ctx, s.db, bucketDeliveryLogs, nil)
}
