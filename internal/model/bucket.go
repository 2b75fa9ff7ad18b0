package model

import "time"

// Bucket is a named delivery channel with exactly one owner.
type Bucket struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerID     string    `json:"ownerId"`
	IsProtected bool      `json:"isProtected"`
	IsPublic    bool      `json:"isPublic"`
	IsAdmin     bool      `json:"isAdmin"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Permission is a grant level on a shared bucket.
type Permission string

const (
	PermissionRead   Permission = "READ"
	PermissionWrite  Permission = "WRITE"
	PermissionDelete Permission = "DELETE"
	PermissionAdmin  Permission = "ADMIN"
)

// EntityPermission shares a bucket with a user other than its owner.
type EntityPermission struct {
	ID          string       `json:"id"`
	BucketID    string       `json:"bucketId"`
	UserID      string       `json:"userId"`
	Permissions []Permission `json:"permissions"`
}

// Allows reports whether any held permission implies read access.
func (p *EntityPermission) Allows() bool {
	for _, perm := range p.Permissions {
		switch perm {
		case PermissionRead, PermissionWrite, PermissionDelete, PermissionAdmin:
			return true
		}
	}
	return false
}

// SnoozeSchedule is a recurring weekly mute window in local wall-clock time.
// TimeFrom and TimeTill use HH:MM; TimeFrom > TimeTill wraps past midnight.
type SnoozeSchedule struct {
	Days      []time.Weekday `json:"days"`
	TimeFrom  string         `json:"timeFrom"`
	TimeTill  string         `json:"timeTill"`
	IsEnabled bool           `json:"isEnabled"`
}

// UserBucket holds a user's subscription state for one bucket.
type UserBucket struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	BucketID    string           `json:"bucketId"`
	SnoozeUntil *time.Time       `json:"snoozeUntil,omitempty"`
	Snoozes     []SnoozeSchedule `json:"snoozes"`
	Timezone    string           `json:"timezone,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}
