package model

import (
	"slices"
	"time"
)

// NotificationState is a step of the per-notification delivery lifecycle.
type NotificationState string

const (
	StatePending     NotificationState = "PENDING"
	StateMuted       NotificationState = "MUTED"
	StateEligible    NotificationState = "ELIGIBLE"
	StateDispatching NotificationState = "DISPATCHING"
	StateSent        NotificationState = "SENT"
	StateReceived    NotificationState = "RECEIVED"
	StateRead        NotificationState = "READ"
	StateFailed      NotificationState = "FAILED"
	StateCancelled   NotificationState = "CANCELLED"
)

// Terminal reports whether no further delivery happens from this state.
func (s NotificationState) Terminal() bool {
	return s == StateRead || s == StateCancelled
}

// AckKind distinguishes device acknowledgements.
type AckKind string

const (
	AckReceived AckKind = "received"
	AckRead     AckKind = "read"
)

// DeviceReceipt records acknowledgements from a single device.
type DeviceReceipt struct {
	DeviceID   string     `json:"deviceId"`
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
}

// Notification is one delivery of a Message to one recipient user.
type Notification struct {
	ID              string                   `json:"id"`
	MessageID       string                   `json:"messageId"`
	UserID          string                   `json:"userId"`
	BucketID        string                   `json:"bucketId"`
	State           NotificationState        `json:"state"`
	SentAt          *time.Time               `json:"sentAt,omitempty"`
	ReceivedAt      *time.Time               `json:"receivedAt,omitempty"`
	ReadAt          *time.Time               `json:"readAt,omitempty"`
	Error           string                   `json:"error,omitempty"`
	UserDeviceID    string                   `json:"userDeviceId,omitempty"`
	Receipts        map[string]DeviceReceipt `json:"receipts,omitempty"`
	ExcludedDevices []string                 `json:"excludedDevices,omitempty"`
	RemindersSent   int                      `json:"remindersSent"`
	Occurrence      int                      `json:"occurrence"`
	CreatedAt       time.Time                `json:"createdAt"`
	UpdatedAt       time.Time                `json:"updatedAt"`
}

// Excluded reports whether a device was dropped from future fan-out.
func (n *Notification) Excluded(deviceID string) bool {
	return slices.Contains(n.ExcludedDevices, deviceID)
}

// Clone returns a deep copy safe to hand out of a lock.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	cp := *n
	cp.SentAt = cloneTime(n.SentAt)
	cp.ReceivedAt = cloneTime(n.ReceivedAt)
	cp.ReadAt = cloneTime(n.ReadAt)
	cp.ExcludedDevices = slices.Clone(n.ExcludedDevices)
	if n.Receipts != nil {
		cp.Receipts = make(map[string]DeviceReceipt, len(n.Receipts))
		for k, r := range n.Receipts {
			r.ReceivedAt = cloneTime(r.ReceivedAt)
			r.ReadAt = cloneTime(r.ReadAt)
			cp.Receipts[k] = r
		}
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
