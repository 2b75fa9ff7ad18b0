package model

import "time"

// PostponeKind tells why a re-delivery was scheduled.
type PostponeKind string

const (
	PostponeManual   PostponeKind = "MANUAL"
	PostponeReminder PostponeKind = "REMINDER"
)

// NotificationPostpone is a scheduled future re-delivery of a notification.
type NotificationPostpone struct {
	ID             string       `json:"id"`
	NotificationID string       `json:"notificationId"`
	UserID         string       `json:"userId"`
	SendAt         time.Time    `json:"sendAt"`
	Kind           PostponeKind `json:"kind"`
	CreatedAt      time.Time    `json:"createdAt"`
}
