package model

import "time"

// DeliveryLog tracks each per-device dispatch attempt.
type DeliveryLog struct {
	ID             uint64    `json:"id"`
	NotificationID string    `json:"notificationId"`
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	BucketID       string    `json:"bucketId"`
	DeviceID       string    `json:"deviceId"`
	Platform       Platform  `json:"platform"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	Result         string    `json:"result"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DeliveryLogFilter describes query parameters for log searching.
type DeliveryLogFilter struct {
	DeviceID  string
	UserID    string
	BucketID  string
	Status    string
	BeginTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}
