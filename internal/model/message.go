package model

import "time"

// DeliveryType is the priority class of a message.
type DeliveryType string

const (
	DeliveryNormal   DeliveryType = "NORMAL"
	DeliveryCritical DeliveryType = "CRITICAL"
	DeliverySilent   DeliveryType = "SILENT"
)

// Attachment is media referenced by a message.
type Attachment struct {
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
}

// Action is a user-invokable action rendered with the notification.
type Action struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	Title       string `json:"title,omitempty"`
	Destructive bool   `json:"destructive,omitempty"`
}

// Message is immutable sender content; it is fanned out to one
// Notification per recipient.
type Message struct {
	ID                 string       `json:"id"`
	BucketID           string       `json:"bucketId"`
	Title              string       `json:"title"`
	Subtitle           string       `json:"subtitle,omitempty"`
	Body               string       `json:"body,omitempty"`
	Attachments        []Attachment `json:"attachments,omitempty"`
	Actions            []Action     `json:"actions,omitempty"`
	DeliveryType       DeliveryType `json:"deliveryType"`
	Snoozes            []int        `json:"snoozes,omitempty"`
	Postpones          []int        `json:"postpones,omitempty"`
	MaxReminders       int          `json:"maxReminders,omitempty"`
	RemindEveryMinutes int          `json:"remindEveryMinutes,omitempty"`
	UserIDs            []string     `json:"userIds,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
}

// Critical reports whether the message bypasses mute windows.
func (m *Message) Critical() bool {
	return m.DeliveryType == DeliveryCritical
}

// RemindersEnabled reports whether an unread notification should be re-sent.
func (m *Message) RemindersEnabled() bool {
	return m.MaxReminders > 0 && m.RemindEveryMinutes > 0
}
