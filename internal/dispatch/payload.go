package dispatch

import (
	"github.com/bark-labs/bark-notify-hub/internal/model"
)

// Payload is the rendered content handed to a transport.
type Payload struct {
	NotificationID string             `json:"notificationId"`
	MessageID      string             `json:"messageId"`
	BucketID       string             `json:"bucketId"`
	Title          string             `json:"title"`
	Subtitle       string             `json:"subtitle,omitempty"`
	Body           string             `json:"body,omitempty"`
	DeliveryType   model.DeliveryType `json:"deliveryType"`
	ImageURL       string             `json:"imageUrl,omitempty"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
	Actions        []model.Action     `json:"actions,omitempty"`
	Postpones      []int              `json:"postpones,omitempty"`
	Snoozes        []int              `json:"snoozes,omitempty"`
	Occurrence     int                `json:"occurrence"`
	Reminder       bool               `json:"reminder,omitempty"`
}

// Render builds the payload of n for msg.
func Render(msg *model.Message, n *model.Notification) Payload {
	p := Payload{
		NotificationID: n.ID,
		MessageID:      msg.ID,
		BucketID:       msg.BucketID,
		Title:          msg.Title,
		Subtitle:       msg.Subtitle,
		Body:           msg.Body,
		DeliveryType:   msg.DeliveryType,
		Attachments:    msg.Attachments,
		Actions:        msg.Actions,
		Postpones:      msg.Postpones,
		Snoozes:        msg.Snoozes,
		Occurrence:     n.Occurrence,
	}
	if p.DeliveryType == "" {
		p.DeliveryType = model.DeliveryNormal
	}
	for _, a := range msg.Attachments {
		if a.MediaType == "IMAGE" || a.MediaType == "image" {
			p.ImageURL = a.URL
			break
		}
	}
	return p
}

// Data flattens the payload into string pairs for transports that only
// carry string maps.
func (p Payload) Data() map[string]string {
	data := map[string]string{
		"notificationId": p.NotificationID,
		"messageId":      p.MessageID,
		"bucketId":       p.BucketID,
		"deliveryType":   string(p.DeliveryType),
	}
	if p.Reminder {
		data["reminder"] = "true"
	}
	return data
}
