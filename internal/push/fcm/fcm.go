// Package fcm delivers notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/bark-labs/bark-notify-hub/internal/dispatch"
	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
)

// Client wraps the Firebase messaging client.
type Client struct {
	messaging *messaging.Client
	log       logx.Logger
}

// NewClient initialises Firebase from a service account file. An empty
// path falls back to application default credentials.
func NewClient(ctx context.Context, credentialsFile string, log logx.Logger) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	mc, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	log = log.With(logx.String("component", "fcm"))
	log.Info("fcm client initialised")
	return &Client{messaging: mc, log: log}, nil
}

// Send delivers payload to one device token.
func (c *Client) Send(ctx context.Context, device *model.UserDevice, payload dispatch.Payload) error {
	if device.DeviceToken == "" {
		return dispatch.Permanentf("device %s has no fcm token", device.ID)
	}
	id, err := c.messaging.Send(ctx, BuildMessage(device, payload))
	if err != nil {
		return Classify(err)
	}
	c.log.Debug("fcm message sent", logx.String("device", device.ID), logx.String("message", id))
	return nil
}

// Classify maps Firebase errors onto dispatch errors. Tokens Firebase no
// longer recognises are permanent; everything else is transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err) || errorutils.IsInvalidArgument(err) {
		return dispatch.Permanent(fmt.Errorf("fcm: %w", err))
	}
	return dispatch.Transient(fmt.Errorf("fcm: %w", err))
}

// BuildMessage renders payload for a device. Silent deliveries are
// data-only; critical ones request high priority and a critical sound.
func BuildMessage(device *model.UserDevice, p dispatch.Payload) *messaging.Message {
	data := p.Data()
	data["occurrence"] = strconv.Itoa(p.Occurrence)

	msg := &messaging.Message{
		Token: device.DeviceToken,
		Data:  data,
	}
	silent := p.DeliveryType == model.DeliverySilent
	critical := p.DeliveryType == model.DeliveryCritical

	if !silent {
		msg.Notification = &messaging.Notification{
			Title:    p.Title,
			Body:     p.Body,
			ImageURL: p.ImageURL,
		}
	}

	android := &messaging.AndroidConfig{Priority: "normal", CollapseKey: p.NotificationID}
	if critical {
		android.Priority = "high"
	}
	msg.Android = android

	aps := &messaging.Aps{ThreadID: p.BucketID, ContentAvailable: silent}
	if !silent {
		aps.Alert = &messaging.ApsAlert{Title: p.Title, SubTitle: p.Subtitle, Body: p.Body}
		aps.Sound = "default"
	}
	if critical {
		aps.Sound = ""
		aps.CriticalSound = &messaging.CriticalSound{Critical: true, Name: "default", Volume: 1.0}
	}
	msg.APNS = &messaging.APNSConfig{Payload: &messaging.APNSPayload{Aps: aps}}

	if device.Platform == model.PlatformWeb && !silent {
		msg.Webpush = &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: p.Title,
				Body:  p.Body,
				Icon:  "/icon-192.svg",
				Tag:   p.NotificationID,
			},
		}
	}
	return msg
}
