package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bark-labs/bark-notify-hub/internal/barkclient"
	"github.com/bark-labs/bark-notify-hub/internal/crypto"
	"github.com/bark-labs/bark-notify-hub/internal/dispatch"
	"github.com/bark-labs/bark-notify-hub/internal/model"
)

// BarkClient is the subset of the Bark API used for delivery.
type BarkClient interface {
	SendEncryptedPush(ctx context.Context, deviceKey, ciphertext, iv string) (*barkclient.CommonResponse[struct{}], error)
	SendPush(ctx context.Context, deviceKey string, push barkclient.Push) (*barkclient.CommonResponse[struct{}], error)
}

// Bark delivers to Bark devices, encrypting when the device has keys.
type Bark struct {
	client BarkClient
}

func NewBark(client BarkClient) *Bark {
	return &Bark{client: client}
}

func (b *Bark) Send(ctx context.Context, device *model.UserDevice, payload dispatch.Payload) error {
	if device.DeviceKey == "" {
		return dispatch.Permanentf("bark device %s has no device key", device.ID)
	}
	push := barkPush(payload)

	var err error
	if device.EncodeKey != "" && device.IV != "" {
		raw, mErr := json.Marshal(push)
		if mErr != nil {
			return dispatch.Permanent(mErr)
		}
		cipherText, eErr := crypto.EncryptToBase64(raw, []byte(device.EncodeKey), []byte(device.IV))
		if eErr != nil {
			return dispatch.Permanent(fmt.Errorf("encrypt for device %s: %w", device.ID, eErr))
		}
		_, err = b.client.SendEncryptedPush(ctx, device.DeviceKey, cipherText, device.IV)
	} else {
		_, err = b.client.SendPush(ctx, device.DeviceKey, push)
	}
	switch {
	case err == nil:
		return nil
	case barkclient.IsDeviceGone(err):
		return dispatch.Permanent(err)
	default:
		return dispatch.Transient(err)
	}
}

func barkPush(p dispatch.Payload) barkclient.Push {
	level := "active"
	switch p.DeliveryType {
	case model.DeliveryCritical:
		level = "critical"
	case model.DeliverySilent:
		level = "passive"
	}
	return barkclient.Push{
		Title:    p.Title,
		Subtitle: p.Subtitle,
		Body:     p.Body,
		Level:    level,
		Group:    p.BucketID,
		Image:    p.ImageURL,
		ID:       p.NotificationID,
	}
}
