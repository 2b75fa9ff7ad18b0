package model

import "time"

// Platform identifies the push transport a device is reached through.
type Platform string

const (
	PlatformIOS     Platform = "IOS"
	PlatformAndroid Platform = "ANDROID"
	PlatformWeb     Platform = "WEB"
	PlatformBark    Platform = "BARK"
)

// UserDevice is a registered push endpoint owned by a single user.
type UserDevice struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Platform    Platform  `json:"platform"`
	Name        string    `json:"name"`
	DeviceToken string    `json:"deviceToken"`
	DeviceKey   string    `json:"deviceKey,omitempty"`
	EncodeKey   string    `json:"encodeKey,omitempty"`
	IV          string    `json:"iv,omitempty"`
	OnlyLocal   bool      `json:"onlyLocal"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

const (
	DeviceStatusActive = "ACTIVE"
	DeviceStatusStop   = "STOP"
)

// Active reports whether the device should receive pushes.
func (d *UserDevice) Active() bool {
	return d.Status == "" || d.Status == DeviceStatusActive
}
