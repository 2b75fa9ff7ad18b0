package model

// DeviceView hides sensitive fields when returning devices to clients.
type DeviceView struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId"`
	Platform    Platform `json:"platform"`
	Name        string   `json:"name"`
	DeviceToken string   `json:"deviceToken"`
	DeviceKey   string   `json:"deviceKey,omitempty"`
	EncodeKey   string   `json:"encodeKey,omitempty"`
	IV          string   `json:"iv,omitempty"`
	OnlyLocal   bool     `json:"onlyLocal"`
	Status      string   `json:"status"`
}
