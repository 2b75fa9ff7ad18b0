package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bark-labs/bark-notify-hub/internal/barkclient"
	"github.com/bark-labs/bark-notify-hub/internal/crypto"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
)

var ErrInvalidDevice = errors.New("invalid device")

// Registrar resolves a Bark device key for a push token.
type Registrar interface {
	Register(ctx context.Context, deviceToken, key string) (*barkclient.CommonResponse[barkclient.RegisterData], error)
}

// DeviceService manages the push endpoints users register.
type DeviceService struct {
	store    storage.DeviceStore
	bark     Registrar
	keyBytes int
}

// DeviceRequest describes the register/update payload.
type DeviceRequest struct {
	Platform    string `json:"platform"`
	Name        string `json:"name"`
	DeviceToken string `json:"deviceToken"`
	DeviceKey   string `json:"deviceKey"`
	EncodeKey   string `json:"encodeKey"`
	IV          string `json:"iv"`
	OnlyLocal   bool   `json:"onlyLocal"`
	Status      string `json:"status"`
	RegisterKey string `json:"registerKey"`
}

// NewDeviceService constructs DeviceService. bark may be nil when no Bark
// server is configured; Bark devices then need an explicit deviceKey.
func NewDeviceService(store storage.DeviceStore, bark Registrar) *DeviceService {
	return &DeviceService{store: store, bark: bark, keyBytes: 16}
}

// WithKeyBytes sets the size of generated Bark AES keys.
func (s *DeviceService) WithKeyBytes(n int) *DeviceService {
	switch n {
	case 16, 24, 32:
		s.keyBytes = n
	}
	return s
}

// Register creates or updates a device for userID. Devices are matched by
// push token so re-registering the same phone keeps its id.
func (s *DeviceService) Register(ctx context.Context, userID string, req DeviceRequest) (*model.UserDevice, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidDevice)
	}
	platform, err := parsePlatform(req.Platform)
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(req.DeviceToken)
	if token == "" && !req.OnlyLocal {
		return nil, fmt.Errorf("%w: deviceToken is required", ErrInvalidDevice)
	}

	var device *model.UserDevice
	if token != "" {
		device, err = s.store.GetDeviceByToken(ctx, token)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			device = nil
		case err != nil:
			return nil, err
		case device.UserID != userID:
			return nil, fmt.Errorf("%w: token registered to another user", ErrInvalidDevice)
		}
	}
	if device == nil {
		device = &model.UserDevice{UserID: userID, DeviceToken: token}
	}

	device.Platform = platform
	device.Name = firstNonEmpty(strings.TrimSpace(req.Name), device.Name, string(platform))
	device.OnlyLocal = req.OnlyLocal
	device.Status = firstNonEmpty(strings.ToUpper(strings.TrimSpace(req.Status)), model.DeviceStatusActive)

	if platform == model.PlatformBark && !device.OnlyLocal {
		if err := s.prepareBark(ctx, device, req); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpsertDevice(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

func (s *DeviceService) prepareBark(ctx context.Context, device *model.UserDevice, req DeviceRequest) error {
	if req.EncodeKey != "" || req.IV != "" {
		device.EncodeKey, device.IV = req.EncodeKey, req.IV
	}
	if device.EncodeKey == "" && device.IV == "" {
		key, iv, err := crypto.NewDeviceKeys(s.keyBytes)
		if err != nil {
			return err
		}
		device.EncodeKey, device.IV = key, iv
	}
	if !isValidKeyLength(device.EncodeKey) {
		return fmt.Errorf("%w: encodeKey must be 16, 24 or 32 characters", ErrInvalidDevice)
	}
	if len(device.IV) != 16 {
		return fmt.Errorf("%w: iv must be 16 characters", ErrInvalidDevice)
	}

	if req.DeviceKey != "" {
		device.DeviceKey = req.DeviceKey
	}
	if device.DeviceKey != "" {
		return nil
	}
	if s.bark == nil {
		return fmt.Errorf("%w: bark client not configured, deviceKey is required", ErrInvalidDevice)
	}
	resp, err := s.bark.Register(ctx, device.DeviceToken, req.RegisterKey)
	if err != nil {
		return fmt.Errorf("register bark device: %w", err)
	}
	if resp == nil || resp.Data.DeviceKey == "" {
		return errors.New("register bark device: empty device key")
	}
	device.DeviceKey = resp.Data.DeviceKey
	return nil
}

// List returns all devices, or only userID's when userID is set.
func (s *DeviceService) List(ctx context.Context, userID string) ([]*model.UserDevice, error) {
	if userID == "" {
		return s.store.ListDevices(ctx)
	}
	return s.store.ListUserDevices(ctx, userID)
}

// ListViews returns masked device views.
func (s *DeviceService) ListViews(ctx context.Context, userID string) ([]*model.DeviceView, error) {
	devices, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]*model.DeviceView, 0, len(devices))
	for _, device := range devices {
		views = append(views, toView(device))
	}
	return views, nil
}

// Get returns a device owned by userID. An empty userID skips the owner check.
func (s *DeviceService) Get(ctx context.Context, userID, id string) (*model.UserDevice, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && device.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return device, nil
}

// UpdateStatus toggles device activation.
func (s *DeviceService) UpdateStatus(ctx context.Context, userID, id, status string) (*model.UserDevice, error) {
	device, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	switch st := strings.ToUpper(strings.TrimSpace(status)); st {
	case "", model.DeviceStatusActive:
		device.Status = model.DeviceStatusActive
	case model.DeviceStatusStop:
		device.Status = st
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidDevice, status)
	}
	if err := s.store.UpsertDevice(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// Unregister removes a device. Notifications already in flight simply
// stop resolving it on the next dispatch.
func (s *DeviceService) Unregister(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.store.DeleteDevice(ctx, id)
}

// Names maps device id to display name, for log statistics.
func (s *DeviceService) Names(ctx context.Context) map[string]string {
	out := make(map[string]string)
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return out
	}
	for _, d := range devices {
		out[d.ID] = firstNonEmpty(d.Name, d.ID)
	}
	return out
}

func parsePlatform(raw string) (model.Platform, error) {
	p := model.Platform(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case model.PlatformIOS, model.PlatformAndroid, model.PlatformWeb, model.PlatformBark:
		return p, nil
	case "":
		return model.PlatformBark, nil
	}
	return "", fmt.Errorf("%w: unknown platform %q", ErrInvalidDevice, raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func isValidKeyLength(key string) bool {
	l := len(key)
	return l == 16 || l == 24 || l == 32
}

func toView(device *model.UserDevice) *model.DeviceView {
	if device == nil {
		return nil
	}
	return &model.DeviceView{
		ID:          device.ID,
		UserID:      device.UserID,
		Platform:    device.Platform,
		Name:        device.Name,
		DeviceToken: maskValue(device.DeviceToken),
		DeviceKey:   maskValue(device.DeviceKey),
		EncodeKey:   maskValue(device.EncodeKey),
		IV:          maskValue(device.IV),
		OnlyLocal:   device.OnlyLocal,
		Status:      device.Status,
	}
}

func maskValue(value string) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= 4 {
		return value
	}
	return string(runes[:4]) + strings.Repeat("*", len(runes)-4)
}
