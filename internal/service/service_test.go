package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/barkclient"
	"github.com/bark-labs/bark-notify-hub/internal/config"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
	"github.com/bark-labs/bark-notify-hub/internal/storage/bolt"
	"golang.org/x/crypto/bcrypt"
)

type fakeRegistrar struct {
	calls int
	err   error
}

func (f *fakeRegistrar) Register(_ context.Context, token, _ string) (*barkclient.CommonResponse[barkclient.RegisterData], error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &barkclient.CommonResponse[barkclient.RegisterData]{
		Code: 200,
		Data: barkclient.RegisterData{DeviceKey: "bark-" + token, DeviceToken: token},
	}, nil
}

func openStore(t *testing.T) *bolt.Store {
	t.Helper()
	s, err := bolt.New(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterBarkDeviceGeneratesKeys(t *testing.T) {
	store := openStore(t)
	reg := &fakeRegistrar{}
	svc := NewDeviceService(store, reg)
	ctx := context.Background()

	dev, err := svc.Register(ctx, "u1", DeviceRequest{Platform: "bark", DeviceToken: "tok-1", Name: "phone"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if dev.DeviceKey != "bark-tok-1" || len(dev.EncodeKey) != 16 || len(dev.IV) != 16 {
		t.Fatalf("device = %+v", dev)
	}
	if dev.Status != model.DeviceStatusActive {
		t.Fatalf("status = %q", dev.Status)
	}

	again, err := svc.Register(ctx, "u1", DeviceRequest{Platform: "BARK", DeviceToken: "tok-1"})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != dev.ID || again.EncodeKey != dev.EncodeKey || again.Name != "phone" {
		t.Fatalf("re-register changed identity: %+v", again)
	}
	if reg.calls != 1 {
		t.Fatalf("bark register calls = %d, want 1", reg.calls)
	}
}

func TestRegisterRejects(t *testing.T) {
	store := openStore(t)
	svc := NewDeviceService(store, nil)
	ctx := context.Background()

	cases := map[string]DeviceRequest{
		"platform": {Platform: "pager", DeviceToken: "x"},
		"token":    {Platform: "IOS"},
		"no bark":  {Platform: "BARK", DeviceToken: "x"},
		"key size": {Platform: "BARK", DeviceToken: "x", DeviceKey: "k", EncodeKey: "short", IV: "1234567890123456"},
	}
	for name, req := range cases {
		if _, err := svc.Register(ctx, "u1", req); !errors.Is(err, ErrInvalidDevice) {
			t.Errorf("%s: err = %v", name, err)
		}
	}

	if _, err := svc.Register(ctx, "u1", DeviceRequest{Platform: "IOS", DeviceToken: "shared"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "u2", DeviceRequest{Platform: "IOS", DeviceToken: "shared"}); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("foreign token err = %v", err)
	}
}

func TestDeviceOwnershipAndViews(t *testing.T) {
	store := openStore(t)
	svc := NewDeviceService(store, &fakeRegistrar{})
	ctx := context.Background()

	dev, err := svc.Register(ctx, "u1", DeviceRequest{Platform: "ANDROID", DeviceToken: "abcdefgh"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateStatus(ctx, "u2", dev.ID, "STOP"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign update err = %v", err)
	}
	updated, err := svc.UpdateStatus(ctx, "u1", dev.ID, "stop")
	if err != nil || updated.Status != model.DeviceStatusStop {
		t.Fatalf("update = %+v, %v", updated, err)
	}

	views, err := svc.ListViews(ctx, "u1")
	if err != nil || len(views) != 1 {
		t.Fatalf("views = %v, %v", views, err)
	}
	if views[0].DeviceToken != "abcd****" {
		t.Fatalf("mask = %q", views[0].DeviceToken)
	}

	if err := svc.Unregister(ctx, "u1", dev.ID); err != nil {
		t.Fatal(err)
	}
	if list, _ := svc.List(ctx, ""); len(list) != 0 {
		t.Fatalf("devices left = %d", len(list))
	}
}

func TestDeliveryLogQueryAndCounts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	devices := NewDeviceService(store, nil)
	dev, err := devices.Register(ctx, "u1", DeviceRequest{Platform: "IOS", DeviceToken: "t1", Name: "iPhone"})
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []string{"DELIVERED", "DELIVERED", "TRANSIENT", "PERMANENT"} {
		log := &model.DeliveryLog{
			NotificationID: "n1",
			UserID:         "u1",
			BucketID:       "b1",
			DeviceID:       dev.ID,
			Status:         status,
			CreatedAt:      base.AddDate(0, 0, i),
		}
		if err := store.AppendDeliveryLog(ctx, log); err != nil {
			t.Fatal(err)
		}
	}

	svc := NewDeliveryLogService(store, devices)
	page, err := svc.Query(ctx, model.DeliveryLogFilter{Status: "delivered", PageSize: 1, Page: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || page.Pages != 2 || len(page.Data) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if !page.Data[0].CreatedAt.Equal(base) {
		t.Fatalf("second page should hold the oldest entry, got %v", page.Data[0].CreatedAt)
	}

	byStatus, err := svc.CountByStatus(ctx, nil, nil)
	if err != nil || len(byStatus) != 3 {
		t.Fatalf("by status = %v, %v", byStatus, err)
	}
	if byStatus[0]["status"] != "DELIVERED" || byStatus[0]["count"] != 2 {
		t.Fatalf("first bucket = %v", byStatus[0])
	}

	begin := base.AddDate(0, 0, 1)
	byDate, err := svc.CountByDate(ctx, "day", &begin, nil)
	if err != nil || len(byDate) != 3 {
		t.Fatalf("by date = %v, %v", byDate, err)
	}

	byDevice, err := svc.CountByDevice(ctx, nil, nil)
	if err != nil || len(byDevice) != 1 || byDevice[0]["device"] != "iPhone" {
		t.Fatalf("by device = %v, %v", byDevice, err)
	}
}

func TestAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.Username = "admin"
	cfg.Auth.Password = string(hash)
	cfg.Auth.JWTSecret = "test-secret"
	auth := NewAuthService(cfg)

	if _, err := auth.Authenticate("admin", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("bad password err = %v", err)
	}
	token, err := auth.Authenticate("admin", "s3cret")
	if err != nil || token == "" {
		t.Fatalf("login = %q, %v", token, err)
	}
	claims, err := auth.Validate(token)
	if err != nil || !claims.Admin || claims.UserID() != "admin" {
		t.Fatalf("claims = %+v, %v", claims, err)
	}

	userToken, err := auth.Issue("u1", false)
	if err != nil {
		t.Fatal(err)
	}
	claims, err = auth.Validate(userToken)
	if err != nil || claims.Admin || claims.UserID() != "u1" {
		t.Fatalf("user claims = %+v, %v", claims, err)
	}

	auth.now = func() time.Time { return time.Now().Add(2 * tokenTTL) }
	if _, err := auth.Validate(userToken); err == nil {
		t.Fatal("expired token accepted")
	}
	if _, err := auth.Validate("garbage"); err == nil {
		t.Fatal("garbage token accepted")
	}
}
