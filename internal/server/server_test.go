package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/clock"
	"github.com/bark-labs/bark-notify-hub/internal/config"
	"github.com/bark-labs/bark-notify-hub/internal/delivery"
	"github.com/bark-labs/bark-notify-hub/internal/dispatch"
	"github.com/bark-labs/bark-notify-hub/internal/engine"
	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/postpone"
	"github.com/bark-labs/bark-notify-hub/internal/service"
	"github.com/bark-labs/bark-notify-hub/internal/session"
	boltstore "github.com/bark-labs/bark-notify-hub/internal/storage/bolt"
)

type countingSender struct{ n atomic.Int32 }

func (s *countingSender) Send(context.Context, *model.UserDevice, dispatch.Payload) error {
	s.n.Add(1)
	return nil
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type fixture struct {
	srv    *Server
	auth   *service.AuthService
	sender *countingSender
	admin  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.HTTP.ReadTimeout = 5 * time.Second
	cfg.HTTP.WriteTimeout = 5 * time.Second
	cfg.Auth.Enabled = true
	cfg.Auth.Username = "admin"
	cfg.Auth.Password = "pw"
	cfg.Auth.JWTSecret = "test-secret"

	store, err := boltstore.New(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	log := logx.Nop()
	clk := clock.NewManual(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	sessions := session.NewRegistry(8)
	sender := &countingSender{}
	eng := engine.New(engine.Deps{
		Store:       store,
		Permissions: store,
		Machine:     delivery.New(store, clk, log),
		Ledger:      postpone.New(store, clk, log),
		Dispatcher:  dispatch.New(store, sender, sessions, dispatch.Config{Timeout: time.Second}, log),
		Events:      sessions,
		Clock:       clk,
		Log:         log,
	}, engine.Options{})

	auth := service.NewAuthService(cfg)
	devices := service.NewDeviceService(store, nil)
	srv := New(cfg, Deps{
		Engine:   eng,
		Store:    store,
		Devices:  devices,
		Logs:     service.NewDeliveryLogService(store, devices),
		Auth:     auth,
		Sessions: sessions,
		Log:      log,
	})
	admin, err := auth.Authenticate("admin", "pw")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: srv, auth: auth, sender: sender, admin: admin}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.auth.Issue(userID, false)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) call(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

// seed creates bucket b owned by u1 with one IOS device for u1.
func (f *fixture) seed(t *testing.T) (bucketID, deviceID string) {
	t.Helper()
	u1 := f.token(t, "u1")
	status, env := f.call(t, http.MethodPost, "/api/buckets", u1, map[string]any{"name": "alerts"})
	if status != http.StatusOK {
		t.Fatalf("create bucket = %d %s", status, env.Msg)
	}
	bucket := decode[model.Bucket](t, env.Data)
	if bucket.OwnerID != "u1" {
		t.Fatalf("owner = %q", bucket.OwnerID)
	}
	status, env = f.call(t, http.MethodPost, "/api/devices", u1, map[string]any{"platform": "IOS", "deviceToken": "tok-1"})
	if status != http.StatusOK {
		t.Fatalf("register device = %d %s", status, env.Msg)
	}
	return bucket.ID, decode[model.UserDevice](t, env.Data).ID
}

func TestLoginAndAuthGuard(t *testing.T) {
	f := newFixture(t)

	status, env := f.call(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "admin", "password": "nope"})
	if status != http.StatusUnauthorized || env.Code != model.UnauthorizedCode {
		t.Fatalf("bad login = %d %+v", status, env)
	}
	status, _ = f.call(t, http.MethodGet, "/api/status", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", status)
	}
	status, env = f.call(t, http.MethodGet, "/auth/profile", f.admin, nil)
	if status != http.StatusOK {
		t.Fatalf("profile = %d", status)
	}
	if p := decode[map[string]any](t, env.Data); p["admin"] != true {
		t.Fatalf("profile = %v", p)
	}
	status, _ = f.call(t, http.MethodPost, "/api/auth/token", f.token(t, "u1"), map[string]string{"userId": "u2"})
	if status != http.StatusForbidden {
		t.Fatalf("user minting tokens = %d", status)
	}
}

func TestMessageLifecycle(t *testing.T) {
	f := newFixture(t)
	bucketID, deviceID := f.seed(t)
	u1 := f.token(t, "u1")

	status, env := f.call(t, http.MethodPost, "/api/messages", f.token(t, "u2"), map[string]any{"bucketId": bucketID, "title": "x"})
	if status != http.StatusForbidden {
		t.Fatalf("stranger post = %d %s", status, env.Msg)
	}

	status, env = f.call(t, http.MethodPost, "/api/messages", u1, map[string]any{"bucketId": bucketID, "title": "disk full"})
	if status != http.StatusOK {
		t.Fatalf("post message = %d %s", status, env.Msg)
	}
	out := decode[struct {
		Notifications []*model.Notification `json:"notifications"`
	}](t, env.Data)
	if len(out.Notifications) != 1 || out.Notifications[0].State != model.StateSent {
		t.Fatalf("notifications = %+v", out.Notifications)
	}
	id := out.Notifications[0].ID
	if f.sender.n.Load() != 1 {
		t.Fatalf("sends = %d", f.sender.n.Load())
	}

	status, _ = f.call(t, http.MethodGet, "/api/notifications/"+id, f.token(t, "u2"), nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign read = %d", status)
	}

	status, env = f.call(t, http.MethodPost, "/api/notifications/"+id+"/postpone", u1, map[string]int{"minutes": 15})
	if status != http.StatusOK {
		t.Fatalf("postpone = %d %s", status, env.Msg)
	}
	p := decode[model.NotificationPostpone](t, env.Data)

	status, env = f.call(t, http.MethodPost, "/api/notifications/"+id+"/read", u1, map[string]string{"deviceId": deviceID})
	if status != http.StatusOK || decode[model.Notification](t, env.Data).State != model.StateRead {
		t.Fatalf("read = %d %s", status, env.Msg)
	}

	status, _ = f.call(t, http.MethodDelete, "/api/postpones/"+p.ID, u1, nil)
	if status != http.StatusNotFound {
		t.Fatalf("read should have dropped the postpone, cancel = %d", status)
	}
	status, env = f.call(t, http.MethodPost, "/api/notifications/"+id+"/postpone", u1, map[string]int{"minutes": 15})
	if status != http.StatusConflict || env.Code != model.ConflictCode {
		t.Fatalf("postpone after read = %d %+v", status, env)
	}

	status, env = f.call(t, http.MethodGet, "/api/notifications?state=read", u1, nil)
	if status != http.StatusOK || len(decode[[]model.Notification](t, env.Data)) != 1 {
		t.Fatalf("list = %d %s", status, env.Data)
	}
}

func TestSnoozeRoutes(t *testing.T) {
	f := newFixture(t)
	bucketID, _ := f.seed(t)
	u1 := f.token(t, "u1")
	base := "/api/buckets/" + bucketID + "/users/"

	status, _ := f.call(t, http.MethodGet, base+"u2/snoozes", u1, nil)
	if status != http.StatusForbidden {
		t.Fatalf("other user = %d", status)
	}
	status, _ = f.call(t, http.MethodGet, base+"u2/snoozes", f.admin, nil)
	if status != http.StatusForbidden {
		t.Fatalf("user without read access = %d", status)
	}

	bad := map[string]any{"snoozes": []map[string]any{{"days": []int{1}, "timeFrom": "25:00", "timeTill": "08:00", "isEnabled": true}}}
	status, env := f.call(t, http.MethodPut, base+"u1/snoozes", u1, bad)
	if status != http.StatusBadRequest || env.Code != model.InvalidCode {
		t.Fatalf("bad schedule = %d %+v", status, env)
	}

	good := map[string]any{
		"snoozes":  []map[string]any{{"days": []int{1}, "timeFrom": "09:00", "timeTill": "17:00", "isEnabled": true}},
		"timezone": "UTC",
	}
	status, env = f.call(t, http.MethodPut, base+"u1/snoozes", u1, good)
	if status != http.StatusOK {
		t.Fatalf("update = %d %s", status, env.Msg)
	}

	status, env = f.call(t, http.MethodGet, base+"u1/snooze", u1, nil)
	if status != http.StatusOK {
		t.Fatalf("mute status = %d", status)
	}
	ms := decode[engine.MuteStatus](t, env.Data)
	if !ms.Muted || ms.Until == nil || ms.Until.Hour() != 17 {
		t.Fatalf("mute status = %+v", ms)
	}

	status, env = f.call(t, http.MethodPost, "/api/messages", u1, map[string]any{"bucketId": bucketID, "title": "later"})
	if status != http.StatusOK {
		t.Fatalf("post = %d %s", status, env.Msg)
	}
	out := decode[struct {
		Notifications []*model.Notification `json:"notifications"`
	}](t, env.Data)
	if out.Notifications[0].State != model.StateMuted {
		t.Fatalf("state = %s", out.Notifications[0].State)
	}

	status, _ = f.call(t, http.MethodPost, base+"u1/snooze-minutes", u1, map[string]int{"minutes": -1})
	if status != http.StatusBadRequest {
		t.Fatalf("negative minutes = %d", status)
	}
}

func TestDeliveryLogAdminOnly(t *testing.T) {
	f := newFixture(t)
	bucketID, _ := f.seed(t)
	u1 := f.token(t, "u1")
	if status, env := f.call(t, http.MethodPost, "/api/messages", u1, map[string]any{"bucketId": bucketID, "title": "hi"}); status != http.StatusOK {
		t.Fatalf("post = %d %s", status, env.Msg)
	}

	status, _ := f.call(t, http.MethodGet, "/api/delivery/log/list", u1, nil)
	if status != http.StatusForbidden {
		t.Fatalf("user log list = %d", status)
	}
	status, env := f.call(t, http.MethodGet, "/api/delivery/log/list?status=delivered", f.admin, nil)
	if status != http.StatusOK {
		t.Fatalf("admin log list = %d", status)
	}
	if page := decode[model.DeliveryLogPage](t, env.Data); page.Total != 1 {
		t.Fatalf("page = %+v", page)
	}

	status, env = f.call(t, http.MethodGet, "/api/status", f.admin, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if st := decode[model.StatusRes](t, env.Data); st.AllDeviceNum != 1 || st.Notifications[string(model.StateSent)] != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestAckOnlyAcceptsRecipientDevices(t *testing.T) {
	f := newFixture(t)
	bucketID, deviceID := f.seed(t)
	u1 := f.token(t, "u1")

	status, env := f.call(t, http.MethodPost, "/api/devices", f.token(t, "u2"), map[string]any{"platform": "IOS", "deviceToken": "tok-2"})
	if status != http.StatusOK {
		t.Fatalf("register u2 device = %d %s", status, env.Msg)
	}
	foreign := decode[model.UserDevice](t, env.Data).ID

	status, env = f.call(t, http.MethodPost, "/api/messages", u1, map[string]any{"bucketId": bucketID, "title": "disk full"})
	if status != http.StatusOK {
		t.Fatalf("post message = %d %s", status, env.Msg)
	}
	id := decode[struct {
		Notifications []*model.Notification `json:"notifications"`
	}](t, env.Data).Notifications[0].ID
	path := "/api/notifications/" + id + "/received"

	for _, dev := range []string{foreign, "no-such-device"} {
		status, env = f.call(t, http.MethodPost, path, u1, map[string]string{"deviceId": dev})
		if status != http.StatusBadRequest || env.Code != model.InvalidCode {
			t.Fatalf("ack from %s = %d %+v", dev, status, env)
		}
	}

	status, env = f.call(t, http.MethodPost, path, u1, nil)
	if n := decode[model.Notification](t, env.Data); status != http.StatusOK || n.State != model.StateReceived || n.UserDeviceID != "" {
		t.Fatalf("ack without device = %d %+v", status, n)
	}
	status, env = f.call(t, http.MethodPost, path, u1, map[string]string{"deviceId": deviceID})
	if n := decode[model.Notification](t, env.Data); status != http.StatusOK || n.UserDeviceID != deviceID {
		t.Fatalf("ack from own device = %d %+v", status, n)
	}
}
