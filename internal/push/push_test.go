package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/barkclient"
	"github.com/bark-labs/bark-notify-hub/internal/crypto"
	"github.com/bark-labs/bark-notify-hub/internal/dispatch"
	"github.com/bark-labs/bark-notify-hub/internal/model"
)

type countingSender struct{ n int }

func (c *countingSender) Send(context.Context, *model.UserDevice, dispatch.Payload) error {
	c.n++
	return nil
}

func TestRouterUnknownPlatformIsPermanent(t *testing.T) {
	r := NewRouter()
	ios := &countingSender{}
	r.Handle(ios, model.PlatformIOS, model.PlatformAndroid)

	if err := r.Send(context.Background(), &model.UserDevice{Platform: model.PlatformIOS}, dispatch.Payload{}); err != nil || ios.n != 1 {
		t.Fatalf("err=%v calls=%d", err, ios.n)
	}
	err := r.Send(context.Background(), &model.UserDevice{Platform: model.PlatformWeb}, dispatch.Payload{})
	if !dispatch.IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	if len(r.Platforms()) != 2 {
		t.Fatalf("platforms = %v", r.Platforms())
	}
}

func TestLimitedHonoursContext(t *testing.T) {
	next := &countingSender{}
	l := NewLimited(next, 1, 1)
	dev := &model.UserDevice{}
	if err := l.Send(context.Background(), dev, dispatch.Payload{}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Send(ctx, dev, dispatch.Payload{})
	var te *dispatch.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want transient", err)
	}
	if next.n != 1 {
		t.Fatalf("calls = %d", next.n)
	}
	if NewLimited(next, 0, 0).Send(context.Background(), dev, dispatch.Payload{}) != nil {
		t.Fatal("unlimited sender must pass through")
	}
}

func TestBarkEncryptsForKeyedDevices(t *testing.T) {
	key, iv, _ := crypto.NewDeviceKeys(16)
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone-key" {
			http.Error(w, "bad device", http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"code":200,"message":"success"}`))
	}))
	defer srv.Close()
	client, _ := barkclient.New(srv.URL, "", time.Second)
	sender := NewBark(client)

	dev := &model.UserDevice{ID: "d1", Platform: model.PlatformBark, DeviceKey: "dk", EncodeKey: key, IV: iv}
	payload := dispatch.Payload{NotificationID: "n1", Title: "Alert", DeliveryType: model.DeliveryCritical}
	if err := sender.Send(context.Background(), dev, payload); err != nil {
		t.Fatal(err)
	}
	plain, err := crypto.DecryptFromBase64(body["ciphertext"], []byte(key), []byte(iv))
	if err != nil {
		t.Fatal(err)
	}
	var push barkclient.Push
	json.Unmarshal(plain, &push)
	if push.Title != "Alert" || push.Level != "critical" || push.ID != "n1" {
		t.Fatalf("push = %+v", push)
	}

	dev.DeviceKey = "gone-key"
	if err := sender.Send(context.Background(), dev, payload); !dispatch.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	dev.DeviceKey = ""
	if err := sender.Send(context.Background(), dev, payload); !dispatch.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent for missing key", err)
	}
}
