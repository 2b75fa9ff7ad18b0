package barkclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// StatusError is a non-200 reply from the Bark server.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("bark %s: http %d", e.Op, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Gone reports whether the server rejected the device itself.
func (e *StatusError) Gone() bool {
	switch e.Status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// IsDeviceGone reports whether err is a StatusError for an unknown device.
func IsDeviceGone(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Gone()
}

// Client is a thin wrapper over the Bark server HTTP API.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// New creates a Bark API client.
func New(rawURL, token string, timeout time.Duration) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("base url must include scheme")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &Client{
		baseURL: parsed,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Ping checks Bark server health.
func (c *Client) Ping(ctx context.Context) (*CommonResponse[map[string]any], error) {
	var out CommonResponse[map[string]any]
	if err := c.do(ctx, "ping", http.MethodGet, c.resolve("/ping"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register ensures the Bark server knows the device token and returns the
// device key it is reachable under.
func (c *Client) Register(ctx context.Context, deviceToken, key string) (*CommonResponse[RegisterData], error) {
	values := url.Values{}
	values.Set("devicetoken", deviceToken)
	if key != "" {
		values.Set("key", key)
	}
	var out CommonResponse[RegisterData]
	if err := c.do(ctx, "register", http.MethodGet, c.resolve("/register")+"?"+values.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendEncryptedPush posts ciphertext to the device push endpoint.
func (c *Client) SendEncryptedPush(ctx context.Context, deviceKey, ciphertext, iv string) (*CommonResponse[struct{}], error) {
	return c.push(ctx, deviceKey, map[string]string{"ciphertext": ciphertext, "iv": iv})
}

// SendPush posts a plaintext push to the device push endpoint.
func (c *Client) SendPush(ctx context.Context, deviceKey string, push Push) (*CommonResponse[struct{}], error) {
	return c.push(ctx, deviceKey, push)
}

func (c *Client) push(ctx context.Context, deviceKey string, body any) (*CommonResponse[struct{}], error) {
	if deviceKey == "" {
		return nil, errors.New("device key is required")
	}
	var out CommonResponse[struct{}]
	if err := c.do(ctx, "push", http.MethodPost, c.resolve("/"+url.PathEscape(deviceKey)), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("API-TOKEN", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) resolve(p string) string {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	return u.String()
}

// BaseURL returns the configured Bark server URL without trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.baseURL.String(), "/")
}

// CommonResponse models Bark server standard response.
type CommonResponse[T any] struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Data      T      `json:"data"`
}

// RegisterData is returned by Bark /register.
type RegisterData struct {
	Key         string `json:"key"`
	DeviceKey   string `json:"device_key"`
	DeviceToken string `json:"device_token"`
}

// Push is the plaintext Bark push body.
type Push struct {
	Title    string `json:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
	Body     string `json:"body,omitempty"`
	Level    string `json:"level,omitempty"`
	Group    string `json:"group,omitempty"`
	Image    string `json:"image,omitempty"`
	URL      string `json:"url,omitempty"`
	ID       string `json:"id,omitempty"`
}
