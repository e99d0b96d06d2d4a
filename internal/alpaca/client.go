package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ErrDeviceError marks a response whose ErrorNumber is non-zero. The
// wrapped message carries the device's own number and text.
var ErrDeviceError = errors.New("alpaca: device error")

// envelope is the standard response body shared by every device route.
type envelope struct {
	Value        json.RawMessage `json:"Value"`
	ErrorNumber  int             `json:"ErrorNumber"`
	ErrorMessage string          `json:"ErrorMessage"`
}

// Client speaks the management protocol for one numbered device:
// GET for properties, form-encoded PUT for actions. Transaction IDs
// increment atomically so concurrent calls stay distinguishable in
// device logs.
type Client struct {
	baseURL  string
	device   string
	number   int
	http     *http.Client
	clientID uint32
	txn      atomic.Uint32
}

// NewClient binds a client to one device endpoint. The address may be
// bare host:port; a scheme is added when missing.
func NewClient(address, device string, number int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  normalizeBaseURL(address),
		device:   device,
		number:   number,
		http:     &http.Client{Timeout: timeout},
		clientID: uint32(os.Getpid()),
	}
}

func normalizeBaseURL(address string) string {
	addr := strings.TrimSpace(address)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + strings.TrimRight(addr, "/")
}

func (c *Client) endpoint(method string) string {
	return fmt.Sprintf("%s/api/v1/%s/%d/%s", c.baseURL, c.device, c.number, strings.ToLower(method))
}

func (c *Client) label() string {
	return fmt.Sprintf("%s/%d", c.device, c.number)
}

// Get reads one device property. params may be nil.
func (c *Client) Get(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("ClientID", strconv.FormatUint(uint64(c.clientID), 10))
	params.Set("ClientTransactionID", strconv.FormatUint(uint64(c.txn.Add(1)), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(method)+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: %s %s: build request: %w", c.label(), method, err)
	}
	return c.do(req, method)
}

// Put invokes one device action. form may be nil.
func (c *Client) Put(ctx context.Context, method string, form url.Values) (json.RawMessage, error) {
	if form == nil {
		form = url.Values{}
	}
	form.Set("ClientID", strconv.FormatUint(uint64(c.clientID), 10))
	form.Set("ClientTransactionID", strconv.FormatUint(uint64(c.txn.Add(1)), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(method), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("alpaca: %s %s: build request: %w", c.label(), method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, method)
}

func (c *Client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca: %s %s: %w", c.label(), method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("alpaca: %s %s: read response: %w", c.label(), method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alpaca: %s %s: http %d: %s", c.label(), method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("alpaca: %s %s: decode response: %w", c.label(), method, err)
	}
	if env.ErrorNumber != 0 {
		return nil, fmt.Errorf("alpaca: %s %s: %w (%d: %s)", c.label(), method, ErrDeviceError, env.ErrorNumber, env.ErrorMessage)
	}
	return env.Value, nil
}

func (c *Client) getBool(ctx context.Context, method string) (bool, error) {
	raw, err := c.Get(ctx, method, nil)
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("alpaca: %s %s: decode value: %w", c.label(), method, err)
	}
	return v, nil
}

func (c *Client) getFloat(ctx context.Context, method string) (float64, error) {
	raw, err := c.Get(ctx, method, nil)
	if err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("alpaca: %s %s: decode value: %w", c.label(), method, err)
	}
	return v, nil
}

func (c *Client) getInt(ctx context.Context, method string) (int, error) {
	raw, err := c.Get(ctx, method, nil)
	if err != nil {
		return 0, err
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("alpaca: %s %s: decode value: %w", c.label(), method, err)
	}
	return v, nil
}

func (c *Client) getString(ctx context.Context, method string) (string, error) {
	raw, err := c.Get(ctx, method, nil)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("alpaca: %s %s: decode value: %w", c.label(), method, err)
	}
	return v, nil
}

func (c *Client) putBool(ctx context.Context, method, key string, v bool) error {
	form := url.Values{}
	form.Set(key, capitalBool(v))
	_, err := c.Put(ctx, method, form)
	return err
}

func (c *Client) putFloat(ctx context.Context, method, key string, v float64) error {
	form := url.Values{}
	form.Set(key, strconv.FormatFloat(v, 'f', -1, 64))
	_, err := c.Put(ctx, method, form)
	return err
}

func (c *Client) putInt(ctx context.Context, method, key string, v int) error {
	form := url.Values{}
	form.Set(key, strconv.Itoa(v))
	_, err := c.Put(ctx, method, form)
	return err
}

// setConnected flips the device's Connected property.
func (c *Client) setConnected(ctx context.Context, connected bool) error {
	return c.putBool(ctx, "connected", "Connected", connected)
}

func (c *Client) connected(ctx context.Context) (bool, error) {
	return c.getBool(ctx, "connected")
}

func (c *Client) name(ctx context.Context) (string, error) {
	return c.getString(ctx, "name")
}

// action invokes a driver-defined named action and returns its string
// result.
func (c *Client) action(ctx context.Context, name, parameters string) (string, error) {
	form := url.Values{}
	form.Set("Action", name)
	form.Set("Parameters", parameters)
	raw, err := c.Put(ctx, "action", form)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("alpaca: %s action %s: decode value: %w", c.label(), name, err)
	}
	return v, nil
}

// capitalBool renders booleans the way device firmware expects form
// parameters ("True"/"False").
func capitalBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// sleepCtx pauses for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
