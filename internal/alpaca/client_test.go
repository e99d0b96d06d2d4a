package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/averhola/skyloop/internal/testutil/testlog"
)

// fakeDevice is one simulated device: GET serves props, PUT records
// calls and runs the registered hook.
type fakeDevice struct {
	props map[string]any
	onPut map[string]func(d *fakeDevice, form url.Values) (any, error)
	puts  []putRecord
}

type putRecord struct {
	method string
	form   url.Values
}

func (d *fakeDevice) lastPut(method string) (url.Values, bool) {
	for i := len(d.puts) - 1; i >= 0; i-- {
		if d.puts[i].method == method {
			return d.puts[i].form, true
		}
	}
	return nil, false
}

// fakeServer simulates a device hub addressing devices by type and
// number, answering in the standard envelope.
type fakeServer struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
	srv     *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{devices: make(map[string]*fakeDevice)}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) addr() string { return fs.srv.URL }

func (fs *fakeServer) add(deviceType string, number int, props map[string]any) *fakeDevice {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d := &fakeDevice{
		props: props,
		onPut: make(map[string]func(d *fakeDevice, form url.Values) (any, error)),
	}
	fs.devices[fmt.Sprintf("%s/%d", deviceType, number)] = d
	return d
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/"), "/")
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.devices[parts[0]+"/"+parts[1]]
	if !ok {
		writeEnvelope(w, nil, 1025, "no such device")
		return
	}
	method := parts[2]

	switch r.Method {
	case http.MethodGet:
		value, ok := d.props[method]
		if !ok {
			writeEnvelope(w, nil, 1024, "property not implemented: "+method)
			return
		}
		writeEnvelope(w, value, 0, "")
	case http.MethodPut:
		if err := r.ParseForm(); err != nil {
			writeEnvelope(w, nil, 1026, "bad form")
			return
		}
		d.puts = append(d.puts, putRecord{method: method, form: r.PostForm})
		if hook, ok := d.onPut[method]; ok {
			value, err := hook(d, r.PostForm)
			if err != nil {
				writeEnvelope(w, nil, 1027, err.Error())
				return
			}
			writeEnvelope(w, value, 0, "")
			return
		}
		writeEnvelope(w, "", 0, "")
	default:
		http.NotFound(w, r)
	}
}

func writeEnvelope(w http.ResponseWriter, value any, errNum int, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"Value":        value,
		"ErrorNumber":  errNum,
		"ErrorMessage": errMsg,
	})
}

func TestClientGetDecodesValue(t *testing.T) {
	testlog.Start(t)

	fs := newFakeServer(t)
	fs.add("telescope", 0, map[string]any{"rightascension": 12.34})

	c := NewClient(fs.addr(), "telescope", 0, time.Second)
	got, err := c.getFloat(context.Background(), "rightascension")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 12.34 {
		t.Fatalf("value = %v, want 12.34", got)
	}
}

func TestClientDeviceErrorIsSentinel(t *testing.T) {
	testlog.Start(t)

	fs := newFakeServer(t)
	fs.add("telescope", 0, map[string]any{})

	c := NewClient(fs.addr(), "telescope", 0, time.Second)
	_, err := c.getFloat(context.Background(), "altitude")
	if !errors.Is(err, ErrDeviceError) {
		t.Fatalf("error = %v, want ErrDeviceError", err)
	}
	if !strings.Contains(err.Error(), "altitude") {
		t.Fatalf("error should name the method, got %q", err)
	}
}

func TestClientTransactionIDsIncrement(t *testing.T) {
	testlog.Start(t)

	var ids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, r.URL.Query().Get("ClientTransactionID"))
		writeEnvelope(w, true, 0, "")
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "telescope", 0, time.Second)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.getBool(ctx, "connected"); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	if len(ids) != 3 || ids[0] == ids[1] || ids[1] == ids[2] {
		t.Fatalf("transaction ids should be distinct, got %v", ids)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"127.0.0.1:11111":        "http://127.0.0.1:11111",
		"http://scope.local/":    "http://scope.local",
		"https://scope.local:80": "https://scope.local:80",
		":11111":                 "http://localhost:11111",
	}
	for in, want := range cases {
		if got := normalizeBaseURL(in); got != want {
			t.Fatalf("normalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientPutSendsForm(t *testing.T) {
	testlog.Start(t)

	fs := newFakeServer(t)
	d := fs.add("telescope", 0, nil)

	c := NewClient(fs.addr(), "telescope", 0, time.Second)
	if err := c.putBool(context.Background(), "tracking", "Tracking", true); err != nil {
		t.Fatalf("put: %v", err)
	}
	form, ok := d.lastPut("tracking")
	if !ok {
		t.Fatal("no tracking put recorded")
	}
	if form.Get("Tracking") != "True" {
		t.Fatalf("Tracking = %q, want True", form.Get("Tracking"))
	}
	if form.Get("ClientTransactionID") == "" {
		t.Fatal("transaction id missing from form")
	}
}
