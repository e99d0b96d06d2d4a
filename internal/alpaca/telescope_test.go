package alpaca

import (
	"context"
	"math"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/averhola/skyloop/internal/testutil/testlog"
)

func newTestTelescope(t *testing.T, props map[string]any) (*Telescope, *fakeDevice) {
	t.Helper()
	fs := newFakeServer(t)
	base := map[string]any{
		"connected":      true,
		"name":           "DDM160",
		"canpark":        true,
		"canunpark":      true,
		"atpark":         false,
		"slewing":        false,
		"tracking":       true,
		"rightascension": 10.0,
		"declination":    20.0,
	}
	for k, v := range props {
		base[k] = v
	}
	d := fs.add("telescope", 0, base)
	tel := NewTelescope(fs.addr(), 0, time.Second)
	tel.SettleSeconds = 0
	if err := tel.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return tel, d
}

func TestTelescopeSlewUnparksFirst(t *testing.T) {
	testlog.Start(t)

	tel, d := newTestTelescope(t, map[string]any{"atpark": true})
	d.onPut["unpark"] = func(d *fakeDevice, _ url.Values) (any, error) {
		d.props["atpark"] = false
		return "", nil
	}

	if err := tel.SlewTo(context.Background(), 5.5, -30.25); err != nil {
		t.Fatalf("slew: %v", err)
	}
	if _, ok := d.lastPut("unpark"); !ok {
		t.Fatal("expected unpark before slewing a parked mount")
	}
	form, ok := d.lastPut("slewtocoordinatesasync")
	if !ok {
		t.Fatal("no slew recorded")
	}
	if form.Get("RightAscension") != "5.5" || form.Get("Declination") != "-30.25" {
		t.Fatalf("slew coordinates = %q %q", form.Get("RightAscension"), form.Get("Declination"))
	}
}

func TestTelescopeCorrectionAppliesCosDecTerm(t *testing.T) {
	testlog.Start(t)

	tel, d := newTestTelescope(t, map[string]any{
		"rightascension": 10.0,
		"declination":    60.0,
	})

	raOffsetDeg := 0.01
	if err := tel.ApplyCoordinateCorrection(context.Background(), raOffsetDeg, 0.002); err != nil {
		t.Fatalf("correction: %v", err)
	}
	form, ok := d.lastPut("slewtocoordinatesasync")
	if !ok {
		t.Fatal("no slew recorded")
	}
	gotRA, err := strconv.ParseFloat(form.Get("RightAscension"), 64)
	if err != nil {
		t.Fatalf("parse ra: %v", err)
	}
	wantRA := 10.0 + raOffsetDeg/(15*math.Cos(60*math.Pi/180))
	if math.Abs(gotRA-wantRA) > 1e-9 {
		t.Fatalf("corrected RA = %.9f, want %.9f", gotRA, wantRA)
	}
	gotDec, err := strconv.ParseFloat(form.Get("Declination"), 64)
	if err != nil {
		t.Fatalf("parse dec: %v", err)
	}
	if math.Abs(gotDec-60.002) > 1e-9 {
		t.Fatalf("corrected Dec = %.9f, want 60.002", gotDec)
	}
}

func TestTelescopeCorrectionClampsDeclination(t *testing.T) {
	testlog.Start(t)

	tel, d := newTestTelescope(t, map[string]any{"declination": 89.9})

	if err := tel.ApplyCoordinateCorrection(context.Background(), 0, 0.5); err != nil {
		t.Fatalf("correction: %v", err)
	}
	form, _ := d.lastPut("slewtocoordinatesasync")
	gotDec, err := strconv.ParseFloat(form.Get("Declination"), 64)
	if err != nil {
		t.Fatalf("parse dec: %v", err)
	}
	if gotDec != 90 {
		t.Fatalf("Dec = %v, want clamp at 90", gotDec)
	}
}

func TestTelescopeParkWaitsForAtPark(t *testing.T) {
	testlog.Start(t)

	tel, d := newTestTelescope(t, nil)
	d.onPut["park"] = func(d *fakeDevice, _ url.Values) (any, error) {
		d.props["atpark"] = true
		return "", nil
	}

	if err := tel.Park(context.Background()); err != nil {
		t.Fatalf("park: %v", err)
	}
	if _, ok := d.lastPut("park"); !ok {
		t.Fatal("no park recorded")
	}
}

func TestTelescopeMotorActions(t *testing.T) {
	testlog.Start(t)

	tel, d := newTestTelescope(t, nil)
	d.onPut["action"] = func(_ *fakeDevice, form url.Values) (any, error) {
		return form.Get("Action"), nil
	}

	ctx := context.Background()
	if err := tel.MotorOn(ctx); err != nil {
		t.Fatalf("motor on: %v", err)
	}
	form, ok := d.lastPut("action")
	if !ok || form.Get("Action") != "telescope:motoron" {
		t.Fatalf("action = %q, want telescope:motoron", form.Get("Action"))
	}
	if err := tel.MotorOff(ctx); err != nil {
		t.Fatalf("motor off: %v", err)
	}
	form, _ = d.lastPut("action")
	if form.Get("Action") != "telescope:motoroff" {
		t.Fatalf("action = %q, want telescope:motoroff", form.Get("Action"))
	}
}
