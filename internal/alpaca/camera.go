package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/averhola/skyloop/internal/logging"
)

const (
	imageReadyPollInterval = time.Second
	// readoutMargin bounds the ImageReady wait beyond the exposure
	// itself: download and sensor readout time.
	readoutMargin = 60 * time.Second
)

// Frame is one downloaded image, row-major.
type Frame struct {
	Width      int
	Height     int
	Pixels     []int32
	CapturedAt time.Time
	ExposureS  float64
	Binning    int
	Gain       int
	CCDTempC   float64
	HasTemp    bool
}

// Camera drives one imaging sensor: exposure, cooling, readout.
type Camera struct {
	c *Client

	Role           string
	DefaultBinning int
	DefaultGain    int
	CoolerTargetC  float64

	name     string
	sensorW  int
	sensorH  int
	canAbort bool
}

// NewCamera binds a camera client for one device number.
func NewCamera(address string, number int, timeout time.Duration) *Camera {
	return &Camera{
		c:              NewClient(address, "camera", number, timeout),
		DefaultBinning: 1,
		DefaultGain:    100,
		CoolerTargetC:  -10,
	}
}

// Connect establishes the link, reads the sensor geometry and probes
// the abort capability once.
func (m *Camera) Connect(ctx context.Context) error {
	connected, err := m.c.connected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		if err := m.c.setConnected(ctx, true); err != nil {
			return err
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
	if m.name, err = m.c.name(ctx); err != nil {
		return err
	}
	if m.sensorW, err = m.c.getInt(ctx, "cameraxsize"); err != nil {
		return err
	}
	if m.sensorH, err = m.c.getInt(ctx, "cameraysize"); err != nil {
		return err
	}
	if m.canAbort, err = m.c.getBool(ctx, "canabortexposure"); err != nil {
		return err
	}
	logging.Infof("alpaca.Camera.Connect ok role=%q name=%q sensor=%dx%d canAbort=%t",
		m.Role, m.name, m.sensorW, m.sensorH, m.canAbort)
	return nil
}

// Disconnect releases the device link.
func (m *Camera) Disconnect(ctx context.Context) error {
	return m.c.setConnected(ctx, false)
}

// Name reports the identity read at connect.
func (m *Camera) Name() string { return m.name }

// DeviceNumber reports the device slot this camera was matched at.
func (m *Camera) DeviceNumber() int { return m.c.number }

// CanAbort reports the abort capability probed at connect.
func (m *Camera) CanAbort() bool { return m.canAbort }

// configureROI applies binning and a full-sensor region snapped down
// to the readout increments the driver requires (x to 8, y to 2).
func (m *Camera) configureROI(ctx context.Context, binning int) (w, h int, err error) {
	if binning < 1 {
		binning = 1
	}
	if err := m.c.putInt(ctx, "binx", "BinX", binning); err != nil {
		return 0, 0, err
	}
	if err := m.c.putInt(ctx, "biny", "BinY", binning); err != nil {
		return 0, 0, err
	}
	w = (m.sensorW / binning) / 8 * 8
	h = (m.sensorH / binning) / 2 * 2
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("alpaca: camera %s: binning %d leaves no usable region on %dx%d",
			m.name, binning, m.sensorW, m.sensorH)
	}
	if err := m.c.putInt(ctx, "startx", "StartX", 0); err != nil {
		return 0, 0, err
	}
	if err := m.c.putInt(ctx, "starty", "StartY", 0); err != nil {
		return 0, 0, err
	}
	if err := m.c.putInt(ctx, "numx", "NumX", w); err != nil {
		return 0, 0, err
	}
	if err := m.c.putInt(ctx, "numy", "NumY", h); err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

// Capture runs one light exposure end to end and downloads the frame.
// binning/gain ≤ 0 fall back to the camera defaults. Failure to set
// gain is tolerated; not every driver implements it.
func (m *Camera) Capture(ctx context.Context, exposureSeconds float64, binning, gain int) (*Frame, error) {
	if binning <= 0 {
		binning = m.DefaultBinning
	}
	if gain <= 0 {
		gain = m.DefaultGain
	}

	w, h, err := m.configureROI(ctx, binning)
	if err != nil {
		return nil, err
	}
	if err := m.c.putInt(ctx, "gain", "Gain", gain); err != nil {
		logging.Warnf("alpaca.Camera.Capture gain not supported name=%q err=%q", m.name, err)
	}

	temp, tempErr := m.c.getFloat(ctx, "ccdtemperature")

	logging.Infof("alpaca.Camera.Capture start name=%q exposure=%.1fs binning=%d gain=%d region=%dx%d",
		m.name, exposureSeconds, binning, gain, w, h)
	started := time.Now().UTC()
	form := map[string]string{
		"Duration": fmt.Sprintf("%g", exposureSeconds),
		"Light":    capitalBool(true),
	}
	if err := m.putForm(ctx, "startexposure", form); err != nil {
		return nil, err
	}

	deadline := started.Add(time.Duration(exposureSeconds*float64(time.Second)) + readoutMargin)
	for {
		ready, err := m.c.getBool(ctx, "imageready")
		if err != nil {
			return nil, err
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("alpaca: camera %s: image not ready %.0fs after a %.1fs exposure",
				m.name, time.Since(started).Seconds(), exposureSeconds)
		}
		if err := sleepCtx(ctx, imageReadyPollInterval); err != nil {
			return nil, err
		}
	}

	pixels, err := m.downloadImage(ctx, w, h)
	if err != nil {
		return nil, err
	}
	frame := &Frame{
		Width:      w,
		Height:     h,
		Pixels:     pixels,
		CapturedAt: started,
		ExposureS:  exposureSeconds,
		Binning:    binning,
		Gain:       gain,
	}
	if tempErr == nil {
		frame.CCDTempC = temp
		frame.HasTemp = true
	}
	logging.Infof("alpaca.Camera.Capture complete name=%q size=%dx%d elapsed=%.1fs",
		m.name, w, h, time.Since(started).Seconds())
	return frame, nil
}

// downloadImage fetches ImageArray. The wire layout is column-major
// (an array per x column); the returned slice is row-major.
func (m *Camera) downloadImage(ctx context.Context, w, h int) ([]int32, error) {
	raw, err := m.c.Get(ctx, "imagearray", nil)
	if err != nil {
		return nil, err
	}
	var columns [][]int32
	if err := json.Unmarshal(raw, &columns); err != nil {
		return nil, fmt.Errorf("alpaca: camera %s: decode image array: %w", m.name, err)
	}
	if len(columns) != w {
		return nil, fmt.Errorf("alpaca: camera %s: image array has %d columns, expected %d", m.name, len(columns), w)
	}
	pixels := make([]int32, w*h)
	for x, col := range columns {
		if len(col) != h {
			return nil, fmt.Errorf("alpaca: camera %s: column %d has %d rows, expected %d", m.name, x, len(col), h)
		}
		for y, v := range col {
			pixels[y*w+x] = v
		}
	}
	return pixels, nil
}

// AbortExposure stops an in-flight exposure when the device supports
// it; otherwise it is a logged no-op.
func (m *Camera) AbortExposure(ctx context.Context) error {
	if !m.canAbort {
		logging.Debugf("alpaca.Camera.AbortExposure unsupported name=%q", m.name)
		return nil
	}
	logging.Warnf("alpaca.Camera.AbortExposure issued name=%q", m.name)
	_, err := m.c.Put(ctx, "abortexposure", nil)
	return err
}

// CoolerOn drives the sensor toward the target temperature.
func (m *Camera) CoolerOn(ctx context.Context) error {
	if err := m.c.putFloat(ctx, "setccdtemperature", "SetCCDTemperature", m.CoolerTargetC); err != nil {
		return err
	}
	if err := m.c.putBool(ctx, "cooleron", "CoolerOn", true); err != nil {
		return err
	}
	logging.Infof("alpaca.Camera.CoolerOn name=%q target=%.1fC", m.name, m.CoolerTargetC)
	return nil
}

// CoolerOff disables cooling; used during teardown.
func (m *Camera) CoolerOff(ctx context.Context) error {
	if err := m.c.putBool(ctx, "cooleron", "CoolerOn", false); err != nil {
		return err
	}
	logging.Infof("alpaca.Camera.CoolerOff name=%q", m.name)
	return nil
}

// Temperature reads the current sensor temperature.
func (m *Camera) Temperature(ctx context.Context) (float64, error) {
	return m.c.getFloat(ctx, "ccdtemperature")
}

func (m *Camera) putForm(ctx context.Context, method string, kv map[string]string) error {
	form := url.Values{}
	for k, v := range kv {
		form.Set(k, v)
	}
	_, err := m.c.Put(ctx, method, form)
	return err
}

// DiscoverCameras probes device numbers 0..maxProbe on one server and
// assigns cameras to roles by substring match against the device name.
// The main role is required; others are optional.
func DiscoverCameras(ctx context.Context, address string, timeout time.Duration, maxProbe int, patterns map[string]string) (map[string]*Camera, error) {
	if maxProbe < 1 {
		maxProbe = 1
	}
	type found struct {
		number int
		name   string
	}
	var devices []found
	for number := 0; number <= maxProbe; number++ {
		probe := NewClient(address, "camera", number, timeout)
		name, err := probe.name(ctx)
		if err != nil {
			// A connect-first driver may refuse Name until linked.
			if cErr := probe.setConnected(ctx, true); cErr != nil {
				continue
			}
			if name, err = probe.name(ctx); err != nil {
				continue
			}
			_ = probe.setConnected(ctx, false)
		}
		devices = append(devices, found{number: number, name: name})
		logging.Infof("alpaca.DiscoverCameras found number=%d name=%q", number, name)
	}

	cameras := make(map[string]*Camera)
	var missing []string
	for role, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		matched := false
		for _, dev := range devices {
			if strings.Contains(dev.name, pattern) {
				cam := NewCamera(address, dev.number, timeout)
				cam.Role = role
				cameras[role] = cam
				logging.Infof("alpaca.DiscoverCameras matched role=%q name=%q pattern=%q", role, dev.name, pattern)
				matched = true
				break
			}
		}
		if !matched {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(devices))
		for _, dev := range devices {
			names = append(names, dev.name)
		}
		for _, role := range missing {
			if role == "main" {
				return nil, fmt.Errorf("alpaca: no camera matches the main role pattern; available: %s",
					strings.Join(names, ", "))
			}
			logging.Warnf("alpaca.DiscoverCameras unmatched optional role=%q available=%q", role, strings.Join(names, ", "))
		}
	}
	return cameras, nil
}
