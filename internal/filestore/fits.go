package filestore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fitsBlockSize = 2880

// FrameHeader carries the cards stamped into each saved frame.
type FrameHeader struct {
	Object    string
	RAHours   float64
	DecDeg    float64
	Magnitude float64
	HasMag    bool
	Camera    string
	ExpTime   float64
	Filter    string
	Gain      int
	BinX      int
	BinY      int
	CCDTempC  float64
	HasTemp   bool
	DateObs   time.Time
}

// WriteFrame encodes a single-HDU 16-bit FITS image and writes it
// atomically. Pixels are stored big-endian with BZERO 32768 so the
// full unsigned camera range survives the signed storage type.
func WriteFrame(path string, width, height int, pixels []int32, hdr FrameHeader) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("filestore: invalid frame dimensions %dx%d", width, height)
	}
	if len(pixels) != width*height {
		return fmt.Errorf("filestore: pixel count %d does not match %dx%d", len(pixels), width, height)
	}

	header := buildHeader(width, height, hdr)
	data := make([]byte, padTo(len(pixels)*2, fitsBlockSize))
	for i, px := range pixels {
		if px < 0 {
			px = 0
		}
		if px > 65535 {
			px = 65535
		}
		binary.BigEndian.PutUint16(data[i*2:], uint16(px-32768))
	}

	buf := make([]byte, 0, len(header)+len(data))
	buf = append(buf, header...)
	buf = append(buf, data...)
	return WriteFileAtomic(path, buf, 0o644)
}

func buildHeader(width, height int, hdr FrameHeader) []byte {
	var cards []string
	cards = append(cards,
		cardLogical("SIMPLE", true),
		cardInt("BITPIX", 16),
		cardInt("NAXIS", 2),
		cardInt("NAXIS1", width),
		cardInt("NAXIS2", height),
		cardInt("BSCALE", 1),
		cardInt("BZERO", 32768),
	)
	if hdr.Object != "" {
		cards = append(cards, cardString("OBJECT", hdr.Object))
	}
	cards = append(cards,
		cardFloat("RA", hdr.RAHours),
		cardFloat("DEC", hdr.DecDeg),
	)
	if hdr.HasMag {
		cards = append(cards, cardFloat("MAG", hdr.Magnitude))
	}
	if hdr.Camera != "" {
		cards = append(cards, cardString("CAMERA", hdr.Camera))
	}
	cards = append(cards,
		cardFloat("EXPTIME", hdr.ExpTime),
		cardString("FILTER", hdr.Filter),
		cardInt("GAIN", hdr.Gain),
		cardInt("XBINNING", hdr.BinX),
		cardInt("YBINNING", hdr.BinY),
	)
	if hdr.HasTemp {
		cards = append(cards, cardFloat("CCDTEMP", hdr.CCDTempC))
	}
	cards = append(cards,
		cardString("DATE-OBS", hdr.DateObs.UTC().Format(time.RFC3339)),
		padCard("END"),
	)

	out := make([]byte, padTo(len(cards)*80, fitsBlockSize))
	for i := range out {
		out[i] = ' '
	}
	for i, card := range cards {
		copy(out[i*80:], card)
	}
	return out
}

func padTo(n, block int) int {
	if rem := n % block; rem != 0 {
		return n + block - rem
	}
	return n
}

func padCard(card string) string {
	if len(card) > 80 {
		return card[:80]
	}
	return card + strings.Repeat(" ", 80-len(card))
}

func cardLogical(key string, v bool) string {
	val := "F"
	if v {
		val = "T"
	}
	return padCard(fmt.Sprintf("%-8s= %20s", key, val))
}

func cardInt(key string, v int) string {
	return padCard(fmt.Sprintf("%-8s= %20d", key, v))
}

func cardFloat(key string, v float64) string {
	return padCard(fmt.Sprintf("%-8s= %20.6f", key, v))
}

func cardString(key, v string) string {
	v = strings.ReplaceAll(v, "'", "''")
	if len(v) > 68 {
		v = v[:68]
	}
	return padCard(fmt.Sprintf("%-8s= '%s'", key, v))
}

// WriteFileAtomic writes via a temp file in the destination directory
// followed by a rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("filestore: temp write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: temp close: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: temp chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
}
