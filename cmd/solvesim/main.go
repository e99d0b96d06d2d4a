// solvesim stands in for the external producers: it writes plate-solve
// correction artifacts and coordinate-feed documents the same way the
// real solver and telescope mirror do, atomically, so the daemon's
// loops can be exercised without either.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/averhola/skyloop/internal/feed"
	"github.com/averhola/skyloop/internal/filestore"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: solvesim <command> [flags]

commands:
  artifact   write a correction artifact (the solver's output)
  move       write a coordinate-feed move (the mirrored telescope)
  dome       write a coordinate-feed dome event
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "artifact":
		err = writeArtifact(os.Args[2:])
	case "move":
		err = writeMove(os.Args[2:])
	case "dome":
		err = writeDome(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "solvesim: %v\n", err)
		os.Exit(1)
	}
}

// artifactDoc mirrors the solver's column form: every field keyed by
// frame index, single-frame output under "0".
type artifactDoc struct {
	RAOffset    map[string]float64 `json:"ra_offset"`
	DecOffset   map[string]float64 `json:"dec_offset"`
	ThetaOffset map[string]float64 `json:"theta_offset"`
	ExpTime     map[string]float64 `json:"exptime"`
	FitsName    map[string]string  `json:"fitsname"`
}

func writeArtifact(args []string) error {
	fs := flag.NewFlagSet("artifact", flag.ExitOnError)
	path := fs.String("path", "solver/correction.json", "artifact output path")
	ra := fs.Float64("ra", 0, "RA offset (degrees; 0 with -dec 0 simulates a failed solve)")
	dec := fs.Float64("dec", 0, "Dec offset (degrees)")
	theta := fs.Float64("theta", 0, "rotation offset (degrees)")
	exptime := fs.Float64("exptime", 10, "reference exposure (seconds)")
	frame := fs.String("frame", "", "solved frame filename (with sequence suffix)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	doc := artifactDoc{
		RAOffset:    map[string]float64{"0": *ra},
		DecOffset:   map[string]float64{"0": *dec},
		ThetaOffset: map[string]float64{"0": *theta},
		ExpTime:     map[string]float64{"0": *exptime},
		FitsName:    map[string]string{"0": *frame},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := filestore.WriteFileAtomic(*path, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote artifact %s frame=%q ra=%g dec=%g\n", *path, *frame, *ra, *dec)
	return nil
}

func writeMove(args []string) error {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	path := fs.String("path", "feed/coordinates.json", "feed output path")
	raDeg := fs.Float64("ra-deg", 0, "target RA (degrees, 0-360)")
	decDeg := fs.Float64("dec-deg", 0, "target Dec (degrees)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	doc := readFeed(*path)
	doc.LatestMove = &feed.MoveRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RADeg:     raDeg,
		DecDeg:    decDeg,
	}
	if err := feed.WriteDocument(*path, doc); err != nil {
		return err
	}
	fmt.Printf("wrote move %s ra_deg=%g dec_deg=%g\n", *path, *raDeg, *decDeg)
	return nil
}

func writeDome(args []string) error {
	fs := flag.NewFlagSet("dome", flag.ExitOnError)
	path := fs.String("path", "feed/coordinates.json", "feed output path")
	status := fs.String("status", "closed", "dome status value")
	message := fs.String("message", "", "free-form status message")
	if err := fs.Parse(args); err != nil {
		return err
	}

	doc := readFeed(*path)
	doc.LatestDome = &feed.DomeRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Status:    *status,
		Message:   *message,
	}
	if err := feed.WriteDocument(*path, doc); err != nil {
		return err
	}
	fmt.Printf("wrote dome event %s status=%q\n", *path, *status)
	return nil
}

// readFeed loads the existing document so move and dome writes do not
// clobber each other. A missing or broken file starts fresh.
func readFeed(path string) feed.Document {
	var doc feed.Document
	data, err := os.ReadFile(path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return feed.Document{}
	}
	return doc
}
