// skyctl is the operator CLI for a running skyloopd: status queries,
// session history, and the stop/shutdown controls.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: skyctl [flags] <command>

commands:
  status     daemon + supervisor + session snapshot
  sessions   recent sessions from the ledger
  stop       stop the active session
  shutdown   shut the daemon down (hardware parks and covers)

flags:
`)
	flag.PrintDefaults()
}

func main() {
	profilePath := flag.String("profile", "", "profile TOML (defaults to ~/.config/skyloop/skyctl.toml)")
	addr := flag.String("addr", "", "daemon address (overrides profile)")
	token := flag.String("token", "", "bearer token for mutations (overrides profile)")
	limit := flag.Int("limit", 10, "sessions: number of rows")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := resolveProfile(*profilePath)
	if err != nil {
		fatalf("%v", err)
	}
	if *addr != "" {
		cfg.Address = strings.TrimRight(*addr, "/")
	}
	if *token != "" {
		cfg.Token = *token
	}

	client := &client{profile: cfg, http: &http.Client{Timeout: cfg.Timeout}}

	switch flag.Arg(0) {
	case "status":
		err = client.get("/v1/status")
	case "sessions":
		err = client.get(fmt.Sprintf("/v1/sessions?limit=%d", *limit))
	case "stop":
		err = client.post("/v1/session/stop")
	case "shutdown":
		err = client.post("/v1/shutdown")
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

type client struct {
	profile profile
	http    *http.Client
}

func (c *client) get(path string) error {
	req, err := http.NewRequest(http.MethodGet, c.profile.Address+path, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *client) post(path string) error {
	req, err := http.NewRequest(http.MethodPost, c.profile.Address+path, nil)
	if err != nil {
		return err
	}
	if c.profile.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.profile.Token)
	}
	return c.do(req)
}

func (c *client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "skyctl: "+format+"\n", args...)
	os.Exit(1)
}
