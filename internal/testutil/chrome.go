package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

// ErrChromeNotFound is returned when no Chrome or Chromium binary exists.
var ErrChromeNotFound = errors.New("chrome not found")

// Chrome is a headless browser started for integration tests.
type Chrome struct {
	Host string
	Port int

	cmd     *exec.Cmd
	dataDir string
}

// RequireChrome starts headless Chrome for the test and stops it when the
// test ends. The test is skipped under -short or when no browser is
// installed.
func RequireChrome(t *testing.T) *Chrome {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}

	c, err := StartChrome()
	if errors.Is(err, ErrChromeNotFound) {
		t.Skip("no Chrome or Chromium installed")
	}
	if err != nil {
		t.Fatalf("starting chrome: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

// StartChrome starts headless Chrome with remote debugging on a free
// port. Stop it with Stop.
func StartChrome() (*Chrome, error) {
	path := findChrome()
	if path == "" {
		return nil, ErrChromeNotFound
	}

	port, err := freePort()
	if err != nil {
		return nil, err
	}

	dataDir, err := os.MkdirTemp("", "pagelens-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("creating profile dir: %w", err)
	}

	cmd := exec.Command(path,
		"--headless=new",
		"--disable-gpu",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-extensions",
		"--disable-background-networking",
		"--disable-sync",
		"--mute-audio",
		"--no-first-run",
		"--disable-default-apps",
		"--site-per-process",
		fmt.Sprintf("--remote-debugging-port=%d", port),
		fmt.Sprintf("--user-data-dir=%s", dataDir),
		"about:blank",
	)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	c := &Chrome{Host: "127.0.0.1", Port: port, cmd: cmd, dataDir: dataDir}
	if err := c.waitReady(15 * time.Second); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

// Stop kills the browser and removes its profile.
func (c *Chrome) Stop() {
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
	if c.dataDir != "" {
		os.RemoveAll(c.dataDir)
	}
}

// waitReady polls the discovery endpoint until it answers.
func (c *Chrome) waitReady(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/json/version", c.Host, c.Port)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("chrome not ready on port %d after %s", c.Port, timeout)
		case <-ticker.C:
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func findChrome() string {
	if p := os.Getenv("PAGELENS_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "linux":
		paths = []string{"/snap/bin/chromium"}
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
