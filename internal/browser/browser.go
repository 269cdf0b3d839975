// Package browser opens share links in the operator's default browser.
package browser

import (
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// Commander starts external processes
type Commander interface {
	Start(name string, args ...string) error
}

// RealCommander executes actual commands
type RealCommander struct{}

// Start launches the command without waiting for it
func (RealCommander) Start(name string, args ...string) error {
	return exec.Command(name, args...).Start()
}

var defaultCommander Commander = RealCommander{}

// Open opens rawURL in the default browser
func Open(rawURL string) error {
	return OpenWithCommander(rawURL, defaultCommander, runtime.GOOS)
}

// OpenWithCommander opens rawURL using commander on the given OS. Only
// absolute http and https URLs are passed to the platform opener.
func OpenWithCommander(rawURL string, commander Commander, goos string) error {
	if err := checkURL(rawURL); err != nil {
		return err
	}

	var name string
	var args []string
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		name, args = "xdg-open", []string{rawURL}
	case "darwin":
		name, args = "open", []string{rawURL}
	case "windows":
		name, args = "rundll32", []string{"url.dll,FileProtocolHandler", rawURL}
	default:
		return fmt.Errorf("unsupported platform: %s", goos)
	}
	return commander.Start(name, args...)
}

func checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("refusing to open %q: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("refusing to open %q: missing host", rawURL)
	}
	return nil
}
