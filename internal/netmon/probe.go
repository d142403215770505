package netmon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Prober actively checks that the backend is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// LocalSignal is a cheap, local connectivity hint. It can report false
// positives (interface up, backend unreachable) but a false value is
// trusted: no probe is attempted.
type LocalSignal interface {
	Up() bool
}

// HTTPProber probes a health URL. Any response below 500 counts as
// reachable; the backend answered, even if it rejected the request.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe sends a HEAD request to the health URL.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, http.NoBody)
	if err != nil {
		return fmt.Errorf("netmon: building probe request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("netmon: probe %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("netmon: probe %s: HTTP %d", p.URL, resp.StatusCode)
	}

	return nil
}

// InterfaceSignal reports whether any non-loopback interface is up and has
// an address.
type InterfaceSignal struct{}

// Up implements LocalSignal. Errors enumerating interfaces are treated as
// "up" so the active probe decides.
func (InterfaceSignal) Up() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return true
	}

	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, addrErr := iface.Addrs()
		if addrErr == nil && len(addrs) > 0 {
			return true
		}
	}

	return false
}

// probeFunc adapts a function to Prober.
type probeFunc func(ctx context.Context) error

func (f probeFunc) Probe(ctx context.Context) error { return f(ctx) }
