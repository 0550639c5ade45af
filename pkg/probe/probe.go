// Package probe answers "is this host reachable" with bounded-time checks.
//
// Every probe returns a plain bool: failures, timeouts and bad statuses all
// read as unreachable. Multi-target probes run concurrently under one shared
// deadline, stop at the first success, and wait for their workers before
// returning so nothing outlives the call.
package probe

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sharifconnect/sharifconnect/pkg/log"
	"github.com/sharifconnect/sharifconnect/pkg/model"
	"github.com/sharifconnect/sharifconnect/pkg/shell"
)

const (
	DefaultPingTimeout    = 750 * time.Millisecond
	DefaultHTTPTimeout    = time.Second
	DefaultRequestTimeout = 15 * time.Second
	DefaultFallbackIP     = "1.1.1.1"
	DefaultIPLookupURL    = "https://icanhazip.com/"
)

var DefaultPublicProbes = []string{
	"https://www.aparat.com",
	"https://www.google.com",
	"https://snap.ir",
}

type Options struct {
	Runner         shell.Runner
	HTTPClient     *http.Client
	GOOS           string
	PublicProbes   []string
	FallbackIP     string
	IPLookupURL    string
	PingTimeout    time.Duration
	HTTPTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *zap.SugaredLogger
}

type Prober struct {
	runner         shell.Runner
	client         *http.Client
	goos           string
	publicProbes   []string
	fallbackIP     string
	ipLookupURL    string
	pingTimeout    time.Duration
	httpTimeout    time.Duration
	requestTimeout time.Duration
	logger         *zap.SugaredLogger
}

func New(opts Options) *Prober {
	p := &Prober{
		runner:         opts.Runner,
		client:         opts.HTTPClient,
		goos:           opts.GOOS,
		publicProbes:   opts.PublicProbes,
		fallbackIP:     opts.FallbackIP,
		ipLookupURL:    opts.IPLookupURL,
		pingTimeout:    opts.PingTimeout,
		httpTimeout:    opts.HTTPTimeout,
		requestTimeout: opts.RequestTimeout,
		logger:         log.OrNop(opts.Logger),
	}
	if p.runner == nil {
		p.runner = &shell.ExecRunner{Logger: opts.Logger}
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.goos == "" {
		p.goos = runtime.GOOS
	}
	if len(p.publicProbes) == 0 {
		p.publicProbes = DefaultPublicProbes
	}
	if p.fallbackIP == "" {
		p.fallbackIP = DefaultFallbackIP
	}
	if p.ipLookupURL == "" {
		p.ipLookupURL = DefaultIPLookupURL
	}
	if p.pingTimeout <= 0 {
		p.pingTimeout = DefaultPingTimeout
	}
	if p.httpTimeout <= 0 {
		p.httpTimeout = DefaultHTTPTimeout
	}
	if p.requestTimeout <= 0 {
		p.requestTimeout = DefaultRequestTimeout
	}
	return p
}

// Ping sends one ICMP echo through the OS ping command.
func (p *Prober) Ping(ctx context.Context, host string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = p.pingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := p.runner.Run(ctx, "ping", pingArgs(p.goos, host, timeout)...)
	if err != nil {
		p.logger.Debugw("ping failed", "host", host, "error", err)
		return false
	}
	// windows ping exits 0 on "Destination host unreachable" replies
	if p.goos == "windows" && !strings.Contains(strings.ToUpper(string(out)), "TTL=") {
		p.logger.Debugw("ping got no echo reply", "host", host)
		return false
	}
	return true
}

// Reachable pings host with the default timeout.
func (p *Prober) Reachable(ctx context.Context, host string) bool {
	return p.Ping(ctx, host, p.pingTimeout)
}

// HTTP issues one GET and reports whether a 2xx/3xx response came back in time.
func (p *Prober) HTTP(ctx context.Context, url string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = p.httpTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debugw("http probe failed", "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < 400
}

// AnyReachable pings every host at once and returns on the first answer.
func (p *Prober) AnyReachable(ctx context.Context, hosts ...string) bool {
	return firstSuccess(ctx, p.pingTimeout, len(hosts), func(ctx context.Context, i int) bool {
		return p.Ping(ctx, hosts[i], p.pingTimeout)
	})
}

// PublicInternet probes the public web hosts and pings the fallback IP, since
// captive networks often intercept HTTP but not ICMP. The ping is the last
// resort in order but runs alongside the web probes; the answer is the same
// as trying it after all of them failed.
func (p *Prober) PublicInternet(ctx context.Context) bool {
	timeout := p.httpTimeout
	if p.pingTimeout > timeout {
		timeout = p.pingTimeout
	}
	n := len(p.publicProbes)
	return firstSuccess(ctx, timeout, n+1, func(ctx context.Context, i int) bool {
		if i == n {
			return p.Ping(ctx, p.fallbackIP, p.pingTimeout)
		}
		return p.HTTP(ctx, p.publicProbes[i], p.httpTimeout)
	})
}

// PublicIP returns the address the outside world sees for this host.
func (p *Prober) PublicIP(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ipLookupURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: ip lookup: %v", model.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: ip lookup http %d", model.ErrTransport, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 128))
	if err != nil {
		return "", fmt.Errorf("%w: ip lookup: %v", model.ErrTransport, err)
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("%w: ip lookup returned %q", model.ErrTransport, ip)
	}
	return ip, nil
}

// firstSuccess runs try for 0..n-1 concurrently and reports whether any
// returned true before the deadline. Remaining workers are cancelled and
// waited for.
func firstSuccess(ctx context.Context, timeout time.Duration, n int, try func(ctx context.Context, i int) bool) bool {
	if n == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- try(ctx, i)
		}(i)
	}
	for i := 0; i < n; i++ {
		select {
		case ok := <-results:
			if ok {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return false
}

func pingArgs(goos, host string, timeout time.Duration) []string {
	ms := timeout.Milliseconds()
	secs := int(math.Ceil(timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", strconv.FormatInt(ms, 10), host}
	case "darwin", "freebsd":
		return []string{"-c", "1", "-t", strconv.Itoa(secs), host}
	default:
		return []string{"-c", "1", "-W", strconv.Itoa(secs), host}
	}
}
