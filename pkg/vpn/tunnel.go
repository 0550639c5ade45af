package vpn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/sharifconnect/sharifconnect/pkg/log"
	"github.com/sharifconnect/sharifconnect/pkg/model"
	"github.com/sharifconnect/sharifconnect/pkg/shell"
)

const (
	DefaultName         = "sharif"
	DefaultServer       = "access2.sharif.edu"
	DefaultPreSharedKey = "access1.sharif.ir"
	DefaultInterface    = "ppp0"
	DefaultTimeout      = 45 * time.Second
)

type Config struct {
	Name         string
	Server       string
	PreSharedKey string
	// Interface is the PPP link the tunnel brings up on Linux.
	Interface string
	Timeout   time.Duration
}

// LinkChecker reports whether a network link exists and is not down.
type LinkChecker interface {
	LinkPresent(name string) (bool, error)
}

// Tunnel establishes and tears down the campus L2TP tunnel through the OS
// VPN facility: rasdial on Windows, NetworkManager on Linux.
type Tunnel struct {
	cfg    Config
	runner shell.Runner
	links  LinkChecker
	goos   string
	logger *zap.SugaredLogger
}

func New(cfg Config, runner shell.Runner, logger *zap.SugaredLogger) *Tunnel {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.PreSharedKey == "" {
		cfg.PreSharedKey = DefaultPreSharedKey
	}
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if runner == nil {
		runner = &shell.ExecRunner{Logger: logger}
	}
	return &Tunnel{
		cfg:    cfg,
		runner: runner,
		links:  netlinkChecker{},
		goos:   runtime.GOOS,
		logger: log.OrNop(logger),
	}
}

// WithPlatform overrides the detected OS and link checker.
func (t *Tunnel) WithPlatform(goos string, links LinkChecker) *Tunnel {
	t.goos = goos
	t.links = links
	return t
}

// Establish (re)creates the VPN profile and dials it with creds.
func (t *Tunnel) Establish(ctx context.Context, creds *model.Credentials) error {
	if creds.Empty() {
		return fmt.Errorf("%w: username and password are required", model.ErrAuth)
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	ctx = shell.WithRedact(ctx, creds.Password, t.cfg.PreSharedKey)

	var err error
	switch t.goos {
	case "windows":
		err = t.establishRAS(ctx, creds)
	case "linux":
		if verr := checkNMCredentials(creds); verr != nil {
			return verr
		}
		err = t.establishNM(ctx, creds)
	default:
		return fmt.Errorf("vpn on %s: %w", t.goos, errors.ErrUnsupported)
	}
	if err != nil {
		t.logger.Warnw("vpn connect failed", "name", t.cfg.Name, "server", t.cfg.Server, "error", err)
		return fmt.Errorf("%w: vpn failed: %v", model.ErrTransport, err)
	}
	t.logger.Infow("vpn connected", "name", t.cfg.Name, "server", t.cfg.Server)
	return nil
}

// Teardown disconnects the tunnel. Tearing down an absent tunnel succeeds.
func (t *Tunnel) Teardown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	var err error
	switch t.goos {
	case "windows":
		_, err = t.runner.Run(ctx, "rasdial", t.cfg.Name, "/disconnect")
	case "linux":
		err = t.teardownNM(ctx)
	default:
		return fmt.Errorf("vpn on %s: %w", t.goos, errors.ErrUnsupported)
	}
	if err != nil {
		t.logger.Warnw("vpn disconnect failed", "name", t.cfg.Name, "error", err)
		return fmt.Errorf("%w: failed to disconnect vpn: %v", model.ErrTransport, err)
	}
	t.logger.Infow("vpn disconnected", "name", t.cfg.Name)
	return nil
}

func (t *Tunnel) establishRAS(ctx context.Context, creds *model.Credentials) error {
	// stale phonebook entries are dropped; a missing one is not an error
	_, _ = t.runner.Run(ctx, "rasphone", "-R", t.cfg.Name)

	script := fmt.Sprintf(
		"Add-VpnConnection -Name '%s' -ServerAddress '%s' -TunnelType L2tp -L2tpPsk '%s' -AuthenticationMethod PAP -Force",
		psQuote(t.cfg.Name), psQuote(t.cfg.Server), psQuote(t.cfg.PreSharedKey),
	)
	if _, err := t.runner.Run(ctx, "powershell", "-NoProfile", "-Command", script); err != nil {
		return err
	}
	_, err := t.runner.Run(ctx, "rasdial", t.cfg.Name, creds.Username, creds.Password)
	return err
}

// establishNM keeps the password off the command line: the profile is saved
// without it and the secret is handed to "connection up" in a private file.
func (t *Tunnel) establishNM(ctx context.Context, creds *model.Credentials) error {
	_, _ = t.runner.Run(ctx, "nmcli", "connection", "delete", "id", t.cfg.Name)

	data := fmt.Sprintf(
		"gateway=%s, ipsec-enabled=yes, ipsec-psk=%s, user=%s, password-flags=2, refuse-eap=yes, refuse-chap=yes, refuse-mschap=yes, refuse-mschapv2=yes",
		t.cfg.Server, t.cfg.PreSharedKey, creds.Username,
	)
	_, err := t.runner.Run(ctx, "nmcli", "connection", "add",
		"type", "vpn",
		"con-name", t.cfg.Name,
		"ifname", "*",
		"vpn-type", "l2tp",
		"vpn.data", data,
	)
	if err != nil {
		return err
	}

	passwd, err := writeSecrets(creds.Password)
	if err != nil {
		return err
	}
	defer os.Remove(passwd)
	_, err = t.runner.Run(ctx, "nmcli", "connection", "up", "id", t.cfg.Name, "passwd-file", passwd)
	return err
}

// writeSecrets stores the vpn password in a 0600 temp file in the format
// nmcli passwd-file reads.
func writeSecrets(password string) (string, error) {
	f, err := os.CreateTemp("", "sharifconnect-*.secrets")
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if _, err := f.WriteString("vpn.secrets.password:" + password + "\n"); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// checkNMCredentials rejects values that would break out of their slot in
// vpn.data or the passwd-file.
func checkNMCredentials(creds *model.Credentials) error {
	for _, r := range creds.Username {
		if r == ',' || r == '=' || r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: username %q contains characters the vpn profile cannot hold", model.ErrInvalidInput, creds.Username)
		}
	}
	if strings.ContainsAny(creds.Password, "\r\n") {
		return fmt.Errorf("%w: password must not contain line breaks", model.ErrInvalidInput)
	}
	return nil
}

func (t *Tunnel) teardownNM(ctx context.Context) error {
	present, err := t.links.LinkPresent(t.cfg.Interface)
	if err != nil {
		t.logger.Debugw("link lookup failed, disconnecting anyway", "link", t.cfg.Interface, "error", err)
	} else if !present {
		t.logger.Infow("vpn link already down", "link", t.cfg.Interface)
		return nil
	}

	_, err = t.runner.Run(ctx, "nmcli", "connection", "down", "id", t.cfg.Name)
	if err == nil {
		return nil
	}
	// nmcli fails when the connection is not active; a vanished link means we are down
	if present, lerr := t.links.LinkPresent(t.cfg.Interface); lerr == nil && !present {
		t.logger.Warnw("nmcli down failed but link is gone", "error", err)
		return nil
	}
	return err
}

func psQuote(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' {
			out = append(out, '\'')
		}
		out = append(out, r)
	}
	return string(out)
}
