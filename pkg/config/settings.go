package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds every endpoint, host and timeout the connector talks to.
// Zero values are filled from Default by Normalize.
type Settings struct {
	Network NetworkSettings `yaml:"network"`
	Portal  PortalSettings  `yaml:"portal"`
	VPN     VPNSettings     `yaml:"vpn"`
	Meta    MetaSettings    `yaml:"metadata"`
	API     APISettings     `yaml:"api"`
}

type NetworkSettings struct {
	Nameservers     []string      `yaml:"nameservers"`
	PortalHost      string        `yaml:"portal_host"`
	PublicProbes    []string      `yaml:"public_probes"`
	FallbackPingIP  string        `yaml:"fallback_ping_ip"`
	IPLookupURL     string        `yaml:"ip_lookup_url"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`
}

type PortalSettings struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
}

type VPNSettings struct {
	Name         string        `yaml:"name"`
	Server       string        `yaml:"server"`
	PreSharedKey string        `yaml:"pre_shared_key"`
	Interface    string        `yaml:"interface"`
	Timeout      time.Duration `yaml:"timeout"`
}

type MetaSettings struct {
	BandwidthLoginURL string `yaml:"bandwidth_login_url"`
	BandwidthLogsURL  string `yaml:"bandwidth_logs_url"`
	CASLoginURL       string `yaml:"cas_login_url"`
	ProfileService    string `yaml:"profile_service"`
	MaxLogRows        int    `yaml:"max_log_rows"`
}

type APISettings struct {
	Listen string `yaml:"listen"`
}

func Default() Settings {
	return Settings{
		Network: NetworkSettings{
			Nameservers:     []string{"172.26.146.34", "172.26.146.35"},
			PortalHost:      "net.sharif.ir",
			PublicProbes:    []string{"https://www.aparat.com", "https://www.google.com", "https://snap.ir"},
			FallbackPingIP:  "1.1.1.1",
			IPLookupURL:     "https://icanhazip.com/",
			PingTimeout:     750 * time.Millisecond,
			HTTPTimeout:     time.Second,
			RequestTimeout:  15 * time.Second,
			ClassifyTimeout: 3 * time.Second,
		},
		Portal: PortalSettings{
			BaseURL:   "https://net.sharif.ir",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		},
		VPN: VPNSettings{
			Name:         "sharif",
			Server:       "access2.sharif.edu",
			PreSharedKey: "access1.sharif.ir",
			Interface:    "ppp0",
			Timeout:      45 * time.Second,
		},
		Meta: MetaSettings{
			BandwidthLoginURL: "https://bw.ictc.sharif.edu/login",
			BandwidthLogsURL:  "https://bw.ictc.sharif.edu/connections",
			CASLoginURL:       "https://accounts.sharif.edu/cas/login",
			ProfileService:    "https://register.sharif.edu/profile",
			MaxLogRows:        30,
		},
		API: APISettings{
			Listen: "127.0.0.1:8787",
		},
	}
}

// LoadSettings reads a YAML file over the defaults. An empty path returns the defaults.
func LoadSettings(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := s.Normalize(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Normalize fills empty fields from Default and validates URLs.
func (s *Settings) Normalize() error {
	d := Default()

	if len(s.Network.Nameservers) == 0 {
		s.Network.Nameservers = d.Network.Nameservers
	}
	if strings.TrimSpace(s.Network.PortalHost) == "" {
		s.Network.PortalHost = d.Network.PortalHost
	}
	if len(s.Network.PublicProbes) == 0 {
		s.Network.PublicProbes = d.Network.PublicProbes
	}
	if s.Network.FallbackPingIP == "" {
		s.Network.FallbackPingIP = d.Network.FallbackPingIP
	}
	if s.Network.IPLookupURL == "" {
		s.Network.IPLookupURL = d.Network.IPLookupURL
	}
	if s.Network.PingTimeout <= 0 {
		s.Network.PingTimeout = d.Network.PingTimeout
	}
	if s.Network.HTTPTimeout <= 0 {
		s.Network.HTTPTimeout = d.Network.HTTPTimeout
	}
	if s.Network.RequestTimeout <= 0 {
		s.Network.RequestTimeout = d.Network.RequestTimeout
	}
	if s.Network.ClassifyTimeout <= 0 {
		s.Network.ClassifyTimeout = d.Network.ClassifyTimeout
	}
	if s.Portal.BaseURL == "" {
		s.Portal.BaseURL = d.Portal.BaseURL
	}
	s.Portal.BaseURL = strings.TrimRight(strings.TrimSpace(s.Portal.BaseURL), "/")
	if s.Portal.UserAgent == "" {
		s.Portal.UserAgent = d.Portal.UserAgent
	}
	if s.VPN.Name == "" {
		s.VPN.Name = d.VPN.Name
	}
	if s.VPN.Server == "" {
		s.VPN.Server = d.VPN.Server
	}
	if s.VPN.PreSharedKey == "" {
		s.VPN.PreSharedKey = d.VPN.PreSharedKey
	}
	if s.VPN.Interface == "" {
		s.VPN.Interface = d.VPN.Interface
	}
	if s.VPN.Timeout <= 0 {
		s.VPN.Timeout = d.VPN.Timeout
	}
	if s.Meta.BandwidthLoginURL == "" {
		s.Meta.BandwidthLoginURL = d.Meta.BandwidthLoginURL
	}
	if s.Meta.BandwidthLogsURL == "" {
		s.Meta.BandwidthLogsURL = d.Meta.BandwidthLogsURL
	}
	if s.Meta.CASLoginURL == "" {
		s.Meta.CASLoginURL = d.Meta.CASLoginURL
	}
	if s.Meta.ProfileService == "" {
		s.Meta.ProfileService = d.Meta.ProfileService
	}
	if s.Meta.MaxLogRows <= 0 {
		s.Meta.MaxLogRows = d.Meta.MaxLogRows
	}
	if s.API.Listen == "" {
		s.API.Listen = d.API.Listen
	}

	urls := append([]string{
		s.Network.IPLookupURL,
		s.Portal.BaseURL,
		s.Meta.BandwidthLoginURL,
		s.Meta.BandwidthLogsURL,
		s.Meta.CASLoginURL,
		s.Meta.ProfileService,
	}, s.Network.PublicProbes...)
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
		}
	}
	if strings.ContainsAny(s.VPN.Name, " '\"") {
		return errors.New("vpn.name must not contain spaces or quotes")
	}
	return nil
}
