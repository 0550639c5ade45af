// Package metadata reads account information from the university's
// read-only portals: the CAS-backed registration profile and the
// bandwidth accounting site.
package metadata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/sharifconnect/sharifconnect/pkg/config"
	"github.com/sharifconnect/sharifconnect/pkg/log"
	"github.com/sharifconnect/sharifconnect/pkg/model"
	"github.com/sharifconnect/sharifconnect/pkg/scrape"
)

const (
	logsTable = "csvtable"
	maxBody   = 2 << 20

	// NotDefined stands in for profile fields the portal left blank.
	NotDefined = "Not defined"
)

// profile page input names, in model.Profile field order
var profileInputs = []string{
	"cn", "cn;lang-en-US", "nationalid", "gender", "fathername", "postaladdress",
	"postalcode", "accountstatus", "telephonenumber", "mobile", "dcsubmailaddress", "param",
}

type Client struct {
	cfg       config.MetaSettings
	userAgent string
	timeout   time.Duration
	transport http.RoundTripper
	logger    *zap.SugaredLogger
}

func NewClient(cfg config.MetaSettings, userAgent string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if cfg.MaxLogRows <= 0 {
		cfg.MaxLogRows = 30
	}
	return &Client{cfg: cfg, userAgent: userAgent, timeout: timeout, logger: log.OrNop(logger)}
}

// WithTransport swaps the HTTP transport, mostly for tests.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	c.transport = rt
	return c
}

// Profile signs in through CAS and reads the registration profile form.
func (c *Client) Profile(ctx context.Context, creds *model.Credentials) (model.Profile, error) {
	if creds.Empty() {
		return model.Profile{}, fmt.Errorf("%w: username and password are required", model.ErrAuth)
	}
	hc, err := c.newHTTP()
	if err != nil {
		return model.Profile{}, err
	}

	body, status, err := c.do(ctx, hc, http.MethodGet, c.cfg.CASLoginURL, nil, nil)
	if err != nil {
		return model.Profile{}, err
	}
	if status != http.StatusOK {
		return model.Profile{}, fmt.Errorf("%w: cas login page: http %d", model.ErrTransport, status)
	}
	page, err := scrape.Parse(bytes.NewReader(body))
	if err != nil {
		return model.Profile{}, fmt.Errorf("%w: parse cas login page: %v", model.ErrTransport, err)
	}
	execution, ok := page.Input("execution")
	if !ok {
		return model.Profile{}, fmt.Errorf("%w: cas login form has no execution token", model.ErrAuth)
	}

	form := url.Values{
		"username":    {creds.Username},
		"password":    {creds.Password},
		"execution":   {execution},
		"_eventId":    {"submit"},
		"geolocation": {""},
	}
	if _, _, err := c.do(ctx, hc, http.MethodPost, c.cfg.CASLoginURL, form, nil); err != nil {
		return model.Profile{}, err
	}

	target := c.cfg.CASLoginURL + "?" + url.Values{"service": {c.cfg.ProfileService}}.Encode()
	body, status, err = c.do(ctx, hc, http.MethodGet, target, nil, nil)
	if err != nil {
		return model.Profile{}, err
	}
	if status != http.StatusOK {
		return model.Profile{}, fmt.Errorf("%w: profile page: http %d", model.ErrTransport, status)
	}
	page, err = scrape.Parse(bytes.NewReader(body))
	if err != nil {
		return model.Profile{}, fmt.Errorf("%w: parse profile page: %v", model.ErrTransport, err)
	}
	in := page.Inputs(profileInputs...)
	if _, ok := in["cn"]; !ok {
		return model.Profile{}, fmt.Errorf("%w: username or password incorrect", model.ErrAuth)
	}

	c.logger.Debugw("profile fetched", "username", log.Mask(creds.Username))
	return model.Profile{
		Username:       creds.Username,
		FullName:       orNotDefined(in["cn"]),
		FullNameEn:     orNotDefined(in["cn;lang-en-US"]),
		NationalID:     in["nationalid"],
		Gender:         orNotDefined(in["gender"]),
		FatherName:     in["fathername"],
		PostalAddress:  in["postaladdress"],
		PostalCode:     in["postalcode"],
		AccountStatus:  in["accountstatus"],
		Telephone:      in["telephonenumber"],
		Mobile:         orNotDefined(in["mobile"]),
		SubmailAddress: in["dcsubmailaddress"],
		Param:          orNotDefined(in["param"]),
	}, nil
}

// BandwidthLogs signs in to the bandwidth portal and returns the most recent
// connection log rows.
func (c *Client) BandwidthLogs(ctx context.Context, creds *model.Credentials) ([]model.UsageEntry, error) {
	if creds.Empty() {
		return nil, fmt.Errorf("%w: username and password are required", model.ErrAuth)
	}
	hc, err := c.newHTTP()
	if err != nil {
		return nil, err
	}

	// the login page only seeds cookies
	if _, _, err := c.do(ctx, hc, http.MethodGet, c.cfg.BandwidthLoginURL, nil, nil); err != nil {
		return nil, err
	}
	form := url.Values{
		"normal_username": {creds.Username},
		"normal_password": {creds.Password},
	}
	headers := http.Header{"Referer": {c.cfg.BandwidthLoginURL}}
	if _, _, err := c.do(ctx, hc, http.MethodPost, c.cfg.BandwidthLoginURL, form, headers); err != nil {
		return nil, err
	}

	body, status, err := c.do(ctx, hc, http.MethodGet, c.cfg.BandwidthLogsURL, nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: connections page: http %d", model.ErrTransport, status)
	}
	page, err := scrape.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse connections page: %v", model.ErrTransport, err)
	}
	rows, ok := page.TableRows(logsTable)
	if !ok {
		return nil, fmt.Errorf("%w: connections table not found, login probably failed", model.ErrAuth)
	}
	return parseLogs(rows, c.cfg.MaxLogRows), nil
}

// parseLogs keeps the first max rows and drops those with fewer than five cells.
func parseLogs(rows [][]string, max int) []model.UsageEntry {
	if len(rows) > max {
		rows = rows[:max]
	}
	logs := make([]model.UsageEntry, 0, len(rows))
	for _, cols := range rows {
		if len(cols) < 5 {
			continue
		}
		logs = append(logs, model.UsageEntry{
			Index:      cols[0],
			LoginTime:  cols[1],
			LogoutTime: cols[2],
			Upload:     cols[3],
			Download:   cols[4],
		})
	}
	return logs
}

func (c *Client) newHTTP() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &http.Client{Jar: jar, Timeout: c.timeout, Transport: c.transport}, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, target string, form url.Values, headers http.Header) ([]byte, int, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s %s: %v", model.ErrTransport, method, req.URL.Host, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read %s: %v", model.ErrTransport, req.URL.Path, err)
	}
	return b, resp.StatusCode, nil
}

func orNotDefined(s string) string {
	if strings.TrimSpace(s) == "" {
		return NotDefined
	}
	return s
}
