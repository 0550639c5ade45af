// Package portal drives the campus network portal: form login, opening a
// connection from inside the network, and managing online sessions.
//
// Every operation starts with the login handshake (load the login form, pull
// the anti-forgery token, post credentials). Failures surface as errors
// wrapping model.ErrAuth, model.ErrTransport or model.ErrStateMismatch.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/sharifconnect/sharifconnect/pkg/log"
	"github.com/sharifconnect/sharifconnect/pkg/model"
	"github.com/sharifconnect/sharifconnect/pkg/scrape"
)

const (
	loginPath    = "/en-us/user/login/"
	homePath     = "/en-us/user/home/"
	connectPath  = "/en-us/user/aaa_ras_connect/"
	sessionsPath = "/en-us/user/get_user_online_session/"
	disconnPath  = "/en-us/user/disconnect/"

	tokenField  = "csrfmiddlewaretoken"
	tokenCookie = "csrftoken"

	// shown on the home page when the portal bounced us back to login
	loginMarker = "ورود"

	maxBody = 1 << 20

	maxSnippet = 200
)

type Client struct {
	base      *url.URL
	userAgent string
	timeout   time.Duration
	transport http.RoundTripper
	logger    *zap.SugaredLogger
}

// Session is one authenticated portal session. It owns its cookie jar and is
// not safe for concurrent use.
type Session struct {
	http  *http.Client
	creds *model.Credentials
}

func NewClient(baseURL, userAgent string, timeout time.Duration, logger *zap.SugaredLogger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid portal url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid portal url: %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:      base,
		userAgent: userAgent,
		timeout:   timeout,
		logger:    log.OrNop(logger),
	}, nil
}

// WithTransport swaps the HTTP transport, mostly for tests.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	c.transport = rt
	return c
}

func (c *Client) url(path string) string {
	return c.base.String() + path
}

// Authenticate performs the login handshake and returns a fresh session.
func (c *Client) Authenticate(ctx context.Context, creds *model.Credentials) (*Session, error) {
	if creds.Empty() {
		return nil, fmt.Errorf("%w: username and password are required", model.ErrAuth)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	s := &Session{
		http:  &http.Client{Jar: jar, Timeout: c.timeout, Transport: c.transport},
		creds: creds,
	}

	body, status, err := c.get(ctx, s, loginPath, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: failed to load login page: http %d", model.ErrTransport, status)
	}
	page, err := scrape.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse login page: %v", model.ErrTransport, err)
	}
	token, ok := page.Input(tokenField)
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: csrf token input not found in login form", model.ErrAuth)
	}

	form := url.Values{
		tokenField: {token},
		"username": {creds.Username},
		"password": {creds.Password},
	}
	headers := http.Header{
		"Content-Type": {"application/x-www-form-urlencoded"},
		"Origin":       {c.base.String()},
		"Referer":      {c.url(loginPath)},
	}
	body, status, err = c.post(ctx, s, loginPath, form, headers)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 400 {
		return nil, fmt.Errorf("%w: login failed: http %d", model.ErrAuth, status)
	}
	if stillLoginForm(body) {
		return nil, fmt.Errorf("%w: portal rejected the credentials", model.ErrAuth)
	}
	c.logger.Debugw("portal login ok", "username", log.Mask(creds.Username))
	return s, nil
}

// Connect opens internet access for the session's user from inside the network.
func (c *Client) Connect(ctx context.Context, s *Session) error {
	_, status, err := c.get(ctx, s, homePath, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: failed to load home page: http %d", model.ErrTransport, status)
	}
	token, err := c.csrfCookie(s)
	if err != nil {
		return err
	}

	form := url.Values{
		"user": {s.creds.Username},
		"pass": {s.creds.Password},
	}
	body, status, err := c.post(ctx, s, connectPath, form, c.xhrHeaders(token, loginPath))
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: connect failed: http %d: %s", model.ErrTransport, status, snippet(body))
	}
	c.logger.Infow("portal connect sent", "username", log.Mask(s.creds.Username))
	return nil
}

type sessionsResponse struct {
	Result [][]struct {
		RasIP     string     `json:"ras_ip"`
		SessionIP string     `json:"session_ip"`
		SessionID flexibleID `json:"session_id"`
	} `json:"result"`
	IP string `json:"ip"`
}

// ListSessions returns the user's online sessions and the caller's IP as the portal sees it.
func (c *Client) ListSessions(ctx context.Context, s *Session) (model.SessionList, error) {
	token, err := c.csrfCookie(s)
	if err != nil {
		return model.SessionList{}, err
	}
	body, status, err := c.get(ctx, s, homePath, nil)
	if err != nil {
		return model.SessionList{}, err
	}
	if status != http.StatusOK || bytes.Contains(bytes.ToLower(body), []byte(loginMarker)) {
		return model.SessionList{}, fmt.Errorf("%w: not logged in or login page returned", model.ErrAuth)
	}

	body, status, err = c.get(ctx, s, sessionsPath, c.xhrHeaders(token, homePath))
	if err != nil {
		return model.SessionList{}, err
	}
	if status != http.StatusOK {
		return model.SessionList{}, fmt.Errorf("%w: list sessions: http %d", model.ErrTransport, status)
	}
	var payload sessionsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.SessionList{}, fmt.Errorf("%w: decode sessions: %v", model.ErrTransport, err)
	}

	list := model.SessionList{CurrentIP: strings.TrimSpace(payload.IP)}
	if len(payload.Result) > 0 {
		for _, item := range payload.Result[0] {
			list.Sessions = append(list.Sessions, model.ActiveSession{
				RasIP:     strings.TrimSpace(item.RasIP),
				SessionIP: strings.TrimSpace(item.SessionIP),
				SessionID: string(item.SessionID),
			})
		}
	}
	return list, nil
}

// Terminate disconnects one online session.
func (c *Client) Terminate(ctx context.Context, s *Session, rec model.ActiveSession) error {
	token, err := c.csrfCookie(s)
	if err != nil {
		return err
	}
	q := url.Values{
		"user_id": {"0"},
		"ras":     {rec.RasIP},
		"ip":      {rec.SessionIP},
		"u_id":    {rec.SessionID},
	}
	_, status, err := c.get(ctx, s, disconnPath+"?"+q.Encode(), c.xhrHeaders(token, homePath))
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: failed to disconnect %s: http %d", model.ErrTransport, rec.SessionID, status)
	}
	c.logger.Infow("portal session disconnected", "session_id", rec.SessionID, "session_ip", rec.SessionIP)
	return nil
}

// TerminateCurrent logs in and disconnects the session whose IP matches the
// caller's public IP. The first match wins.
func (c *Client) TerminateCurrent(ctx context.Context, creds *model.Credentials) error {
	s, err := c.Authenticate(ctx, creds)
	if err != nil {
		return err
	}
	list, err := c.ListSessions(ctx, s)
	if err != nil {
		return err
	}
	rec, err := MatchCurrent(list)
	if err != nil {
		return err
	}
	return c.Terminate(ctx, s, rec)
}

// MatchCurrent picks the first session whose IP equals list.CurrentIP.
func MatchCurrent(list model.SessionList) (model.ActiveSession, error) {
	if len(list.Sessions) == 0 {
		return model.ActiveSession{}, fmt.Errorf("%w: no active sessions found", model.ErrStateMismatch)
	}
	if list.CurrentIP == "" {
		return model.ActiveSession{}, fmt.Errorf("%w: portal did not report the current ip", model.ErrStateMismatch)
	}
	for _, s := range list.Sessions {
		if s.SessionIP == list.CurrentIP {
			return s, nil
		}
	}
	return model.ActiveSession{}, fmt.Errorf("%w: no session with ip %s", model.ErrStateMismatch, list.CurrentIP)
}

func (c *Client) csrfCookie(s *Session) (string, error) {
	for _, ck := range s.http.Jar.Cookies(c.base) {
		if ck.Name == tokenCookie && ck.Value != "" {
			return ck.Value, nil
		}
	}
	return "", fmt.Errorf("%w: csrf token not found in cookies", model.ErrAuth)
}

func (c *Client) xhrHeaders(token, referer string) http.Header {
	return http.Header{
		"Referer":          {c.url(referer)},
		"X-CSRFToken":      {token},
		"X-Requested-With": {"XMLHttpRequest"},
		"Origin":           {c.base.String()},
	}
}

func (c *Client) get(ctx context.Context, s *Session, path string, headers http.Header) ([]byte, int, error) {
	return c.do(ctx, s, http.MethodGet, path, nil, headers)
}

func (c *Client) post(ctx context.Context, s *Session, path string, form url.Values, headers http.Header) ([]byte, int, error) {
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, s, http.MethodPost, path, strings.NewReader(form.Encode()), headers)
}

func (c *Client) do(ctx context.Context, s *Session, method, path string, body io.Reader, headers http.Header) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s %s: %v", model.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read %s: %v", model.ErrTransport, path, err)
	}
	return b, resp.StatusCode, nil
}

// stillLoginForm reports whether a page is the login form again.
func stillLoginForm(body []byte) bool {
	page, err := scrape.Parse(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return page.HasInput(tokenField) && page.HasInput("password")
}

// snippet trims a response body to at most maxSnippet bytes for error
// messages, cutting on a rune boundary.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= maxSnippet {
		return s
	}
	n := maxSnippet
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// flexibleID accepts a JSON string or number.
type flexibleID string

func (v *flexibleID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = ""
		return nil
	}
	var strVal string
	if err := json.Unmarshal(trimmed, &strVal); err == nil {
		*v = flexibleID(strVal)
		return nil
	}
	var numVal json.Number
	if err := json.Unmarshal(trimmed, &numVal); err == nil {
		*v = flexibleID(numVal.String())
		return nil
	}
	return fmt.Errorf("unsupported id value: %s", string(trimmed))
}
