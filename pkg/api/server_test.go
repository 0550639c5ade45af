package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharifconnect/sharifconnect/pkg/model"
)

type fakeService struct {
	loggedIn   bool
	state      model.NetworkState
	terminated string

	inFlight, maxInFlight int32
}

func (f *fakeService) enter() func() {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return func() { atomic.AddInt32(&f.inFlight, -1) }
}

func (f *fakeService) Login(username, password string, remember bool) model.Result[string] {
	if username == "" || password == "" {
		return model.Result[string]{Message: "invalid credentials", Error: "auth"}
	}
	f.loggedIn = true
	return model.Result[string]{Success: true, Data: username}
}

func (f *fakeService) Logout()          { f.loggedIn = false }
func (f *fakeService) LoggedIn() bool   { return f.loggedIn }
func (f *fakeService) Username() string { return "student" }

func (f *fakeService) ChangeCredentials(u, p, cur string) model.Result[[]string] {
	if cur != "s3cret" {
		return model.Result[[]string]{Error: "auth"}
	}
	return model.Result[[]string]{Success: true, Data: []string{"password"}}
}

func (f *fakeService) Classify(ctx context.Context) model.NetworkState { return f.state }

func (f *fakeService) Connect(ctx context.Context) model.ConnectionResult {
	defer f.enter()()
	if !f.loggedIn {
		return model.ConnectionResult{Message: "please login again", Error: "not_logged_in", State: model.StateUnknown}
	}
	return model.ConnectionResult{Success: true, Status: "connected", Action: model.ActionTunnel, State: f.state}
}

func (f *fakeService) Disconnect(ctx context.Context) model.ConnectionResult {
	return model.ConnectionResult{Success: true, Status: "disconnected", Action: model.ActionNone, State: f.state}
}

func (f *fakeService) ListOtherSessions(ctx context.Context) model.Result[model.SessionList] {
	return model.Result[model.SessionList]{Success: true, Data: model.SessionList{
		Sessions:  []model.ActiveSession{{SessionID: "7", SessionIP: "10.0.0.1"}},
		CurrentIP: "10.0.0.1",
	}}
}

func (f *fakeService) TerminateOtherSession(ctx context.Context, id string) model.Result[model.ActiveSession] {
	if id != "7" {
		return model.Result[model.ActiveSession]{Error: "state_mismatch", Message: "no session with id " + id}
	}
	f.terminated = id
	return model.Result[model.ActiveSession]{Success: true, Data: model.ActiveSession{SessionID: id}}
}

func (f *fakeService) Profile(ctx context.Context) model.Result[model.Profile] {
	return model.Result[model.Profile]{Success: true, Data: model.Profile{Username: "student"}}
}

func (f *fakeService) BandwidthLogs(ctx context.Context) model.Result[[]model.UsageEntry] {
	return model.Result[[]model.UsageEntry]{Error: "transport", Message: "connections page: http 502"}
}

const testToken = "t0ken"

func newTestServer(t *testing.T, svc *fakeService, opts ServerOptions) *httptest.Server {
	t.Helper()
	if opts.Token == "" {
		opts.Token = testToken
	}
	srv := httptest.NewServer(NewServer(svc, opts).Router())
	t.Cleanup(srv.Close)
	return srv
}

func newRequest(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if method == http.MethodPost || method == http.MethodDelete {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", req.URL, err)
	}
	return resp, out
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	return send(t, newRequest(t, method, url, body))
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, ServerOptions{})
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected a request id header")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, ServerOptions{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/healthz", nil)
	req.Header.Set(requestIDHeader, "abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "abc" {
		t.Fatalf("got request id %q", got)
	}
}

func TestStatus(t *testing.T) {
	svc := &fakeService{state: model.InsideNoInternet}
	srv := newTestServer(t, svc, ServerOptions{Route: func() (string, string, error) {
		return "", "ppp0", nil
	}})
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["state"] != float64(3) || body["state_name"] != "inside_no_internet" || body["logged_in"] != false {
		t.Fatalf("unexpected body %v", body)
	}
	if route := body["route"].(map[string]any); route["device"] != "ppp0" {
		t.Fatalf("unexpected route %v", route)
	}
}

func TestStatusRouteErrorIgnored(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, ServerOptions{Route: func() (string, string, error) {
		return "", "", errors.New("no default route")
	}})
	if resp, _ := do(t, http.MethodGet, srv.URL+"/v1/status", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestLoginThenConnect(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(t, svc, ServerOptions{})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/connect", "")
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "not_logged_in" {
		t.Fatalf("expected 401, got %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/login", `{"username":"student","password":"s3cret","remember":true}`)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("login failed: %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/connect", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "connected" || body["action"] != "tunnel" {
		t.Fatalf("unexpected connect %d %v", resp.StatusCode, body)
	}

	do(t, http.MethodPost, srv.URL+"/v1/logout", "")
	if svc.loggedIn {
		t.Fatal("expected logout")
	}
}

func TestLoginBadRequest(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, ServerOptions{})
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/login", `{"user":"x"}`)
	if resp.StatusCode != http.StatusBadRequest || body["request_id"] == nil {
		t.Fatalf("expected 400 with request id, got %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/login", `{"username":"","password":""}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestSessions(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(t, svc, ServerOptions{})
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/sessions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	if data["current_ip"] != "10.0.0.1" || len(data["sessions"].([]any)) != 1 {
		t.Fatalf("unexpected sessions %v", data)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/sessions/7", "")
	if resp.StatusCode != http.StatusOK || svc.terminated != "7" {
		t.Fatalf("expected session 7 terminated, got %d %q", resp.StatusCode, svc.terminated)
	}
	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/sessions/99", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestUsageFailureMapsToBadGateway(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, ServerOptions{})
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/usage", "")
	if resp.StatusCode != http.StatusBadGateway || body["success"] != false {
		t.Fatalf("unexpected %d %v", resp.StatusCode, body)
	}
}

func TestCallsAreSerialized(t *testing.T) {
	svc := &fakeService{loggedIn: true}
	srv := newTestServer(t, svc, ServerOptions{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/connect", nil)
			req.Header.Set("Authorization", "Bearer "+testToken)
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&svc.maxInFlight); got != 1 {
		t.Fatalf("expected one call at a time, saw %d", got)
	}
}

func TestCrossOriginLoginRejected(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(t, svc, ServerOptions{})
	req := newRequest(t, http.MethodPost, srv.URL+"/v1/login", `{"username":"x","password":"y","remember":true}`)
	req.Header.Set("Origin", "http://evil.example")
	resp, body := send(t, req)
	if resp.StatusCode != http.StatusForbidden || svc.loggedIn {
		t.Fatalf("expected 403 and no login, got %d %v", resp.StatusCode, body)
	}

	req = newRequest(t, http.MethodGet, srv.URL+"/v1/status", "")
	req.Header.Set("Origin", "http://localhost:3000")
	if resp, _ := send(t, req); resp.StatusCode != http.StatusOK {
		t.Fatalf("loopback origin: expected 200, got %d", resp.StatusCode)
	}
}

func TestForeignHostRejected(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, ServerOptions{})
	for _, path := range []string{"/v1/profile", "/v1/sessions", "/v1/healthz"} {
		req := newRequest(t, http.MethodGet, srv.URL+path, "")
		req.Host = "evil.example:8787"
		resp, body := send(t, req)
		if resp.StatusCode != http.StatusForbidden || body["data"] != nil {
			t.Fatalf("%s: expected 403, got %d %v", path, resp.StatusCode, body)
		}
	}

	req := newRequest(t, http.MethodGet, srv.URL+"/v1/profile", "")
	req.Host = "localhost:8787"
	if resp, _ := send(t, req); resp.StatusCode != http.StatusOK {
		t.Fatalf("localhost: expected 200, got %d", resp.StatusCode)
	}
}

func TestConfiguredHostAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, ServerOptions{Addr: "192.168.1.5:8787"})
	req := newRequest(t, http.MethodGet, srv.URL+"/v1/profile", "")
	req.Host = "192.168.1.5:8787"
	if resp, _ := send(t, req); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	srv = newTestServer(t, &fakeService{}, ServerOptions{Addr: "0.0.0.0:8787"})
	req = newRequest(t, http.MethodGet, srv.URL+"/v1/profile", "")
	req.Host = "0.0.0.0:8787"
	if resp, _ := send(t, req); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wildcard listen host: expected 403, got %d", resp.StatusCode)
	}
}

func TestPlainTextPostRejected(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(t, svc, ServerOptions{})
	for _, ct := range []string{"text/plain", "application/x-www-form-urlencoded", ""} {
		req := newRequest(t, http.MethodPost, srv.URL+"/v1/login", `{"username":"x","password":"y"}`)
		req.Header.Set("Content-Type", ct)
		if resp, _ := send(t, req); resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("%q: expected 415, got %d", ct, resp.StatusCode)
		}
	}
	if svc.loggedIn {
		t.Fatal("login must not run")
	}

	req := newRequest(t, http.MethodDelete, srv.URL+"/v1/sessions/7", "")
	req.Header.Del("Content-Type")
	if resp, _ := send(t, req); resp.StatusCode != http.StatusUnsupportedMediaType || svc.terminated != "" {
		t.Fatalf("expected 415 and no kick, got %d %q", resp.StatusCode, svc.terminated)
	}

	req = newRequest(t, http.MethodPost, srv.URL+"/v1/login", `{"username":"x","password":"y"}`)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if resp, _ := send(t, req); resp.StatusCode != http.StatusOK {
		t.Fatalf("json with charset: expected 200, got %d", resp.StatusCode)
	}
}

func TestTokenRequired(t *testing.T) {
	svc := &fakeService{loggedIn: true}
	srv := newTestServer(t, svc, ServerOptions{})

	req := newRequest(t, http.MethodPost, srv.URL+"/v1/disconnect", "")
	req.Header.Del("Authorization")
	resp, body := send(t, req)
	if resp.StatusCode != http.StatusUnauthorized || body["request_id"] == nil {
		t.Fatalf("no token: expected 401, got %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected a WWW-Authenticate header")
	}

	req = newRequest(t, http.MethodGet, srv.URL+"/v1/profile", "")
	req.Header.Set("Authorization", "Bearer wrong")
	if resp, _ := send(t, req); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", resp.StatusCode)
	}

	req = newRequest(t, http.MethodGet, srv.URL+"/v1/healthz", "")
	req.Header.Del("Authorization")
	if resp, _ := send(t, req); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}
}

func TestGeneratedToken(t *testing.T) {
	a := NewServer(&fakeService{}, ServerOptions{})
	b := NewServer(&fakeService{}, ServerOptions{})
	if len(a.Token()) < 32 || a.Token() == b.Token() {
		t.Fatalf("expected distinct random tokens, got %q and %q", a.Token(), b.Token())
	}
	if got := NewServer(&fakeService{}, ServerOptions{Token: "fixed"}).Token(); got != "fixed" {
		t.Fatalf("got %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		"not_logged_in":  http.StatusUnauthorized,
		"auth":           http.StatusForbidden,
		"invalid_input":  http.StatusBadRequest,
		"state_mismatch": http.StatusConflict,
		"transport":      http.StatusBadGateway,
	}
	for kind, want := range cases {
		if got := statusFor(false, kind); got != want {
			t.Errorf("%s: got %d, want %d", kind, got, want)
		}
	}
	if statusFor(true, "") != http.StatusOK {
		t.Error("success should be 200")
	}
}
