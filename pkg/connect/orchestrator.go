// Package connect arbitrates between the campus portal and the VPN tunnel.
//
// Every Connect or Disconnect performs exactly one classify-then-act cycle:
//
//	state                      connect          disconnect
//	0 outside, no access       tunnel.Establish no-op
//	1 outside, campus reached  no-op            tunnel.Teardown
//	2 inside with internet     no-op            portal.TerminateCurrent
//	3 inside, no internet      portal.Connect   no-op
//
// Gateway failures are reported in the returned result; nothing is retried.
package connect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sharifconnect/sharifconnect/pkg/config"
	"github.com/sharifconnect/sharifconnect/pkg/log"
	"github.com/sharifconnect/sharifconnect/pkg/model"
	"github.com/sharifconnect/sharifconnect/pkg/portal"
)

type Classifier interface {
	Classify(ctx context.Context) model.NetworkState
}

// SessionGateway is the campus portal, see portal.Client.
type SessionGateway interface {
	Authenticate(ctx context.Context, creds *model.Credentials) (*portal.Session, error)
	Connect(ctx context.Context, s *portal.Session) error
	ListSessions(ctx context.Context, s *portal.Session) (model.SessionList, error)
	Terminate(ctx context.Context, s *portal.Session, rec model.ActiveSession) error
	TerminateCurrent(ctx context.Context, creds *model.Credentials) error
}

// TunnelGateway is the OS VPN facility, see vpn.Tunnel.
type TunnelGateway interface {
	Establish(ctx context.Context, creds *model.Credentials) error
	Teardown(ctx context.Context) error
}

type IPLookup interface {
	PublicIP(ctx context.Context) (string, error)
}

// AccountInfo reads the read-only university portals, see metadata.Client.
type AccountInfo interface {
	Profile(ctx context.Context, creds *model.Credentials) (model.Profile, error)
	BandwidthLogs(ctx context.Context, creds *model.Credentials) ([]model.UsageEntry, error)
}

type Deps struct {
	Classifier Classifier
	Portal     SessionGateway
	Tunnel     TunnelGateway
	IP         IPLookup
	Account    AccountInfo
	Store      config.Store
	Logger     *zap.SugaredLogger
}

// Orchestrator owns one user's credentials. It is not safe for concurrent
// use; callers serialize access.
type Orchestrator struct {
	classifier Classifier
	portal     SessionGateway
	tunnel     TunnelGateway
	ip         IPLookup
	account    AccountInfo
	store      config.Store
	logger     *zap.SugaredLogger
	now        func() time.Time

	creds    model.Credentials
	remember bool
	loggedIn bool
}

// New builds an orchestrator and seeds credentials from the store when the
// user asked to be remembered. The login gate stays closed until Login or Resume.
func New(d Deps) *Orchestrator {
	if d.Store == nil {
		d.Store = &config.MemoryStore{}
	}
	if d.Account == nil {
		d.Account = noAccount{}
	}
	o := &Orchestrator{
		classifier: d.Classifier,
		portal:     d.Portal,
		tunnel:     d.Tunnel,
		ip:         d.IP,
		account:    d.Account,
		store:      d.Store,
		logger:     log.OrNop(d.Logger),
		now:        time.Now,
	}
	saved, err := d.Store.Load()
	if err != nil {
		o.logger.Warnw("failed to load saved credentials", "error", err)
		return o
	}
	if saved.Remember {
		o.creds = model.Credentials{Username: saved.Username, Password: saved.Password}
		o.remember = true
	}
	return o
}

// Username returns the current (possibly remembered) user.
func (o *Orchestrator) Username() string {
	return o.creds.Username
}

func (o *Orchestrator) LoggedIn() bool {
	return o.loggedIn
}

// Login opens the gate with the given credentials and persists them. When
// remember is false the store is cleared instead.
func (o *Orchestrator) Login(username, password string, remember bool) model.Result[string] {
	res := o.Authorize(username, password)
	if !res.Success {
		return res
	}
	username = res.Data
	o.remember = remember

	saved := config.Saved{Remember: false}
	if remember {
		saved = config.Saved{Username: username, Password: password, Remember: true}
	}
	if err := o.store.Save(saved); err != nil {
		o.logger.Warnw("failed to save credentials", "error", err)
	}
	o.logger.Infow("logged in", "username", log.Mask(username), "remember", remember)
	return res
}

// Authorize opens the gate for this process only. The store is left alone.
func (o *Orchestrator) Authorize(username, password string) model.Result[string] {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return failResult[string](o, fmt.Errorf("%w: invalid credentials", model.ErrAuth))
	}
	o.creds = model.Credentials{Username: username, Password: password}
	o.loggedIn = true
	return model.Result[string]{Success: true, Message: "login successful", Data: username, Timestamp: o.now()}
}

// Resume opens the gate with remembered credentials. It reports false when
// nothing was remembered.
func (o *Orchestrator) Resume() bool {
	if !o.remember || o.creds.Empty() {
		return false
	}
	o.loggedIn = true
	return true
}

func (o *Orchestrator) Logout() {
	o.loggedIn = false
	o.logger.Infow("logged out", "username", log.Mask(o.creds.Username))
}

// ChangeCredentials replaces the stored username and/or password. The
// current password must match.
func (o *Orchestrator) ChangeCredentials(newUsername, newPassword, currentPassword string) model.Result[[]string] {
	if !o.loggedIn {
		return failResult[[]string](o, model.ErrNotLoggedIn)
	}
	if currentPassword != o.creds.Password {
		return failResult[[]string](o, fmt.Errorf("%w: current password is incorrect", model.ErrAuth))
	}
	newUsername = strings.TrimSpace(newUsername)

	var changes []string
	next := o.creds
	if newUsername != "" && newUsername != o.creds.Username {
		next.Username = newUsername
		changes = append(changes, "username")
	}
	if newPassword != "" && newPassword != o.creds.Password {
		next.Password = newPassword
		changes = append(changes, "password")
	}
	if len(changes) == 0 {
		return failResult[[]string](o, fmt.Errorf("%w: no changes provided", model.ErrInvalidInput))
	}

	saved := config.Saved{Username: next.Username, Password: next.Password, Remember: o.remember}
	if !o.remember {
		saved = config.Saved{}
	}
	if err := o.store.Save(saved); err != nil {
		return failResult[[]string](o, fmt.Errorf("failed to save credentials: %w", err))
	}
	o.creds = next
	o.logger.Infow("credentials changed", "fields", changes)
	return model.Result[[]string]{
		Success:   true,
		Message:   "updated " + strings.Join(changes, " and "),
		Data:      changes,
		Timestamp: o.now(),
	}
}

func (o *Orchestrator) Classify(ctx context.Context) model.NetworkState {
	return o.classifier.Classify(ctx)
}

// Connect brings the host online using the strategy its network state calls for.
func (o *Orchestrator) Connect(ctx context.Context) model.ConnectionResult {
	if !o.loggedIn {
		return model.ConnectionResult{
			Message:   "please login again",
			Action:    model.ActionNone,
			State:     model.StateUnknown,
			Error:     model.Kind(model.ErrNotLoggedIn),
			Timestamp: o.now(),
		}
	}

	state := o.classifier.Classify(ctx)
	res := model.ConnectionResult{State: state, Action: model.ActionNone}
	var err error
	switch state {
	case model.OutsideCampusReachable, model.InsideWithInternet:
		res.Message = "already connected"
	case model.InsideNoInternet:
		res.Action = model.ActionPortal
		err = o.portalConnect(ctx)
	case model.OutsideNoAccess:
		res.Action = model.ActionTunnel
		err = o.tunnel.Establish(ctx, &o.creds)
	default:
		err = fmt.Errorf("unexpected network state %d", state)
	}

	if err != nil {
		res.Message = err.Error()
		res.Error = model.Kind(err)
	} else {
		res.Success = true
		res.Status = "connected"
		if res.Message == "" {
			res.Message = "connected via " + string(res.Action)
		}
	}
	res.IP = o.lookupIP(ctx)
	res.Timestamp = o.now()
	o.logger.Infow("connect", "state", state.String(), "action", res.Action, "success", res.Success, "error", res.Error)
	return res
}

func (o *Orchestrator) portalConnect(ctx context.Context) error {
	s, err := o.portal.Authenticate(ctx, &o.creds)
	if err != nil {
		return err
	}
	return o.portal.Connect(ctx, s)
}

// Disconnect takes the host offline. Calling it while already disconnected succeeds.
func (o *Orchestrator) Disconnect(ctx context.Context) model.ConnectionResult {
	state := o.classifier.Classify(ctx)
	res := model.ConnectionResult{State: state, Action: model.ActionNone}
	var err error
	switch state {
	case model.OutsideNoAccess, model.InsideNoInternet:
		res.Message = "already disconnected"
	case model.OutsideCampusReachable:
		res.Action = model.ActionTunnel
		err = o.tunnel.Teardown(ctx)
	case model.InsideWithInternet:
		res.Action = model.ActionPortal
		err = o.portal.TerminateCurrent(ctx, &o.creds)
	default:
		err = fmt.Errorf("unexpected network state %d", state)
	}

	if err != nil {
		res.Message = err.Error()
		res.Error = model.Kind(err)
	} else {
		res.Success = true
		res.Status = "disconnected"
		if res.Message == "" {
			res.Message = "disconnected via " + string(res.Action)
		}
	}
	res.Timestamp = o.now()
	o.logger.Infow("disconnect", "state", state.String(), "action", res.Action, "success", res.Success, "error", res.Error)
	return res
}

// ListOtherSessions returns every online session of the user together with
// the caller's IP as the portal sees it.
func (o *Orchestrator) ListOtherSessions(ctx context.Context) model.Result[model.SessionList] {
	if !o.loggedIn {
		return failResult[model.SessionList](o, model.ErrNotLoggedIn)
	}
	s, err := o.portal.Authenticate(ctx, &o.creds)
	if err != nil {
		return failResult[model.SessionList](o, err)
	}
	list, err := o.portal.ListSessions(ctx, s)
	if err != nil {
		return failResult[model.SessionList](o, err)
	}
	return model.Result[model.SessionList]{Success: true, Data: list, Timestamp: o.now()}
}

// TerminateOtherSession disconnects the online session with the given id.
// The id is resolved against a fresh listing.
func (o *Orchestrator) TerminateOtherSession(ctx context.Context, sessionID string) model.Result[model.ActiveSession] {
	if !o.loggedIn {
		return failResult[model.ActiveSession](o, model.ErrNotLoggedIn)
	}
	s, err := o.portal.Authenticate(ctx, &o.creds)
	if err != nil {
		return failResult[model.ActiveSession](o, err)
	}
	list, err := o.portal.ListSessions(ctx, s)
	if err != nil {
		return failResult[model.ActiveSession](o, err)
	}
	var (
		rec   model.ActiveSession
		found bool
	)
	for _, item := range list.Sessions {
		if item.SessionID == sessionID {
			rec, found = item, true
			break
		}
	}
	if !found {
		return failResult[model.ActiveSession](o, fmt.Errorf("%w: no session with id %s", model.ErrStateMismatch, sessionID))
	}
	if err := o.portal.Terminate(ctx, s, rec); err != nil {
		return failResult[model.ActiveSession](o, err)
	}
	o.logger.Infow("session terminated", "session_id", rec.SessionID)
	return model.Result[model.ActiveSession]{Success: true, Message: "session disconnected", Data: rec, Timestamp: o.now()}
}

func (o *Orchestrator) Profile(ctx context.Context) model.Result[model.Profile] {
	if !o.loggedIn {
		return failResult[model.Profile](o, model.ErrNotLoggedIn)
	}
	p, err := o.account.Profile(ctx, &o.creds)
	if err != nil {
		return failResult[model.Profile](o, err)
	}
	return model.Result[model.Profile]{Success: true, Data: p, Timestamp: o.now()}
}

func (o *Orchestrator) BandwidthLogs(ctx context.Context) model.Result[[]model.UsageEntry] {
	if !o.loggedIn {
		return failResult[[]model.UsageEntry](o, model.ErrNotLoggedIn)
	}
	logs, err := o.account.BandwidthLogs(ctx, &o.creds)
	if err != nil {
		return failResult[[]model.UsageEntry](o, err)
	}
	return model.Result[[]model.UsageEntry]{Success: true, Data: logs, Timestamp: o.now()}
}

// lookupIP is best effort; an empty string means the lookup failed.
func (o *Orchestrator) lookupIP(ctx context.Context) string {
	if o.ip == nil {
		return ""
	}
	ip, err := o.ip.PublicIP(ctx)
	if err != nil {
		o.logger.Debugw("public ip lookup failed", "error", err)
		return ""
	}
	return ip
}

func failResult[T any](o *Orchestrator, err error) model.Result[T] {
	o.logger.Debugw("operation failed", "error", err)
	return model.Result[T]{Message: err.Error(), Error: model.Kind(err), Timestamp: o.now()}
}

type noAccount struct{}

func (noAccount) Profile(ctx context.Context, creds *model.Credentials) (model.Profile, error) {
	return model.Profile{}, fmt.Errorf("%w: account portals not configured", model.ErrTransport)
}

func (noAccount) BandwidthLogs(ctx context.Context, creds *model.Credentials) ([]model.UsageEntry, error) {
	return nil, fmt.Errorf("%w: account portals not configured", model.ErrTransport)
}
