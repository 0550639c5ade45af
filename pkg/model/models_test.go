package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkStateValid(t *testing.T) {
	for s := OutsideNoAccess; s <= InsideNoInternet; s++ {
		if !s.Valid() {
			t.Errorf("expected %d to be valid", s)
		}
		if s.String() == "unknown" {
			t.Errorf("expected a name for %d", s)
		}
	}
	if NetworkState(4).Valid() || NetworkState(-1).Valid() {
		t.Error("expected out of range states to be invalid")
	}
}

func TestKind(t *testing.T) {
	cases := map[string]error{
		"":               nil,
		"auth":           fmt.Errorf("%w: csrf token input not found", ErrAuth),
		"state_mismatch": fmt.Errorf("%w: no session", ErrStateMismatch),
		"not_logged_in":  ErrNotLoggedIn,
		"probe_timeout":  ErrProbeTimeout,
		"invalid_input":  fmt.Errorf("%w: no changes provided", ErrInvalidInput),
		"transport":      errors.New("connection reset"),
	}
	for want, err := range cases {
		if got := Kind(err); got != want {
			t.Errorf("Kind(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestCredentialsEmpty(t *testing.T) {
	var nilCreds *Credentials
	if !nilCreds.Empty() {
		t.Error("nil credentials should be empty")
	}
	if (&Credentials{Username: "u"}).Empty() == false {
		t.Error("missing password should be empty")
	}
	if (&Credentials{Username: "u", Password: "p"}).Empty() {
		t.Error("full credentials should not be empty")
	}
}
