package netstate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sharifconnect/sharifconnect/pkg/model"
)

type fakeProber struct {
	up       map[string]bool
	internet bool
	calls    int32
}

func (f *fakeProber) AnyReachable(ctx context.Context, hosts ...string) bool {
	atomic.AddInt32(&f.calls, 1)
	for _, h := range hosts {
		if f.up[h] {
			return true
		}
	}
	return false
}

func (f *fakeProber) Reachable(ctx context.Context, host string) bool {
	atomic.AddInt32(&f.calls, 1)
	return f.up[host]
}

func (f *fakeProber) PublicInternet(ctx context.Context) bool {
	atomic.AddInt32(&f.calls, 1)
	return f.internet
}

func newClassifier(p Prober) *Classifier {
	return NewClassifier(p, []string{"ns1", "ns2"}, "portal", 0, nil)
}

func TestDecideAllCombinations(t *testing.T) {
	for _, ns := range []bool{false, true} {
		for _, portal := range []bool{false, true} {
			for _, inet := range []bool{false, true} {
				p := Probes{Nameserver: ns, Portal: portal, Internet: inet}
				got := Decide(p)
				if !got.Valid() {
					t.Fatalf("%+v: invalid state %d", p, got)
				}
				if got != Decide(p) {
					t.Fatalf("%+v: not deterministic", p)
				}
				var want model.NetworkState
				switch {
				case !ns:
					want = model.OutsideNoAccess
				case !portal:
					want = model.OutsideCampusReachable
				case inet:
					want = model.InsideWithInternet
				default:
					want = model.InsideNoInternet
				}
				if got != want {
					t.Errorf("%+v: got %d, want %d", p, got, want)
				}
			}
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		up       map[string]bool
		internet bool
		want     model.NetworkState
	}{
		{"all probes fail", nil, false, model.OutsideNoAccess},
		{"nameservers down, rest up", map[string]bool{"portal": true}, true, model.OutsideNoAccess},
		{"nameserver up, portal down", map[string]bool{"ns1": true}, true, model.OutsideCampusReachable},
		{"second nameserver only", map[string]bool{"ns2": true}, false, model.OutsideCampusReachable},
		{"inside with internet", map[string]bool{"ns1": true, "portal": true}, true, model.InsideWithInternet},
		{"inside without internet", map[string]bool{"ns2": true, "portal": true}, false, model.InsideNoInternet},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := newClassifier(&fakeProber{up: c.up, internet: c.internet}).Classify(context.Background())
			if got != c.want {
				t.Fatalf("got %d, want %d", got, c.want)
			}
		})
	}
}

func TestClassifyIsNotCached(t *testing.T) {
	f := &fakeProber{up: map[string]bool{"ns1": true, "portal": true}}
	c := newClassifier(f)
	if got := c.Classify(context.Background()); got != model.InsideNoInternet {
		t.Fatalf("got %d", got)
	}
	f.internet = true
	if got := c.Classify(context.Background()); got != model.InsideWithInternet {
		t.Fatalf("expected a fresh classification, got %d", got)
	}
	if atomic.LoadInt32(&f.calls) != 6 {
		t.Fatalf("expected every call to probe again, got %d probe calls", f.calls)
	}
}

// stalledChecker answers the nameserver check and then hangs until cancelled.
type stalledChecker struct{}

func (stalledChecker) AnyReachable(ctx context.Context, hosts ...string) bool { return true }

func (stalledChecker) Reachable(ctx context.Context, host string) bool {
	<-ctx.Done()
	return false
}

func (stalledChecker) PublicInternet(ctx context.Context) bool {
	<-ctx.Done()
	return false
}

func TestClassifyDeadlineLogsTimeout(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := NewClassifier(stalledChecker{}, []string{"ns1"}, "portal", 20*time.Millisecond, zap.New(core).Sugar())

	if got := c.Classify(context.Background()); got != model.OutsideCampusReachable {
		t.Fatalf("timed out checks must count as unreachable, got %v", got)
	}
	entries := logs.FilterMessage("unfinished checks treated as unreachable").All()
	if len(entries) != 1 {
		t.Fatalf("expected one timeout entry, got %d", len(entries))
	}
	if kind := entries[0].ContextMap()["kind"]; kind != "probe_timeout" {
		t.Fatalf("unexpected kind %v", kind)
	}
}

func TestClassifyInTimeLogsNoTimeout(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	p := &fakeProber{up: map[string]bool{"ns1": true, "portal": true}, internet: true}
	c := NewClassifier(p, []string{"ns1"}, "portal", time.Second, zap.New(core).Sugar())
	if got := c.Classify(context.Background()); got != model.InsideWithInternet {
		t.Fatalf("got %v", got)
	}
	if n := logs.FilterMessage("unfinished checks treated as unreachable").Len(); n != 0 {
		t.Fatalf("unexpected timeout entries: %d", n)
	}
}
