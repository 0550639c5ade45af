// Package netstate classifies where the host sits relative to the campus
// network. Classification is recomputed on every call; nothing is cached.
//
// The decision tree, in order:
//
//	no campus nameserver answers      -> OutsideNoAccess
//	portal host does not answer       -> OutsideCampusReachable
//	public internet reachable         -> InsideWithInternet
//	otherwise                         -> InsideNoInternet
package netstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sharifconnect/sharifconnect/pkg/log"
	"github.com/sharifconnect/sharifconnect/pkg/model"
)

// Prober is the subset of probe.Prober the classifier needs.
type Prober interface {
	AnyReachable(ctx context.Context, hosts ...string) bool
	Reachable(ctx context.Context, host string) bool
	PublicInternet(ctx context.Context) bool
}

// Probes is one set of raw probe outcomes.
type Probes struct {
	Nameserver bool
	Portal     bool
	Internet   bool
}

// Decide applies the decision tree to fixed probe outcomes.
func Decide(p Probes) model.NetworkState {
	switch {
	case !p.Nameserver:
		return model.OutsideNoAccess
	case !p.Portal:
		return model.OutsideCampusReachable
	case p.Internet:
		return model.InsideWithInternet
	default:
		return model.InsideNoInternet
	}
}

type Classifier struct {
	prober      Prober
	nameservers []string
	portalHost  string
	timeout     time.Duration
	logger      *zap.SugaredLogger
}

func NewClassifier(prober Prober, nameservers []string, portalHost string, timeout time.Duration, logger *zap.SugaredLogger) *Classifier {
	return &Classifier{
		prober:      prober,
		nameservers: nameservers,
		portalHost:  portalHost,
		timeout:     timeout,
		logger:      log.OrNop(logger),
	}
}

// Classify runs the three probe groups concurrently, then evaluates the tree.
// The outcome equals evaluating lazily step by step; probing all groups at
// once keeps the worst case near the slowest single group.
func (c *Classifier) Classify(ctx context.Context) model.NetworkState {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()

	nameserver := make(chan bool, 1)
	portal := make(chan bool, 1)
	internet := make(chan bool, 1)
	go func() { nameserver <- c.prober.AnyReachable(ctx, c.nameservers...) }()
	go func() { portal <- c.prober.Reachable(ctx, c.portalHost) }()
	go func() { internet <- c.prober.PublicInternet(ctx) }()

	p := Probes{Nameserver: <-nameserver, Portal: <-portal, Internet: <-internet}
	state := Decide(p)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err := fmt.Errorf("%w: classification cut off after %s", model.ErrProbeTimeout, time.Since(start).Round(time.Millisecond))
		c.logger.Warnw("unfinished checks treated as unreachable", "error", err, "kind", model.Kind(err))
	}
	c.logger.Infow("network classified",
		"state", int(state),
		"name", state.String(),
		"nameserver", p.Nameserver,
		"portal", p.Portal,
		"internet", p.Internet,
		"took", time.Since(start),
	)
	return state
}
