// Package runtime provides the Application's lifecycle-managed glue
// service: a generic interval ticker (for the Retry & DLQ drain and the
// Alert Dispatcher sweep). Poller/source wiring is assembled in
// internal/app and cmd/gatewayd, not here.
//
// The ticker's Start/Stop/run shape is grounded on the teacher's
// services/automation.Scheduler and the gateway's own audit.Store janitor:
// mutex-free, a stop channel closed on Stop, a done channel the caller
// waits on to confirm the loop drained.
package runtime

import (
	"context"
	"time"

	core "github.com/r3e-labs/integration-gateway/internal/app/core/service"
	"github.com/sirupsen/logrus"
)

// Ticker runs fn on a fixed interval until stopped. A failing fn is logged,
// never fatal, matching the ambient "background loops never crash the
// process" convention the janitor and scheduler both follow.
type Ticker struct {
	name     string
	domain   string
	interval time.Duration
	fn       func(ctx context.Context) error
	log      logrus.FieldLogger

	stop chan struct{}
	done chan struct{}
}

// NewTicker builds a Ticker. log may be nil.
func NewTicker(name, domain string, interval time.Duration, fn func(ctx context.Context) error, log logrus.FieldLogger) *Ticker {
	if log == nil {
		log = logrus.New()
	}
	return &Ticker{name: name, domain: domain, interval: interval, fn: fn, log: log}
}

// Name implements system.Service.
func (t *Ticker) Name() string { return t.name }

// Descriptor implements system.DescriptorProvider.
func (t *Ticker) Descriptor() core.Descriptor {
	return core.Descriptor{Name: t.name, Domain: t.domain, Layer: core.LayerEngine}
}

// Start implements system.Service.
func (t *Ticker) Start(ctx context.Context) error {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(ctx)
	return nil
}

// Stop implements system.Service, waiting for the in-flight tick to finish.
func (t *Ticker) Stop(ctx context.Context) error {
	close(t.stop)
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.fn(ctx); err != nil {
				t.log.WithError(err).WithField("ticker", t.name).Warn("runtime: tick failed")
			}
		}
	}
}
