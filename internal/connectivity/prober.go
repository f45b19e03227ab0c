package connectivity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober pings the remote store on an interval and drives a Switch with
// the result.
type Prober struct {
	pinger   Pinger
	sw       *Switch
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewProber(pinger Pinger, sw *Switch, interval time.Duration, timeout time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		pinger:   pinger,
		sw:       sw,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("prober"),
	}
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

func (p *Prober) ProbeOnce(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(probeCtx)
	if ctx.Err() != nil {
		return p.sw.Online()
	}
	online := err == nil
	if !online && p.sw.Online() {
		p.logger.Warn("remote store unreachable", zap.Error(err))
	}
	p.sw.Set(online)
	return online
}
