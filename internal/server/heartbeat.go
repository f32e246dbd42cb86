package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Heartbeat probes every open connection once per interval and evicts the
// ones that never answered the previous probe.
//
// Policy: a probe is outstanding while no pong has arrived since it was
// sent. A connection whose probe is still outstanding at the next sweep is
// closed with ReasonHeartbeatTimeout, so a silent peer is evicted at most
// two intervals after its last pong. A sweep less than three quarters of an
// interval after the probe leaves it alone. A failed ping write
// closes the connection immediately with ReasonTransportError.
// A tick may read the clock up to interval/sweepTolerance earlier than a
// full interval after the sweep that sent the probe.
const sweepTolerance = 4

type Heartbeat struct {
	registry  *Registry
	interval  time.Duration
	writeWait time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewHeartbeat(registry *Registry, interval, writeWait time.Duration, log *zap.Logger) *Heartbeat {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heartbeat{
		registry:  registry,
		interval:  interval,
		writeWait: writeWait,
		log:       log,
		now:       time.Now,
	}
}

// Run sweeps on every tick until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.log.Info("Heartbeat started", zap.Duration("interval", h.interval))

	for {
		select {
		case <-ctx.Done():
			h.log.Info("Heartbeat stopped")
			return
		case <-ticker.C:
			probed, evicted := h.Sweep(h.now())
			if evicted > 0 {
				h.log.Info("Heartbeat sweep", zap.Int("probed", probed), zap.Int("evicted", evicted))
			}
		}
	}
}

// Sweep runs one probing round as of now and reports how many connections
// were probed and how many were evicted.
func (h *Heartbeat) Sweep(now time.Time) (probed, evicted int) {
	for _, c := range h.registry.All() {
		sent := c.probeSentAt()
		outstanding := !sent.IsZero() && c.LastPongAt().Before(sent)

		if outstanding {
			if now.Sub(sent) >= h.interval-h.interval/sweepTolerance {
				c.log.Info("Evicting stale connection", zap.Time("last_pong", c.LastPongAt()))
				c.Close(ReasonHeartbeatTimeout)
				evicted++
			}
			continue
		}

		if err := c.ping(now.Add(h.writeWait)); err != nil {
			c.log.Info("Liveness probe failed", zap.Error(err))
			c.Close(ReasonTransportError)
			evicted++
			continue
		}
		c.markProbe(now)
		probed++
	}
	return probed, evicted
}
