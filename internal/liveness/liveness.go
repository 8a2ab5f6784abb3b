// Package liveness implements §4.8: a self-addressed ping on the admin
// channel every 20s, and a 50s watchdog that exits the process
// (crash-only recovery) if no self-ping has been observed.
package liveness

import (
	"context"
	"time"

	"bunkerd/internal/logger"
	"bunkerd/internal/shutdown"
	"bunkerd/internal/telemetry"
	"bunkerd/internal/transport"
)

const (
	PingInterval   = 20 * time.Second
	WatchdogWindow = 50 * time.Second
)

// Monitor drives the liveness ping/watchdog pair for a single admin
// pubkey.
type Monitor struct {
	Transport   transport.Transport
	AdminPubkey string
}

func New(tr transport.Transport, adminPubkey string) *Monitor {
	return &Monitor{Transport: tr, AdminPubkey: adminPubkey}
}

// Run sends a self-ping every PingInterval and exits the process if
// WatchdogWindow elapses without one being observed on the admin
// subscription. Callers run this alongside the Admin Plane's own
// subscription loop; Run opens its own subscription restricted to the
// ping kind so the two never compete for the same channel.
func (m *Monitor) Run(ctx context.Context) {
	inbound, err := m.Transport.Subscribe(ctx, transport.KindPing, m.AdminPubkey)
	if err != nil {
		logger.Warn("liveness_subscribe_failed", "err", err)
		return
	}

	watchdog := time.NewTimer(WatchdogWindow)
	defer watchdog.Stop()
	pingTicker := time.NewTicker(PingInterval)
	defer pingTicker.Stop()

	m.sendPing(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			m.sendPing(ctx)
		case _, ok := <-inbound:
			if !ok {
				return
			}
			telemetry.LivenessResets.Inc()
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(WatchdogWindow)
		case <-watchdog.C:
			shutdown.Abort("liveness watchdog: no self-ping observed within window", nil, 0)
			return
		}
	}
}

func (m *Monitor) sendPing(ctx context.Context) {
	if err := m.Transport.SendRequest(ctx, transport.KindPing, m.AdminPubkey, transport.Request{
		ID:     "liveness",
		Method: "ping",
	}); err != nil {
		logger.Warn("liveness_send_failed", "err", err)
	}
}
