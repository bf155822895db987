package main

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/registry"
)

// reapTimeout bounds one maintenance pass over every session container.
const reapTimeout = 2 * time.Minute

// startMaintenance schedules the periodic container health pass. The
// returned scheduler is stopped during shutdown.
func startMaintenance(reg *registry.Registry) *cron.Cron {
	c := cron.New()
	c.AddFunc("@every 5m", func() { reapSessions(reg) })
	c.Start()
	return c
}

func reapSessions(reg *registry.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	reg.Reap(ctx)
}

// sweepAuth evicts expired tokens and stale login rate-limit entries. The
// hourly sweeper goroutine in main calls it.
func sweepAuth(tokens *auth.TokenStore, limiter *auth.LoginLimiter) {
	if n := tokens.Sweep(); n > 0 {
		log.Printf("Swept %d expired session token(s)", n)
	}
	limiter.Sweep()
}
