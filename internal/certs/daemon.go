package certs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"appstore/pkg/logging"
)

// RenewDaemon runs the ACME client's renewal on a cron schedule and swaps
// the lineage in when it changed.
type RenewDaemon struct {
	m       *Manager
	lineage string
	cron    *cron.Cron
	onSwap  func(ctx context.Context) error
}

// NewRenewDaemon schedules renewal of lineage. schedule is a standard
// five-field cron expression.
func NewRenewDaemon(ctx context.Context, m *Manager, lineage, schedule string, onSwap func(ctx context.Context) error) (*RenewDaemon, error) {
	d := &RenewDaemon{
		m:       m,
		lineage: lineage,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		onSwap:  onSwap,
	}
	if _, err := d.cron.AddFunc(schedule, func() { d.RunOnce(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid renew schedule %q: %w", schedule, err)
	}
	return d, nil
}

// RunOnce performs one renewal pass. Failures are logged; the previous
// certificate keeps serving.
func (d *RenewDaemon) RunOnce(ctx context.Context) {
	logging.Info(subsystem, "Running scheduled renewal for %s", d.lineage)
	changed, err := d.m.RenewAll(ctx, d.lineage)
	if err != nil {
		logging.Error(subsystem, err, "Scheduled renewal failed")
		return
	}
	if !changed {
		logging.Debug(subsystem, "%s not renewed", d.lineage)
		return
	}
	if d.onSwap != nil {
		if err := d.onSwap(ctx); err != nil {
			logging.Error(subsystem, err, "Post-swap hook failed")
		}
	}
}

// Start starts the scheduler in the background.
func (d *RenewDaemon) Start() {
	d.cron.Start()
	for _, e := range d.cron.Entries() {
		logging.Info(subsystem, "Next renewal at %s", e.Next.Format("2006-01-02 15:04 MST"))
	}
}

// Stop stops the scheduler and waits for a running renewal to finish.
func (d *RenewDaemon) Stop() {
	<-d.cron.Stop().Done()
}
