package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"countryvpn/internal/events"
	"countryvpn/internal/logs"
	"countryvpn/internal/session"
	"countryvpn/internal/storage"
)

// watchPhases turns session transitions into history records, failure log
// entries and the automatic IP check after connecting.
func (a *App) watchPhases(ch <-chan events.Event) {
	defer a.watcherWg.Done()
	for ev := range ch {
		a.handlePhase(ev)
	}
}

func (a *App) handlePhase(ev events.Event) {
	data, _ := ev.Data.(events.PhaseChangeData)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.NewState {
	case session.Connecting.String():
		a.recordAttemptLocked(ev.ServerID)

	case session.Connected.String():
		if a.history != nil && a.attemptID != 0 {
			if err := a.history.MarkConnected(a.attemptID, ev.Timestamp); err != nil {
				a.logger.Warn("Failed to update attempt", zap.Error(err))
			}
		}
		a.scheduleIPCheckLocked()

	case session.Failed.String():
		a.stopIPCheckLocked()
		code := -1
		if data.ExitCode != nil {
			code = *data.ExitCode
		}
		a.finishAttemptLocked(storage.OutcomeFailed, data.Reason, data.ExitCode)
		if err := logs.LogSessionFailure(a.cfg.DataDir, ev.ServerID, data.Reason, code); err != nil {
			a.logger.Warn("Failed to write failure log", zap.Error(err))
		}

	case session.Disconnected.String():
		a.stopIPCheckLocked()
		if ev.OldState != session.Failed.String() {
			a.finishAttemptLocked(storage.OutcomeDisconnected, "", nil)
		}
		a.attemptID = 0
	}
}

func (a *App) recordAttemptLocked(serverID string) {
	if a.history == nil {
		return
	}
	rec := &storage.AttemptRecord{ServerID: serverID}
	if e, ok := a.catalog.Get(serverID); ok {
		rec.Country, rec.Host, rec.Port = e.Country, e.Host, e.Port
	}
	rec.LocalPort = a.session.Snapshot().LocalPort

	id, err := a.history.RecordAttempt(rec)
	if err != nil {
		a.logger.Warn("Failed to record attempt", zap.Error(err))
		a.attemptID = 0
		return
	}
	a.attemptID = id
}

func (a *App) finishAttemptLocked(outcome storage.Outcome, reason string, exitCode *int) {
	if a.history == nil || a.attemptID == 0 {
		return
	}
	if err := a.history.FinishAttempt(a.attemptID, outcome, reason, exitCode); err != nil {
		a.logger.Warn("Failed to finish attempt", zap.Error(err))
	}
}

// scheduleIPCheckLocked checks the egress IP shortly after connecting.
func (a *App) scheduleIPCheckLocked() {
	a.stopIPCheckLocked()

	ctx, cancel := context.WithCancel(a.ctx)
	a.cancelIPCheck = cancel
	delay := a.cfg.Timeouts.IPCheckDelay

	a.goWorker(func(context.Context) {
		defer cancel()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if a.session.Phase() != session.Connected {
			return
		}
		_, _ = a.CheckIP(ctx)
	})
}

func (a *App) stopIPCheckLocked() {
	if a.cancelIPCheck != nil {
		a.cancelIPCheck()
		a.cancelIPCheck = nil
	}
}
