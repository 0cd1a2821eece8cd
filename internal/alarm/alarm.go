// Package alarm implements the device's alarm and boot state machine:
// raising and clearing the continuous (voltage) and temporary (network)
// alarms, tracking how long the device has been alarmed, counting
// consecutive network failures, and restarting the device with a persisted
// boot reason. All elapsed-time computations are rollover-safe.
package alarm

import (
	"log/slog"

	"github.com/sweeney/device-agent/internal/clock"
	"github.com/sweeney/device-agent/internal/config"
	"github.com/sweeney/device-agent/internal/device"
)

// Actuator drives the alarm output pin and the power relays.
type Actuator interface {
	SetAlarmOutput(active bool)
	ResetPowerPins()
}

// Restarter restarts the device. Restart is expected not to return on real
// hardware; the machine performs no work after calling it.
type Restarter interface {
	Restart()
}

// Saver persists the configuration, used to record boot reasons.
type Saver interface {
	Save(cfg *config.Configuration) error
}

// Machine tracks alarm state across duty cycles. It is confined to the
// scheduler's thread.
type Machine struct {
	ctx       *device.Context
	act       Actuator
	clk       clock.Clock
	slp       clock.Sleeper
	saver     Saver
	restarter Restarter
	log       *slog.Logger

	alarmed    bool
	alarmedAt  uint32 // Alarm timer start in clock millis; 0 = not running.
	failures   int    // Consecutive network failures.
	alarms     int    // Alarms raised since boot.
	suppressed bool   // Network-alarm escalation suppressed this exchange.
}

// NewMachine creates the state machine.
func NewMachine(ctx *device.Context, act Actuator, clk clock.Clock, slp clock.Sleeper, saver Saver, restarter Restarter, log *slog.Logger) *Machine {
	return &Machine{
		ctx: ctx, act: act, clk: clk, slp: slp,
		saver: saver, restarter: restarter, log: log,
	}
}

// Alarmed reports whether the continuous alarm is active.
func (m *Machine) Alarmed() bool {
	return m.alarmed
}

// Alarms returns the number of alarms raised since boot.
func (m *Machine) Alarms() int {
	return m.alarms
}

// Failures returns the consecutive network failure count.
func (m *Machine) Failures() int {
	return m.failures
}

// SetAlarmTimer starts or stops the alarm timer. It is the hook invoked by
// the pin registry when the alarm output pin is written; writing that pin is
// the sole external trigger for the timer.
func (m *Machine) SetAlarmTimer(on bool) {
	if !on {
		m.log.Debug("alarm timer off")
		m.alarmedAt = 0
		return
	}
	if m.alarmedAt == 0 {
		m.alarmedAt = m.clk.Now()
		m.log.Debug("alarm timer on")
	} else {
		m.log.Debug("alarm timer continuing")
	}
}

// AlarmedFor returns how many seconds the alarm timer has been running,
// or 0 if it is not running. The computation is rollover-safe.
func (m *Machine) AlarmedFor() uint32 {
	if m.alarmedAt == 0 {
		return 0
	}
	return clock.Elapsed(m.clk.Now(), m.alarmedAt) / 1000
}

// AutoRestartDue reports whether the alarm has been running for at least the
// configured auto-restart duration. The timer is checked whenever it is
// running, whether or not the alarmed flag is currently set.
func (m *Machine) AutoRestartDue() bool {
	if m.alarmedAt == 0 {
		return false
	}
	alarmed := m.AlarmedFor()
	m.log.Debug("alarm duration", "seconds", alarmed)
	return alarmed >= uint32(m.ctx.Config.Vars[config.VarAutoRestart])
}

// Write sets or clears the alarm. The continuous form lasts until cleared
// (or until auto-restart): power pins are reset, leaving only the network
// equipment powered, and the alarm start time is recorded. The temporary
// form holds the alarm output for AlarmPeriod seconds and clears itself.
// Clearing is unconditional; setting is ignored unless a network or voltage
// alarm is configured.
func (m *Machine) Write(alarm, continuous bool) {
	if !alarm {
		m.log.Debug("cleared alarm")
		m.act.SetAlarmOutput(false)
		m.alarmed = false
		m.alarmedAt = 0
		return
	}
	if m.ctx.Config.Vars[config.VarAlarmNetwork] == 0 && m.ctx.Config.Vars[config.VarAlarmVoltage] == 0 {
		return
	}
	m.log.Debug("set alarm", "continuous", continuous)
	m.act.SetAlarmOutput(true)
	m.alarms++

	if continuous {
		m.alarmed = true
		if m.alarmedAt == 0 {
			m.alarmedAt = m.clk.Now()
		}
		m.act.ResetPowerPins()
		return
	}

	// Temporary alarm: hold for the configured period, then clear.
	period := uint32(m.ctx.Config.Vars[config.VarAlarmPeriod])
	m.log.Debug("alarming", "seconds", period)
	m.slp.Sleep(period * 1000)
	m.act.SetAlarmOutput(false)
	m.alarmed = false
}

// Suppress enables or disables network-alarm escalation. Failures are still
// counted while suppressed, but no alarm is raised.
func (m *Machine) Suppress(on bool) {
	m.suppressed = on
}

// RecordFailure counts one network failure. When the count reaches the
// configured threshold a temporary alarm is raised and the counter resets,
// so the next failure counts from one.
func (m *Machine) RecordFailure() {
	m.failures++
	m.log.Debug("network failures", "count", m.failures)
	threshold := int(m.ctx.Config.Vars[config.VarAlarmNetwork])
	if threshold > 0 && m.failures >= threshold && !m.suppressed {
		m.Write(true, false)
		m.failures = 0
	}
}

// RecordSuccess resets the failure counter and clears any continuous alarm.
func (m *Machine) RecordSuccess() {
	m.failures = 0
	if m.alarmed {
		m.Write(false, true)
	}
}

// Restart restarts the device, persisting the boot reason first if it
// changed (avoiding needless storage wear), and raising a continuous alarm
// beforehand when requested.
func (m *Machine) Restart(reason config.BootReason, raiseAlarm bool) {
	m.log.Info("restarting", "reason", reason, "alarm", raiseAlarm)
	if reason != m.ctx.Config.Boot {
		m.ctx.Config.Boot = reason
		if err := m.saver.Save(&m.ctx.Config); err != nil {
			m.log.Error("failed to save boot reason", "error", err)
		}
	}
	if raiseAlarm {
		m.Write(true, true)
		m.slp.Sleep(2000)
	}
	m.restarter.Restart()
}
