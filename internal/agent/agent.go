// Package agent implements the duty-cycle scheduler: one Run call is one
// cycle of pulse generation, voltage checking, pin I/O, request exchange and
// drift-compensated pausing. The agent owns the device context; collaborators
// receive read access, never ambient globals.
package agent

import (
	"log/slog"
	"strconv"

	"github.com/sweeney/device-agent/internal/alarm"
	"github.com/sweeney/device-agent/internal/clock"
	"github.com/sweeney/device-agent/internal/config"
	"github.com/sweeney/device-agent/internal/device"
	"github.com/sweeney/device-agent/internal/pin"
	"github.com/sweeney/device-agent/internal/transport"
	"github.com/sweeney/device-agent/internal/wire"
)

// DefaultLEDPin is the pulse and signalling output on the standard board.
// The LED is active-low.
const DefaultLEDPin = 2

// varsRetries is the attempt budget for suppressed vars refreshes (post-alarm
// boot and offline heartbeats).
const varsRetries = 2

// Agent drives the duty cycle. It is single-threaded: one Run call at a time.
type Agent struct {
	ctx   *device.Context
	store *config.Store
	pins  *pin.Registry
	alarm *alarm.Machine
	mgr   *transport.Manager
	clk   clock.Clock
	slp   clock.Sleeper
	level *slog.LevelVar
	log   *slog.Logger

	// LEDPin is the digital pin pulsed and cycled for signalling.
	LEDPin int

	cycleStart uint32 // Clock millis at the start of the current cycle.
	lastBeat   uint32 // Clock millis of the last offline heartbeat.
}

// New creates the agent. The level var, when non-nil, tracks the LogLevel
// variable.
func New(ctx *device.Context, store *config.Store, pins *pin.Registry, alarmer *alarm.Machine, mgr *transport.Manager, clk clock.Clock, slp clock.Sleeper, level *slog.LevelVar, log *slog.Logger) *Agent {
	return &Agent{
		ctx: ctx, store: store, pins: pins, alarm: alarmer, mgr: mgr,
		clk: clk, slp: slp, level: level, log: log,
		LEDPin: DefaultLEDPin,
	}
}

// Init loads the configuration, initializes pin directions and power pins,
// publishes the boot reason and clears any stale alarm. Call once before the
// first Run.
func (a *Agent) Init() error {
	a.ctx.Config = a.store.Load()
	a.log.Info("boot", "reason", a.ctx.Config.Boot)
	a.pins.SetX(pin.XBoot, int(a.ctx.Config.Boot))
	a.applyLogLevel()
	if err := a.pins.Init(a.ctx.Config.Inputs, a.ctx.Config.Outputs, true); err != nil {
		return err
	}
	a.alarm.Write(false, true)
	return nil
}

// Run performs one duty cycle, returning true when the cycle fully completed.
// Callers loop until true:
//
//	for !agent.Run(&varsum) {
//	}
//
// Pulse suppression must be re-requested each cycle via the X14 pin.
func (a *Agent) Run(varsum *int) bool {
	var reconfig bool
	var lag int64

	now := a.clk.Now()
	if a.cycleStart > 0 {
		lag = int64(clock.Elapsed(now, a.cycleStart)) - int64(a.ctx.Config.MonPeriod)*1000
		a.log.Debug("initial lag", "ms", lag)
		if lag < 0 {
			lag = 0
		}
	}
	a.cycleStart = now

	// A restart due to an alarm may have been caused by operator error, so
	// refresh the vars once per restart before anything else. BootClear is
	// transient and deliberately not persisted.
	if a.ctx.Config.Boot == config.BootAlarm {
		a.ctx.Config.Boot = config.BootClear
		a.refreshVarsSuppressed(varsum)
	}

	if a.heartbeatDue(now) {
		a.lastBeat = now
		a.refreshVarsSuppressed(varsum)
	}

	// The alarm timer is checked whenever it is running, whether or not the
	// alarmed flag is currently set.
	if a.alarm.AutoRestartDue() {
		a.signal(6, true)
		a.alarm.Restart(config.BootAlarm, false)
	}

	if !a.ctx.Configured || a.ctx.Config.DKey == "" {
		a.logConfig()
	}

	// Pulsing happens before anything else, regardless of connectivity:
	// pulse timing must not be disturbed by network latency.
	pulsed := a.pulseTrain()
	a.pins.ResetPulseSuppress()

	if !a.checkVoltage() {
		return a.pause(false, pulsed, &lag)
	}

	inputs, err := pin.ParseList(a.ctx.Config.Inputs)
	if err != nil {
		a.log.Error("configured inputs are invalid", "inputs", a.ctx.Config.Inputs, "error", err)
		return a.pause(false, pulsed, &lag)
	}
	for i := range inputs {
		a.pins.Read(&inputs[i])
	}

	h := a.mgr.Active()
	if h == nil {
		a.log.Error("no transport handler")
		return a.pause(false, pulsed, &lag)
	}
	ok := a.exchange(h, inputs, varsum, &reconfig)
	h.Disconnect()
	if !ok {
		return a.pause(false, pulsed, &lag)
	}

	a.pause(true, pulsed, &lag)
	a.signal(1, false)

	if a.ctx.Config.MonPeriod == a.ctx.Config.ActPeriod {
		a.log.Debug("cycle complete")
		return true
	}

	// The act period is over; sleep away the remainder of the monitor period.
	var remaining int64
	if int64(a.ctx.Config.ActPeriod)*1000 > int64(pulsed) {
		remaining = int64(a.ctx.Config.MonPeriod-a.ctx.Config.ActPeriod) * 1000
	} else {
		remaining = int64(a.ctx.Config.MonPeriod)*1000 - int64(pulsed)
	}
	if remaining > lag {
		remaining -= lag
		a.log.Debug("sleeping", "ms", remaining)
		a.slp.Sleep(uint32(remaining))
	}
	return true
}

// exchange issues this cycle's requests in their contractual order: Config
// when no pins are configured, Poll when inputs are configured or Act when
// only outputs are, Config again when the response flagged reconfiguration,
// and finally Vars when the varsum changed. Each step short-circuits on
// failure.
func (a *Agent) exchange(h transport.Handler, inputs []pin.Pin, varsum *int, reconfig *bool) bool {
	if a.ctx.Config.Inputs == "" && a.ctx.Config.Outputs == "" {
		if !a.reqConfig(h, reconfig) {
			a.signal(2, false)
			return false
		}
	}

	// Poll returns output values as well as taking inputs, so Act is only
	// needed when there are outputs but no inputs.
	if a.ctx.Config.Inputs != "" {
		outputs, _ := pin.ParseList(a.ctx.Config.Outputs)
		if _, err := h.Request(wire.RequestPoll, inputs, outputs, reconfig); err != nil {
			a.log.Warn("poll failed", "error", err)
			a.signal(3, false)
			return false
		}
	} else if a.ctx.Config.Outputs != "" {
		outputs, _ := pin.ParseList(a.ctx.Config.Outputs)
		if _, err := h.Request(wire.RequestAct, nil, outputs, reconfig); err != nil {
			a.log.Warn("act failed", "error", err)
			a.signal(3, false)
			return false
		}
	}

	if *reconfig && !a.reqConfig(h, reconfig) {
		a.signal(2, false)
		return false
	}

	if *varsum != a.ctx.VarSum {
		if !a.refreshVars(h, varsum) {
			a.signal(3, false)
			return false
		}
	}
	return true
}

// reqConfig requests and applies the device configuration, persisting it
// exactly once when anything changed. Invalid pin lists are rejected and
// leave the configuration unchanged. The variable types payload accompanies
// every config request as the synthetic "vt" pin.
func (a *Agent) reqConfig(h transport.Handler, reconfig *bool) bool {
	vt := []pin.Pin{{Name: "vt", Value: len(config.VarTypes), Data: []byte(config.VarTypes)}}
	reply, err := h.Request(wire.RequestConfig, vt, nil, reconfig)
	if err != nil {
		a.log.Warn("config request failed", "error", err)
		return false
	}
	if er, ok := wire.ExtractField(reply, "er"); ok {
		a.log.Warn("config rejected", "er", er)
		return false
	}

	cfg := &a.ctx.Config
	changed := false
	if param, ok := wire.ExtractField(reply, "mp"); ok {
		if v, err := strconv.Atoi(param); err == nil && int16(v) != cfg.MonPeriod {
			cfg.MonPeriod = int16(v)
			a.log.Info("monitor period changed", "mp", v)
			changed = true
		}
	}
	if param, ok := wire.ExtractField(reply, "ap"); ok {
		if v, err := strconv.Atoi(param); err == nil && int16(v) != cfg.ActPeriod {
			cfg.ActPeriod = int16(v)
			a.log.Info("act period changed", "ap", v)
			changed = true
		}
	}
	if param, ok := wire.ExtractField(reply, "wi"); ok && param != cfg.Wifi {
		cfg.Wifi = param
		a.log.Info("wifi changed")
		changed = true
	}
	if param, ok := wire.ExtractField(reply, "dk"); ok && param != cfg.DKey {
		cfg.DKey = param
		a.log.Info("dkey changed")
		changed = true
	}
	if param, ok := wire.ExtractField(reply, "ip"); ok && param != cfg.Inputs {
		if _, err := pin.ParseList(param); err != nil {
			a.log.Error("rejecting invalid input list", "ip", param, "error", err)
		} else {
			cfg.Inputs = param
			a.log.Info("inputs changed", "ip", param)
			changed = true
		}
	}
	if param, ok := wire.ExtractField(reply, "op"); ok && param != cfg.Outputs {
		if _, err := pin.ParseList(param); err != nil {
			a.log.Error("rejecting invalid output list", "op", param, "error", err)
		} else {
			cfg.Outputs = param
			a.log.Info("outputs changed", "op", param)
			changed = true
		}
	}

	if changed {
		if err := a.store.Save(cfg); err != nil {
			a.log.Error("failed to save config", "error", err)
			return false
		}
		// Re-initialize pin directions, but not the power pins.
		if err := a.pins.Init(cfg.Inputs, cfg.Outputs, false); err != nil {
			a.log.Error("failed to re-initialize pins", "error", err)
		}
		a.signal(4, false)
	}
	a.ctx.Configured = true
	// The pending error has now been reported to the service.
	a.ctx.Error = ""
	return true
}

// refreshVars requests the persistent variables and applies them, persisting
// the configuration when any changed. Variable names may arrive prefixed by
// an "id" field. A "mode" directive switches the transport handler; unknown
// modes are rejected. Missing variables default to zero, then defaults and
// the peak-voltage clamp are applied.
func (a *Agent) refreshVars(h transport.Handler, varsum *int) bool {
	var reconfig bool
	reply, err := h.Request(wire.RequestVars, nil, nil, &reconfig)
	if err != nil {
		a.log.Warn("vars request failed", "error", err)
		return false
	}
	if er, ok := wire.ExtractField(reply, "er"); ok {
		a.log.Warn("vars rejected", "er", er)
		return false
	}

	prefix := ""
	if id, ok := wire.ExtractField(reply, "id"); ok {
		prefix = id + "."
	}

	var vars [config.MaxVars]int16
	for i := range vars {
		if param, ok := wire.ExtractField(reply, prefix+config.VarNames[i]); ok {
			if v, err := strconv.Atoi(param); err == nil {
				vars[i] = int16(v)
			}
		}
	}
	config.ApplyVarDefaults(&vars)

	if vars != a.ctx.Config.Vars {
		a.log.Info("persistent variables changed")
		a.ctx.Config.Vars = vars
		if err := a.store.Save(&a.ctx.Config); err != nil {
			a.log.Error("failed to save vars", "error", err)
			return false
		}
		a.applyLogLevel()
	}

	if mode, ok := wire.ExtractField(reply, "mode"); ok && mode != a.mgr.ActiveName() {
		a.mgr.Set(mode) // unknown modes are rejected, selection unchanged
	}

	*varsum = a.ctx.VarSum
	return true
}

// refreshVarsSuppressed refreshes vars with network-alarm escalation
// suppressed, retrying up to the attempt budget.
func (a *Agent) refreshVarsSuppressed(varsum *int) {
	h := a.mgr.Active()
	if h == nil {
		return
	}
	a.alarm.Suppress(true)
	defer a.alarm.Suppress(false)
	for attempt := 0; attempt < varsRetries; attempt++ {
		if a.refreshVars(h, varsum) {
			h.Disconnect()
			return
		}
	}
	h.Disconnect()
}

// heartbeatDue reports whether an offline heartbeat is due. The first cycle
// only arms the timer.
func (a *Agent) heartbeatDue(now uint32) bool {
	if a.mgr.ActiveName() != transport.ModeOffline {
		return false
	}
	period := a.ctx.Config.Vars[config.VarHeartbeatPeriod]
	if period <= 0 {
		return false
	}
	if a.lastBeat == 0 {
		a.lastBeat = now
		return false
	}
	return clock.Elapsed(now, a.lastBeat)/1000 >= uint32(period)
}

// checkVoltage samples the battery when an alarm voltage is configured and
// applies the alarm and recovery transitions, reporting whether the cycle
// should proceed to the network exchange. The most recent sample is published
// through the X10 register.
func (a *Agent) checkVoltage() bool {
	av := a.ctx.Config.Vars[config.VarAlarmVoltage]
	if av <= 0 {
		a.pins.SetX(pin.XSimulatedA0, pin.NoReading)
		a.log.Debug("skipped voltage check")
		return true
	}

	p := pin.Pin{Name: "A0"}
	v := a.pins.Read(&p)
	a.pins.SetX(pin.XSimulatedA0, v)
	a.log.Debug("checked voltage", "value", v)

	if v < int(av) {
		if !a.alarm.Alarmed() {
			a.log.Warn("low voltage alarm", "value", v, "threshold", av)
			a.signal(5, true)
			a.alarm.Write(true, true)
		}
		return false
	}
	if a.alarm.Alarmed() {
		if v < int(a.ctx.Config.Vars[config.VarAlarmRecoveryVoltage]) {
			return false
		}
		a.log.Info("low voltage alarm cleared", "value", v)
		a.alarm.Write(false, true)
		a.ctx.Error = ""
	}
	if v > int(a.ctx.Config.Vars[config.VarPeakVoltage]) {
		a.log.Warn("high voltage", "value", v)
	}
	return true
}

// pulseTrain generates the configured pulse train, returning the total
// pulsed (or suppression-delayed) time in milliseconds. When a pulse cycle
// is configured, the pattern repeats with the computed gap until the monitor
// period is spanned.
func (a *Agent) pulseTrain() uint32 {
	pulses := int(a.ctx.Config.Vars[config.VarPulses])
	width := int(a.ctx.Config.Vars[config.VarPulseWidth])
	if pulses == 0 || width == 0 {
		return 0
	}
	duty := int(a.ctx.Config.Vars[config.VarPulseDutyCycle])
	a.pulsePin(pulses, width, duty)
	pulsed := uint32(pulses*width) * 1000

	cycle := int(a.ctx.Config.Vars[config.VarPulseCycle])
	gap := int64(cycle)*1000 - int64(pulsed)
	if gap > 0 {
		for spanned := 0; spanned < int(a.ctx.Config.MonPeriod)-cycle; spanned += cycle {
			a.log.Debug("pulse group gap", "ms", gap)
			a.slp.Sleep(uint32(gap))
			a.pulsePin(pulses, width, duty)
			pulsed += uint32(gap) + uint32(pulses*width)*1000
		}
	}
	return pulsed
}

// pulsePin drives the LED pin through pulses of the given width (seconds)
// and duty cycle (percent). A zero duty cycle defaults to 50. Duty cycles
// above 100 invert polarity: the active portion is driven high instead of
// low. Under pulse suppression the equivalent delays are produced without
// toggling the pin, preserving timing accuracy.
func (a *Agent) pulsePin(pulses, width, duty int) {
	if pulses <= 0 {
		return
	}
	if width <= 0 || pulses*width > int(a.ctx.Config.MonPeriod) {
		a.log.Warn("rejecting pulse train exceeding monitor period",
			"pulses", pulses, "width", width)
		return
	}
	if duty < 0 || duty > 200 {
		return
	}
	if duty == 0 {
		duty = 50
	}
	activeLevel := 0 // the LED is active-low
	if duty > 100 {
		duty -= 100
		activeLevel = 1
	}
	widthMs := width * 1000
	active := widthMs * duty / 100
	timing := [2]int{active, widthMs - active}

	suppressed := a.pins.PulseSuppressed()
	if suppressed {
		a.log.Debug("pulses suppressed", "seconds", pulses*width)
	} else {
		a.log.Debug("pulsing", "pulses", pulses, "width", width, "duty", duty)
	}
	for i := 0; i < pulses*2; i++ {
		if !suppressed {
			v := activeLevel
			if i%2 == 1 {
				v = 1 - activeLevel
			}
			if err := a.pins.WriteDigital(a.LEDPin, v); err != nil {
				a.log.Warn("pulse write failed", "error", err)
			}
		}
		a.slp.Sleep(uint32(timing[i%2]))
	}
}

// signal cycles the LED the given number of times to signal cycle outcomes,
// unless pulsing is configured (the LED then belongs to the pulse train).
func (a *Agent) signal(cycles int, force bool) {
	if !force && a.ctx.Config.Vars[config.VarPulses] != 0 {
		return
	}
	a.pulsePin(cycles, 1, 150)
}

// pause keeps the duty cycle accurate. After a failed cycle with no pulsing,
// timing accuracy is moot and the pause is just the retry period. Otherwise
// the pause absorbs the remaining act period, less the accumulated lag.
func (a *Agent) pause(ok bool, pulsed uint32, lag *int64) bool {
	if !ok && pulsed == 0 {
		a.log.Debug("retrying", "seconds", config.RetryPeriod)
		a.slp.Sleep(config.RetryPeriod * 1000)
		return ok
	}

	elapsed := clock.Elapsed(a.clk.Now(), a.cycleStart)
	remaining := int64(a.ctx.Config.ActPeriod)*1000 - int64(pulsed)
	*lag += int64(elapsed) - int64(pulsed)
	a.log.Debug("pausing", "pulsed", pulsed, "lag", *lag, "runtime", elapsed)

	if remaining > *lag {
		remaining -= *lag
		a.slp.Sleep(uint32(remaining))
		*lag = 0
	}
	return ok
}

// applyLogLevel maps the LogLevel variable onto the logger's level var.
func (a *Agent) applyLogLevel() {
	if a.level == nil {
		return
	}
	a.level.Set(slog.Level(a.ctx.Config.Vars[config.VarLogLevel]))
}

// logConfig reports the device's identity and configuration, used while the
// device is not yet configured or has no device key.
func (a *Agent) logConfig() {
	a.log.Info("current configuration",
		"version", config.Version,
		"mac", a.ctx.MAC,
		"monPeriod", a.ctx.Config.MonPeriod,
		"actPeriod", a.ctx.Config.ActPeriod,
		"wifi", a.ctx.Config.Wifi,
		"inputs", a.ctx.Config.Inputs,
		"outputs", a.ctx.Config.Outputs,
	)
}
