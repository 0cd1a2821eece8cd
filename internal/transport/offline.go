package transport

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/sweeney/device-agent/internal/clock"
	"github.com/sweeney/device-agent/internal/oplog"
	"github.com/sweeney/device-agent/internal/pin"
	"github.com/sweeney/device-agent/internal/wire"
)

// Offline is the disconnected transport: poll requests append pin readings
// to the local binary log instead of crossing the network. Config and vars
// requests still need the service, so they delegate to the online handler
// for the duration of the exchange.
type Offline struct {
	log  *oplog.Log
	mgr  *Manager
	clk  clock.Clock
	slog *slog.Logger
}

// NewOffline creates the offline handler appending to the given log.
func NewOffline(log *oplog.Log, mgr *Manager, clk clock.Clock, slog *slog.Logger) *Offline {
	return &Offline{log: log, mgr: mgr, clk: clk, slog: slog}
}

// Name returns the handler's mode name.
func (o *Offline) Name() string { return ModeOffline }

// Init is a no-op.
func (o *Offline) Init() bool { return true }

// Connect reports false: the offline transport has no connection.
func (o *Offline) Connect() bool { return false }

// Disconnect is a no-op.
func (o *Offline) Disconnect() {}

// Request logs poll readings locally and delegates config and vars requests
// to the online handler. Act requests are ignored, since actuation values
// can only come from the service. Delegated replies carrying a "ts" field
// re-seed the log's reference time.
func (o *Offline) Request(kind wire.RequestType, inputs, outputs []pin.Pin, reconfig *bool) (string, error) {
	uptime := o.clk.Now() / 1000

	switch kind {
	case wire.RequestConfig, wire.RequestVars:
		online := o.mgr.Lookup(ModeOnline)
		if online == nil {
			return "", fmt.Errorf("%s: no online handler to delegate to", kind)
		}
		reply, err := online.Request(kind, inputs, outputs, reconfig)
		online.Disconnect()
		if err != nil {
			return "", err
		}
		if param, ok := wire.ExtractField(reply, "ts"); ok {
			if ts, err := strconv.ParseUint(param, 10, 32); err == nil {
				o.log.SetRefTime(uint32(ts), uptime)
				o.slog.Debug("seeded reference time", "ts", ts, "uptime", uptime)
			}
		}
		return reply, nil

	case wire.RequestPoll:
		ts := o.log.Stamp(uptime)
		for i := range inputs {
			if inputs[i].Value < 0 {
				continue
			}
			if err := o.log.Append(inputs[i].Name, int32(inputs[i].Value), ts); err != nil {
				return "", fmt.Errorf("log %s: %w", inputs[i].Name, err)
			}
		}
		return "", nil

	case wire.RequestAct:
		return "", nil
	}
	return "", fmt.Errorf("unsupported request: %s", kind)
}
