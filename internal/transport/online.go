package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/device-agent/internal/alarm"
	"github.com/sweeney/device-agent/internal/clock"
	"github.com/sweeney/device-agent/internal/config"
	"github.com/sweeney/device-agent/internal/device"
	"github.com/sweeney/device-agent/internal/pin"
	"github.com/sweeney/device-agent/internal/wire"
)

// DefaultNetwork is the hard-coded fallback network, tried when the
// configured credentials fail to associate.
const DefaultNetwork = "cloudblue,deviceagent"

const (
	httpTimeout  = 10 * time.Second
	maxRedirects = 5 // Redirect hops followed before the request fails.
)

// Link is the network association primitive. The wired/wireless bring-up
// sequence itself is board-specific and lives behind this interface.
type Link interface {
	// Connect associates with the named network. Connecting while
	// associated to the same network is a no-op.
	Connect(ssid, key string) error

	// Disconnect tears down the association. A failure here is
	// unrecoverable by the caller.
	Disconnect() error

	// MAC returns the formatted hardware address.
	MAC() string
}

// Online is the networked transport: it associates with the configured
// network and exchanges requests with the collection service over HTTP.
type Online struct {
	svc   string // Service base URL.
	link  Link
	ctx   *device.Context
	pins  *pin.Registry
	alarm *alarm.Machine
	mgr   *Manager
	clk   clock.Clock
	log   *slog.Logger

	client    *http.Client
	connected bool
}

// NewOnline creates the online handler.
func NewOnline(svc string, link Link, ctx *device.Context, pins *pin.Registry, alarmer *alarm.Machine, mgr *Manager, clk clock.Clock, log *slog.Logger) *Online {
	return &Online{
		svc: svc, link: link, ctx: ctx, pins: pins,
		alarm: alarmer, mgr: mgr, clk: clk, log: log,
		client: &http.Client{
			Timeout: httpTimeout,
			// Redirects are followed manually so the hop budget is ours.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Name returns the handler's mode name.
func (o *Online) Name() string { return ModeOnline }

// Init records the device's MAC address in the context.
func (o *Online) Init() bool {
	o.ctx.MAC = o.link.MAC()
	o.log.Debug("initialized online handler", "mac", o.ctx.MAC)
	return true
}

// Connect associates with the configured network, falling back to the
// default network on failure.
func (o *Online) Connect() bool {
	if o.connected {
		return true
	}
	if o.connectTo(o.ctx.Config.Wifi) {
		o.connected = true
		return true
	}
	if o.ctx.Config.Wifi != DefaultNetwork && o.connectTo(DefaultNetwork) {
		o.connected = true
		return true
	}
	return false
}

func (o *Online) connectTo(network string) bool {
	if network == "" {
		return false
	}
	ssid, key, _ := strings.Cut(network, ",")
	if err := o.link.Connect(ssid, key); err != nil {
		o.log.Debug("failed to associate", "ssid", ssid, "error", err)
		return false
	}
	return true
}

// Disconnect tears down the association. A link that will not disconnect
// risks a permanently stuck radio, so it restarts the device with boot
// reason WiFi; this is the only locally-fatal condition.
func (o *Online) Disconnect() {
	if !o.connected {
		return
	}
	if err := o.link.Disconnect(); err != nil {
		o.log.Error("link not disconnecting", "error", err)
		o.alarm.Restart(config.BootWiFi, true)
		return
	}
	o.connected = false
}

// Request issues a single request. Config requests (and only config
// requests) carry the device mode and last error. Side effects: the
// context's varsum is updated from the response; the configured flag is
// cleared for update and alarm response codes; reboot and alarm response
// codes trigger their state transitions.
func (o *Online) Request(kind wire.RequestType, inputs, outputs []pin.Pin, reconfig *bool) (string, error) {
	id := wire.Identity{Version: config.Version, MAC: o.ctx.MAC, DKey: o.ctx.Config.DKey}
	path, body := wire.BuildPath(kind, id, o.clk.Now()/1000, o.mgr.ActiveName(), o.ctx.Error, inputs)

	if !o.Connect() {
		o.alarm.RecordFailure()
		return "", fmt.Errorf("%s: no network association", kind)
	}
	reply, err := o.httpRequest(o.svc+path, body)
	if err != nil {
		o.alarm.RecordFailure()
		return "", fmt.Errorf("%s request: %w", kind, err)
	}
	o.alarm.RecordSuccess()

	if !strings.HasPrefix(reply, "{") {
		return "", fmt.Errorf("%s: malformed response", kind)
	}

	// Poll requests return output values as well as taking inputs, so both
	// poll and act responses may carry output pin values.
	if kind == wire.RequestPoll || kind == wire.RequestAct {
		for i := range outputs {
			param, ok := wire.ExtractField(reply, outputs[i].Name)
			if !ok {
				outputs[i].Value = pin.NoReading
				o.log.Warn("missing value for output pin", "pin", outputs[i].Name)
				continue
			}
			v, err := strconv.Atoi(param)
			if err != nil {
				outputs[i].Value = pin.NoReading
				o.log.Warn("bad value for output pin", "pin", outputs[i].Name, "value", param)
				continue
			}
			outputs[i].Value = v
			o.pins.Write(&outputs[i])
		}
	}

	if param, ok := wire.ExtractField(reply, "rc"); ok {
		rc, _ := strconv.Atoi(param)
		o.log.Debug("response code", "rc", rc)
		switch rc {
		case wire.RcOK:
		case wire.RcUpdate:
			o.log.Debug("received update request")
			*reconfig = true
			o.ctx.Configured = false
		case wire.RcReboot:
			o.log.Debug("received reboot request")
			if o.ctx.Configured {
				o.pins.ResetPowerPins()
				o.alarm.Restart(config.BootNormal, false)
			} // else ignore reboot request unless configured
		case wire.RcDebug:
			// Superseded by the LogLevel variable; deliberately a no-op.
			o.log.Debug("received debug request, ignoring")
		case wire.RcAlarm:
			o.log.Debug("received alarm request")
			if o.ctx.Configured && o.ctx.Config.Vars[config.VarAlarmPeriod] > 0 {
				o.alarm.Write(true, false)
				*reconfig = true
				o.ctx.Configured = false
			}
		}
	}

	if param, ok := wire.ExtractField(reply, "vs"); ok {
		vs, _ := strconv.Atoi(param)
		if vs != o.ctx.VarSum {
			o.log.Debug("varsum changed", "vs", vs)
		}
		o.ctx.VarSum = vs
	}

	if param, ok := wire.ExtractField(reply, "er"); ok {
		// Round-tripped to the service with the next config request; the
		// caller decides whether it also fails the exchange.
		o.log.Debug("service error", "er", param)
		o.ctx.Error = param
	}

	return reply, nil
}

// httpRequest performs one HTTP exchange, following redirect responses up
// to the hop budget. An empty body means GET, otherwise POST.
func (o *Online) httpRequest(url string, body []byte) (string, error) {
	for hop := 0; hop <= maxRedirects; hop++ {
		var (
			resp *http.Response
			err  error
		)
		if len(body) == 0 {
			o.log.Debug("GET", "url", url)
			resp, err = o.client.Get(url)
		} else {
			o.log.Debug("POST", "url", url)
			resp, err = o.client.Post(url, "application/json", strings.NewReader(string(body)))
		}
		if err != nil {
			return "", err
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc, locErr := resp.Location() // resolves relative locations
			resp.Body.Close()
			if locErr != nil {
				return "", fmt.Errorf("redirect without location")
			}
			o.log.Debug("redirecting", "url", loc)
			url = loc.String()
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("request failed with status %d", resp.StatusCode)
		}
		if readErr != nil {
			return "", fmt.Errorf("read response: %w", readErr)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("too many redirects")
}
