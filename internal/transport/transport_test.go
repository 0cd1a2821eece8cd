package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sweeney/device-agent/internal/alarm"
	"github.com/sweeney/device-agent/internal/clock"
	"github.com/sweeney/device-agent/internal/config"
	"github.com/sweeney/device-agent/internal/device"
	"github.com/sweeney/device-agent/internal/nvram"
	"github.com/sweeney/device-agent/internal/oplog"
	"github.com/sweeney/device-agent/internal/pin"
	"github.com/sweeney/device-agent/internal/wire"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubHandler records the requests delegated to it.
type stubHandler struct {
	name        string
	reply       string
	err         error
	requests    []wire.RequestType
	disconnects int
}

func (h *stubHandler) Name() string  { return h.name }
func (h *stubHandler) Init() bool    { return true }
func (h *stubHandler) Connect() bool { return true }
func (h *stubHandler) Disconnect()   { h.disconnects++ }

func (h *stubHandler) Request(kind wire.RequestType, inputs, outputs []pin.Pin, reconfig *bool) (string, error) {
	h.requests = append(h.requests, kind)
	return h.reply, h.err
}

func TestManagerSetPersistsMode(t *testing.T) {
	storage := nvram.NewFakeStorage()
	m := NewManager(storage, discard())
	m.Add(&stubHandler{name: ModeOnline})
	m.Add(&stubHandler{name: ModeOffline})

	if m.ActiveName() != ModeOnline {
		t.Fatalf("active = %q, want first added", m.ActiveName())
	}

	if m.Set(ModeOffline) == nil {
		t.Fatal("Set rejected a known handler")
	}
	if m.ActiveName() != ModeOffline {
		t.Errorf("active = %q, want %q", m.ActiveName(), ModeOffline)
	}
	if got := string(storage.Cells[nvram.CellMode]); got != ModeOffline {
		t.Errorf("persisted mode = %q, want %q", got, ModeOffline)
	}

	// Unknown names are rejected and leave the selection alone.
	if m.Set("Carrier") != nil {
		t.Error("Set accepted an unknown handler")
	}
	if m.ActiveName() != ModeOffline {
		t.Errorf("active changed to %q after rejected Set", m.ActiveName())
	}
}

func TestManagerRestore(t *testing.T) {
	storage := nvram.NewFakeStorage()
	storage.Cells[nvram.CellMode] = []byte(ModeOffline)
	writes := storage.Writes

	m := NewManager(storage, discard())
	m.Add(&stubHandler{name: ModeOnline})
	m.Add(&stubHandler{name: ModeOffline})
	m.Restore(ModeOnline)

	if m.ActiveName() != ModeOffline {
		t.Errorf("restored %q, want persisted %q", m.ActiveName(), ModeOffline)
	}
	if storage.Writes != writes {
		t.Error("Restore wrote to storage")
	}

	// Nothing persisted: the default applies.
	m2 := NewManager(nvram.NewFakeStorage(), discard())
	m2.Add(&stubHandler{name: ModeOnline})
	m2.Add(&stubHandler{name: ModeOffline})
	m2.Restore(ModeOffline)
	if m2.ActiveName() != ModeOffline {
		t.Errorf("default not applied: %q", m2.ActiveName())
	}
}

// onlineFixture wires an Online handler to an httptest service.
type onlineFixture struct {
	ctx       *device.Context
	clk       *clock.Fake
	link      *FakeLink
	pins      *pin.Registry
	digital   *pin.FakeDigital
	act       *alarm.FakeActuator
	restarter *alarm.FakeRestarter
	mach      *alarm.Machine
	mgr       *Manager
	online    *Online
}

func newOnlineFixture(t *testing.T, handler http.HandlerFunc) *onlineFixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := &onlineFixture{
		ctx:       &device.Context{},
		clk:       &clock.Fake{Millis: 30000},
		link:      &FakeLink{Addr: "A1B2C3D4E5F6"},
		digital:   &pin.FakeDigital{},
		act:       &alarm.FakeActuator{},
		restarter: &alarm.FakeRestarter{},
	}
	f.ctx.Config.Wifi = "backyard,secret"
	f.ctx.Config.DKey = "10000001"
	f.pins = pin.NewRegistry(discard())
	f.pins.Digital = f.digital
	storage := nvram.NewFakeStorage()
	store := config.NewStore(storage, discard())
	f.mach = alarm.NewMachine(f.ctx, f.act, f.clk, f.clk, store, f.restarter, discard())
	f.mgr = NewManager(storage, discard())
	f.online = NewOnline(srv.URL, f.link, f.ctx, f.pins, f.mach, f.mgr, f.clk, discard())
	f.mgr.Add(f.online)
	return f
}

func TestOnlineConfigRequestPath(t *testing.T) {
	var path string
	f := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.RequestURI()
		fmt.Fprint(w, `{"rc":0,"vs":5}`)
	})
	f.ctx.Error = "x1"

	var reconfig bool
	_, err := f.online.Request(wire.RequestConfig, nil, nil, &reconfig)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	want := fmt.Sprintf("/config?vn=%d&ma=A1B2C3D4E5F6&dk=10000001&ut=30&md=Online&er=x1", config.Version)
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if f.ctx.VarSum != 5 {
		t.Errorf("varsum = %d, want 5", f.ctx.VarSum)
	}
	if reconfig {
		t.Error("reconfig set by rc=0")
	}
}

func TestOnlinePollSendsInputsAndWritesOutputs(t *testing.T) {
	f := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "A0=512") {
			t.Errorf("input missing from query: %q", r.URL.RawQuery)
		}
		if strings.Contains(r.URL.RawQuery, "md=") {
			t.Errorf("mode sent on poll: %q", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"D2":1,"rc":0}`)
	})

	inputs := []pin.Pin{{Name: "A0", Value: 512}}
	outputs := []pin.Pin{{Name: "D2"}, {Name: "D3"}}
	var reconfig bool
	_, err := f.online.Request(wire.RequestPoll, inputs, outputs, &reconfig)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	got := f.digital.LastWrite(2)
	if got == nil || got.Value != 1 {
		t.Errorf("D2 write = %v, want 1", got)
	}
	if outputs[1].Value != pin.NoReading {
		t.Errorf("D3 = %d, want NoReading for a missing value", outputs[1].Value)
	}
}

func TestOnlineRcUpdate(t *testing.T) {
	f := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rc":1}`)
	})
	f.ctx.Configured = true

	var reconfig bool
	if _, err := f.online.Request(wire.RequestPoll, nil, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !reconfig {
		t.Error("rc=1 did not request reconfiguration")
	}
	if f.ctx.Configured {
		t.Error("rc=1 left the device configured")
	}
}

func TestOnlineRcReboot(t *testing.T) {
	f := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rc":2}`)
	})

	// Not configured yet: reboot requests are ignored.
	var reconfig bool
	if _, err := f.online.Request(wire.RequestPoll, nil, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if f.restarter.Restarts != 0 {
		t.Fatal("rebooted before being configured")
	}

	f.ctx.Configured = true
	if _, err := f.online.Request(wire.RequestPoll, nil, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if f.restarter.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", f.restarter.Restarts)
	}
}

func TestOnlineRcAlarm(t *testing.T) {
	f := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rc":5}`)
	})
	f.ctx.Configured = true
	f.ctx.Config.Vars[config.VarAlarmNetwork] = 1
	f.ctx.Config.Vars[config.VarAlarmPeriod] = 2

	var reconfig bool
	if _, err := f.online.Request(wire.RequestPoll, nil, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if f.mach.Alarms() != 1 {
		t.Errorf("alarms = %d, want 1", f.mach.Alarms())
	}
	if !reconfig || f.ctx.Configured {
		t.Error("rc=5 did not force reconfiguration")
	}
}

func TestOnlineFailureRecorded(t *testing.T) {
	f := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})

	var reconfig bool
	_, err := f.online.Request(wire.RequestPoll, nil, nil, &reconfig)
	if err == nil {
		t.Fatal("no error for a failed request")
	}
	if f.mach.Failures() != 1 {
		t.Errorf("failures = %d, want 1", f.mach.Failures())
	}

	// A success resets the count.
	f2 := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rc":0}`)
	})
	f2.mach.RecordFailure()
	if _, err := f2.online.Request(wire.RequestPoll, nil, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if f2.mach.Failures() != 0 {
		t.Errorf("failures = %d after success, want 0", f2.mach.Failures())
	}
}

func TestOnlineMalformedResponse(t *testing.T) {
	f := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	var reconfig bool
	if _, err := f.online.Request(wire.RequestPoll, nil, nil, &reconfig); err == nil {
		t.Error("no error for a non-JSON response")
	}
}

func TestOnlineFollowsBoundedRedirects(t *testing.T) {
	var mux http.ServeMux
	f := newOnlineFixture(t, mux.ServeHTTP)
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved"+r.URL.RequestURI(), http.StatusFound)
	})
	mux.HandleFunc("/moved/poll", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rc":0}`)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})

	var reconfig bool
	if _, err := f.online.Request(wire.RequestPoll, nil, nil, &reconfig); err != nil {
		t.Errorf("redirected request failed: %v", err)
	}

	_, err := f.online.Request(wire.RequestConfig, nil, nil, &reconfig)
	if err == nil || !strings.Contains(err.Error(), "redirects") {
		t.Errorf("redirect loop not bounded: %v", err)
	}
}

func TestOnlineFallsBackToDefaultNetwork(t *testing.T) {
	f := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rc":0}`)
	})
	f.link.ConnectErr = fmt.Errorf("association failed")
	f.link.GoodSSID = "cloudblue"

	var reconfig bool
	if _, err := f.online.Request(wire.RequestPoll, nil, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}
	want := []string{"backyard", "cloudblue"}
	if len(f.link.Connects) != 2 || f.link.Connects[0] != want[0] || f.link.Connects[1] != want[1] {
		t.Errorf("association attempts = %v, want %v", f.link.Connects, want)
	}
}

func TestOnlineDisconnectFailureRestarts(t *testing.T) {
	f := newOnlineFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rc":0}`)
	})
	f.link.DisconnectErr = fmt.Errorf("radio stuck")

	var reconfig bool
	if _, err := f.online.Request(wire.RequestPoll, nil, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}
	f.online.Disconnect()

	if f.restarter.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", f.restarter.Restarts)
	}
	if f.ctx.Config.Boot != config.BootWiFi {
		t.Errorf("boot reason = %d, want BootWiFi", f.ctx.Config.Boot)
	}
}

func newOfflineFixture(t *testing.T, online Handler) (*Offline, *oplog.Log, *clock.Fake) {
	t.Helper()
	olog, err := oplog.New(t.TempDir())
	if err != nil {
		t.Fatalf("oplog.New: %v", err)
	}
	clk := &clock.Fake{Millis: 60_000} // 60s uptime
	mgr := NewManager(nvram.NewFakeStorage(), discard())
	if online != nil {
		mgr.Add(online)
	}
	off := NewOffline(olog, mgr, clk, discard())
	mgr.Add(off)
	return off, olog, clk
}

func TestOfflinePollAppendsReadings(t *testing.T) {
	off, olog, clk := newOfflineFixture(t, nil)

	inputs := []pin.Pin{
		{Name: "A0", Value: 512},
		{Name: "D2", Value: pin.NoReading}, // not logged
	}
	var reconfig bool
	if _, err := off.Request(wire.RequestPoll, inputs, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}
	clk.Advance(10_000)
	if _, err := off.Request(wire.RequestPoll, inputs, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}

	records, err := olog.ReadAll("A0")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 4 { // two sentinels, two data records
		t.Fatalf("record count = %d, want 4", len(records))
	}
	if records[2].Value != 512 || records[2].Time != 60 {
		t.Errorf("first data record = %+v", records[2])
	}
	if records[3].Time != 70 {
		t.Errorf("second data record time = %d, want 70", records[3].Time)
	}

	if got, _ := olog.ReadAll("D2"); len(got) != 0 {
		t.Error("unread pin was logged")
	}
}

func TestOfflineDelegatesConfigAndSeedsTime(t *testing.T) {
	online := &stubHandler{name: ModeOnline, reply: `{"rc":0,"vs":3,"ts":1700000000}`}
	off, olog, clk := newOfflineFixture(t, online)

	var reconfig bool
	reply, err := off.Request(wire.RequestConfig, nil, nil, &reconfig)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply != online.reply {
		t.Errorf("reply = %q", reply)
	}
	if len(online.requests) != 1 || online.requests[0] != wire.RequestConfig {
		t.Errorf("delegated requests = %v", online.requests)
	}
	if online.disconnects != 1 {
		t.Errorf("online disconnects = %d, want 1", online.disconnects)
	}
	if olog.RefTime() != 1700000000 {
		t.Errorf("ref time = %d", olog.RefTime())
	}

	// Subsequent stamps are the reference time plus elapsed uptime.
	clk.Advance(5000)
	if got := olog.Stamp(clk.Millis / 1000); got != 1700000005 {
		t.Errorf("Stamp = %d, want 1700000005", got)
	}
}

func TestOfflineWithoutOnlineHandler(t *testing.T) {
	off, _, _ := newOfflineFixture(t, nil)

	var reconfig bool
	if _, err := off.Request(wire.RequestVars, nil, nil, &reconfig); err == nil {
		t.Error("no error delegating without an online handler")
	}
}

func TestMqttPublishesReadings(t *testing.T) {
	pub := &FakePublisher{Up: true}
	ctx := &device.Context{MAC: "A1B2C3D4E5F6"}
	clk := &clock.Fake{Millis: 45_000}
	mgr := NewManager(nvram.NewFakeStorage(), discard())
	m := NewMqtt(pub, "device/A1B2C3D4E5F6", ctx, mgr, clk, discard())
	mgr.Add(m)

	inputs := []pin.Pin{{Name: "A0", Value: 512}, {Name: "D2", Value: pin.NoReading}}
	var reconfig bool
	if _, err := m.Request(wire.RequestPoll, inputs, nil, &reconfig); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if len(pub.Published) != 1 {
		t.Fatalf("published = %d readings, want 1", len(pub.Published))
	}
	if pub.Published[0].Topic != "device/A1B2C3D4E5F6/A0" {
		t.Errorf("topic = %q", pub.Published[0].Topic)
	}
	for _, want := range []string{`"value":512`, `"ut":45`, `"pin":"A0"`} {
		if !strings.Contains(pub.Published[0].Payload, want) {
			t.Errorf("payload %q missing %s", pub.Published[0].Payload, want)
		}
	}
}

func TestMqttBuffersWhileDownAndDrainsOnConnect(t *testing.T) {
	pub := &FakePublisher{Up: false}
	ctx := &device.Context{MAC: "A1B2C3D4E5F6"}
	clk := &clock.Fake{}
	mgr := NewManager(nvram.NewFakeStorage(), discard())
	m := NewMqtt(pub, "device", ctx, mgr, clk, discard())
	mgr.Add(m)

	inputs := []pin.Pin{{Name: "A0", Value: 1}}
	var reconfig bool
	for i := 0; i < 3; i++ {
		if _, err := m.Request(wire.RequestPoll, inputs, nil, &reconfig); err != nil {
			t.Fatalf("Request: %v", err)
		}
	}
	if len(pub.Published) != 0 {
		t.Fatalf("published while down: %d", len(pub.Published))
	}

	pub.Up = true
	if !m.Connect() {
		t.Fatal("Connect failed with publisher up")
	}
	if len(pub.Published) != 3 {
		t.Errorf("drained %d readings, want 3", len(pub.Published))
	}
}

func TestRingBufferOverflowDropsOldest(t *testing.T) {
	r := newRingBuffer(2)
	r.push(queuedReading{topic: "a"})
	r.push(queuedReading{topic: "b"})
	r.push(queuedReading{topic: "c"})

	if !r.dropped() {
		t.Error("overflow not flagged")
	}
	got := r.drainAll()
	if len(got) != 2 || got[0].topic != "b" || got[1].topic != "c" {
		t.Errorf("drained %v, want [b c]", got)
	}
	if r.len() != 0 || r.dropped() {
		t.Error("drain did not reset the buffer")
	}
}
