// Command device-agent runs a field sensor/actuator node's duty cycle:
// it periodically exchanges pin readings and configuration with a remote
// collection service, logging locally or publishing to a broker when
// directed, and keeps the device's alarm state machine honest across
// restarts.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/lmittmann/tint"

	"github.com/sweeney/device-agent/internal/agent"
	"github.com/sweeney/device-agent/internal/alarm"
	"github.com/sweeney/device-agent/internal/clock"
	"github.com/sweeney/device-agent/internal/config"
	"github.com/sweeney/device-agent/internal/device"
	"github.com/sweeney/device-agent/internal/nvram"
	"github.com/sweeney/device-agent/internal/oplog"
	"github.com/sweeney/device-agent/internal/pin"
	"github.com/sweeney/device-agent/internal/transport"
)

// settings are the process-level options: everything else is device
// configuration owned by the service.
type settings struct {
	Service  string `toml:"service"`   // Collection service base URL.
	DataDir  string `toml:"data_dir"`  // Config cells and offline logs.
	Broker   string `toml:"broker"`    // MQTT broker, empty to disable.
	Topic    string `toml:"topic"`     // MQTT topic prefix.
	Mode     string `toml:"mode"`      // Default transport mode.
	GPIOChip string `toml:"gpio_chip"` // GPIO character device.
	LEDPin   int    `toml:"led_pin"`   // Pulse/signal output pin.
}

func main() {
	configFile := flag.String("config", "", "TOML settings file (explicit flags take precedence)")
	service := flag.String("service", "http://data.cloudblue.org", "collection service base URL")
	dataDir := flag.String("data-dir", "/var/lib/device-agent", "directory for config cells and offline logs")
	broker := flag.String("broker", "", "MQTT broker address, e.g. tcp://192.168.1.200:1883 (empty disables the Mqtt transport)")
	topic := flag.String("topic", "device", "MQTT topic prefix (MAC and pin name are appended)")
	mode := flag.String("mode", transport.ModeOnline, "default transport mode")
	gpioChip := flag.String("gpio-chip", "gpiochip0", "GPIO character device")
	ledPin := flag.Int("led-pin", agent.DefaultLEDPin, "BCM pin for the pulse/signal LED")
	flag.Parse()

	s := settings{
		Service: *service, DataDir: *dataDir, Broker: *broker, Topic: *topic,
		Mode: *mode, GPIOChip: *gpioChip, LEDPin: *ledPin,
	}
	if *configFile != "" {
		if err := mergeFile(*configFile, &s); err != nil {
			fmt.Fprintf(os.Stderr, "device-agent: %v\n", err)
			os.Exit(1)
		}
	}

	level := new(slog.LevelVar)
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))

	if err := run(s, level, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// mergeFile fills settings from a TOML file, keeping any value set by an
// explicit flag.
func mergeFile(path string, s *settings) error {
	var f settings
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	set := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if f.Service != "" && !set["service"] {
		s.Service = f.Service
	}
	if f.DataDir != "" && !set["data-dir"] {
		s.DataDir = f.DataDir
	}
	if f.Broker != "" && !set["broker"] {
		s.Broker = f.Broker
	}
	if f.Topic != "" && !set["topic"] {
		s.Topic = f.Topic
	}
	if f.Mode != "" && !set["mode"] {
		s.Mode = f.Mode
	}
	if f.GPIOChip != "" && !set["gpio-chip"] {
		s.GPIOChip = f.GPIOChip
	}
	if f.LEDPin != 0 && !set["led-pin"] {
		s.LEDPin = f.LEDPin
	}
	return nil
}

// processRestarter exits the process; the service supervisor restarts it,
// which is the host equivalent of a microcontroller reset.
type processRestarter struct {
	log *slog.Logger
}

func (r processRestarter) Restart() {
	r.log.Info("exiting for restart")
	os.Exit(0)
}

func run(s settings, level *slog.LevelVar, log *slog.Logger) error {
	storage, err := nvram.NewFileStorage(s.DataDir)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	ctx := &device.Context{}
	store := config.NewStore(storage, log)
	clk := clock.NewSystem()

	pins := pin.NewRegistry(log)
	digital, err := pin.NewRealDigital(s.GPIOChip)
	if err != nil {
		log.Warn("gpio unavailable, digital pins disabled", "error", err)
	} else {
		pins.Digital = digital
		defer digital.Close()
	}

	machine := alarm.NewMachine(ctx, pins, clk, clk, store, processRestarter{log}, log)
	pins.Timer = machine
	pins.Status = machine

	mgr := transport.NewManager(storage, log)
	online := transport.NewOnline(s.Service, transport.SystemLink{}, ctx, pins, machine, mgr, clk, log)
	if !mgr.Add(online) {
		return fmt.Errorf("init online transport")
	}

	olog, err := oplog.New(filepath.Join(s.DataDir, "oplog"))
	if err != nil {
		return fmt.Errorf("init offline log: %w", err)
	}
	if !mgr.Add(transport.NewOffline(olog, mgr, clk, log)) {
		return fmt.Errorf("init offline transport")
	}

	if s.Broker != "" {
		pub := transport.NewPahoPublisher(s.Broker, "device-agent-"+ctx.MAC)
		prefix := s.Topic + "/" + ctx.MAC
		if !mgr.Add(transport.NewMqtt(pub, prefix, ctx, mgr, clk, log)) {
			return fmt.Errorf("init mqtt transport")
		}
	}
	mgr.Restore(s.Mode)

	a := agent.New(ctx, store, pins, machine, mgr, clk, clk, level, log)
	a.LEDPin = s.LEDPin
	if err := a.Init(); err != nil {
		return fmt.Errorf("init agent: %w", err)
	}

	log.Info("device agent started",
		"version", config.Version, "mac", ctx.MAC,
		"mode", mgr.ActiveName(), "service", s.Service)

	var varsum int
	for {
		for !a.Run(&varsum) {
		}
	}
}
