// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/spf13/viper"
	"go.bug.st/serial"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"

	"github.com/ribbit-network/frog-agent/aggregate"
	"github.com/ribbit-network/frog-agent/board"
	"github.com/ribbit-network/frog-agent/config"
	"github.com/ribbit-network/frog-agent/console"
	"github.com/ribbit-network/frog-agent/golioth"
	"github.com/ribbit-network/frog-agent/gpio"
	"github.com/ribbit-network/frog-agent/heartbeat"
	"github.com/ribbit-network/frog-agent/homeassistant"
	"github.com/ribbit-network/frog-agent/httpserver"
	"github.com/ribbit-network/frog-agent/i2cbus"
	"github.com/ribbit-network/frog-agent/improv"
	"github.com/ribbit-network/frog-agent/network"
	"github.com/ribbit-network/frog-agent/ota"
	"github.com/ribbit-network/frog-agent/sensor"
	"github.com/ribbit-network/frog-agent/timesync"
	"github.com/ribbit-network/frog-agent/version"
	"github.com/ribbit-network/frog-agent/web"
)

type CLI struct {
	Settings string `help:"Bootstrap settings file." type:"path" optional:""`
	Debug    bool   `help:"Enable debug logging."`

	Run     RunCmd     `cmd:"" default:"withargs" help:"Run the agent."`
	Version VersionCmd `cmd:"" help:"Print the agent version."`
}

type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println(version.Version)
	return nil
}

type RunCmd struct {
	StateDir string `help:"State directory." default:"/var/lib/frog-agent"`
	Board    string `help:"Board definition name." default:"Ribbit Frog Sensor v4"`
	Listen   string `help:"HTTP listen address." default:":8080"`
	I2C      string `help:"I2C bus name or number." default:"1"`
	Serial   string `help:"Console serial device." optional:""`
	Improv   string `help:"Improv provisioning serial device." optional:""`
	GPSPort  string `name:"gps-port" help:"GPS serial device." optional:""`
	DeviceID string `help:"Device identifier, defaults to frog-<hostname>." optional:""`
	Pins     bool   `help:"Drive the power and status LED pins." default:"true" negatable:""`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("frog-agent"),
		kong.Description("Ribbit frog sensor agent."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// settings are the effective run options after the bootstrap file is
// merged over the command line defaults.
type settings struct {
	stateDir  string
	boardName string
	listen    string
	i2c       string
	serial    string
	improv    string
	gpsPort   string
	deviceID  string
	pins      bool
}

func (r *RunCmd) settings(file string) (settings, error) {
	v := viper.New()
	v.SetDefault("state_dir", r.StateDir)
	v.SetDefault("board", r.Board)
	v.SetDefault("listen", r.Listen)
	v.SetDefault("i2c", r.I2C)
	v.SetDefault("serial", r.Serial)
	v.SetDefault("improv", r.Improv)
	v.SetDefault("gps_port", r.GPSPort)
	v.SetDefault("device_id", r.DeviceID)
	v.SetDefault("pins", r.Pins)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return settings{}, err
		}
	} else {
		v.SetConfigName("frog-agent")
		v.AddConfigPath("/etc/frog-agent")
		v.AddConfigPath(".")
		// The bootstrap file is optional when not named explicitly.
		_ = v.ReadInConfig()
	}

	return settings{
		stateDir:  v.GetString("state_dir"),
		boardName: v.GetString("board"),
		listen:    v.GetString("listen"),
		i2c:       v.GetString("i2c"),
		serial:    v.GetString("serial"),
		improv:    v.GetString("improv"),
		gpsPort:   v.GetString("gps_port"),
		deviceID:  v.GetString("device_id"),
		pins:      v.GetBool("pins"),
	}, nil
}

func (r *RunCmd) Run(cli *CLI) error {
	s, err := r.settings(cli.Settings)
	if err != nil {
		return err
	}

	log, err := newLogger(cli.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	app := fx.New(
		fx.Supply(s),
		fx.Provide(
			func() *zap.Logger { return log },
			newAgent,
			newWebHandler,
			func() httpserver.Config { return httpserver.Config{Address: s.listen} },
			httpserver.New,
		),
		fx.Invoke(
			runAgent,
			func(*http.Server) {},
		),
	)
	app.Run()
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newWebHandler(a *agent, log *zap.Logger) http.Handler {
	return web.NewHandler(web.Opts{
		Registry: a.registry,
		Board:    a.boardDef,
		DeviceID: a.deviceID,
		Sensors:  a.Sensors,
		Network:  a.netMgr,
		Cloud:    a.cloud,
		Time:     a.timeMgr,
		Logger:   log,
	})
}

// forceCalibrationRPC exposes the CO2 sensor's forced recalibration to
// the cloud console.  The reference must be within the 400..2000 ppm
// range the sensor accepts.
func forceCalibrationRPC(scd *sensor.SCD30) golioth.RPCHandler {
	return func(_ context.Context, params []any) (string, error) {
		if len(params) == 0 {
			return "", fmt.Errorf("reference ppm required")
		}
		ppm, ok := params[0].(float64)
		if !ok || ppm < 400 || ppm > 2000 {
			return "", fmt.Errorf("bad reference ppm %v", params[0])
		}
		if err := scd.ForceRecalibration(uint16(ppm)); err != nil {
			return "", err
		}
		return fmt.Sprintf("calibrated to %d ppm", int(ppm)), nil
	}
}

func runAgent(lc fx.Lifecycle, a *agent) {
	lc.Append(fx.Hook{
		OnStart: a.Start,
		OnStop: func(context.Context) error {
			a.Stop()
			return nil
		},
	})
}

// agent holds every subsystem; Start and Stop bring them up and down in
// dependency order.
type agent struct {
	log      *zap.Logger
	settings settings
	boardDef board.Definition
	deviceID string

	registry *config.Registry
	bus      *i2cbus.Bus
	busOK    bool

	powerPin  *gpio.Output
	ledPower  *gpio.Output
	statusLED *gpio.Output

	sensors []sensor.Sensor
	pollers []*sensor.Poller
	gps     *sensor.GPS

	netMgr  *network.Manager
	timeMgr *timesync.Manager
	updates *ota.Manager
	cloud   *golioth.Service
	agg     *aggregate.Aggregator
	ha      *homeassistant.Service
	heart   *heartbeat.Heartbeat

	console      *console.Console
	consolePort  serial.Port
	improvSerial *improv.SerialHandler
	improvPort   serial.Port
	improvBLE    *improv.BLEHandler
}

func newAgent(s settings, log *zap.Logger, sh fx.Shutdowner) (*agent, error) {
	def, err := board.Lookup(s.boardName)
	if err != nil {
		return nil, err
	}

	deviceID := s.deviceID
	if deviceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		deviceID = "frog-" + hostname
	}

	a := &agent{
		log:      log,
		settings: s,
		boardDef: def,
		deviceID: deviceID,
	}
	restart := func() { _ = sh.Shutdown() }

	schema := []config.Key{
		{Name: "sensor.interval", Type: config.Integer, Default: int64(60)},
	}
	schema = append(schema, golioth.ConfigKeys...)
	schema = append(schema, homeassistant.ConfigKeys...)

	a.registry, err = config.New(config.Options{
		Dir:    filepath.Join(s.stateDir, "config"),
		Schema: schema,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	a.updates, err = ota.New(ota.Opts{
		Dir:    filepath.Join(s.stateDir, "firmware"),
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	a.timeMgr = timesync.New(timesync.Opts{Logger: log})

	a.netMgr = network.New(network.Opts{Logger: log})
	a.netMgr.OnConnect(a.timeMgr.OnNetworkConnect)

	a.cloud = golioth.New(golioth.Opts{
		Registry: a.registry,
		Updater:  a.updates,
		Restart:  restart,
		Logger:   log,
	})
	a.cloud.RegisterRPC("reboot", func(context.Context, []any) (string, error) {
		go restart()
		return "rebooting", nil
	})

	a.bus = i2cbus.New(s.i2c, 50*physic.KiloHertz)

	scd, err := sensor.NewSCD30(sensor.SCD30Opts{
		ID:       "scd30-0",
		Bus:      a.bus,
		Addr:     def.SCD30Addr,
		Interval: 2 * time.Second,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	dps, err := sensor.NewDPS310(sensor.DPS310Opts{
		ID:     "dps310-0",
		Bus:    a.bus,
		Addr:   def.DPS310Addr,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	battery := sensor.NewBattery("max17048-0", a.bus, def.BatteryAddr)
	sys := sensor.NewSysInfo("board-0", def.Name)

	a.cloud.RegisterRPC("scd30.force_calibration", forceCalibrationRPC(scd))

	a.ha = homeassistant.New(homeassistant.Opts{
		Registry: a.registry,
		DeviceID: deviceID,
		Sensors:  a.Sensors,
		Logger:   log,
	})

	fanout := sensor.NewFanout(log)
	fanout.Add(a.ha)

	interval := time.Duration(a.registry.GetInt("sensor.interval")) * time.Second
	for _, reader := range []sensor.Reader{scd, dps, battery, sys} {
		a.sensors = append(a.sensors, reader)
		a.pollers = append(a.pollers, sensor.NewPoller(sensor.PollerOpts{
			Sensor:    reader,
			Interval:  interval,
			Output:    fanout,
			Namespace: "frog",
			Logger:    log,
		}))
	}

	if s.gpsPort != "" {
		a.gps = sensor.NewGPS(sensor.GPSOpts{
			ID:       "gps-0",
			Port:     s.gpsPort,
			TimeSink: a.timeMgr,
			Logger:   log,
		})
		a.sensors = append(a.sensors, a.gps)
	}

	a.agg = aggregate.New(aggregate.Opts{
		Poster:         a.cloud,
		PressureSource: dps,
		PressureSink:   scd,
		Logger:         log,
	})
	for _, snsr := range a.sensors {
		a.agg.Add(snsr)
	}

	a.heart = heartbeat.New(heartbeat.Opts{
		Namespace: "frog",
		LED:       a.setLED,
		Logger:    log,
	})

	if s.serial != "" && def.Features.UARTConsole {
		a.console = console.New(console.Opts{Logger: log})
		a.console.Register(console.BoardCommand(def))
		a.console.Register(console.ConfigCommand(a.registry))
		a.console.Register(console.SensorsCommand(a.Sensors))
		a.console.Register(console.ReadCommand(a.Sensors))
		a.console.Register(console.TimeCommand(a.timeMgr))
		a.console.Register(console.PingCommand())
		a.console.Register(console.RebootCommand(restart))
		if def.Features.Interpreter {
			a.console.Register(console.RunCommand(a.console))
		}
	}

	info := improv.DeviceInfo{
		ProductName:    "Ribbit Frog Sensor",
		ProductVersion: version.Version,
		HardwareName:   def.Name,
		DeviceName:     deviceID,
	}
	callbacks := improv.Callbacks{
		Provision: func(ctx context.Context, ssid, password string) error {
			return a.netMgr.Provision(ssid, password)
		},
		Scan: a.scanNetworks,
		CurrentState: func() (improv.State, string) {
			if a.netMgr.Connected() {
				return improv.StateProvisioned, ""
			}
			return improv.StateReady, ""
		},
	}
	if s.improv != "" {
		a.improvSerial = improv.NewSerialHandler(improv.SerialOpts{
			Info:      info,
			Callbacks: callbacks,
			Logger:    log,
		})
	}
	if def.Features.Bluetooth {
		a.improvBLE = improv.NewBLEHandler(improv.BLEOpts{
			Info:      info,
			Callbacks: callbacks,
			LocalName: deviceID,
			Logger:    log,
		})
	}

	return a, nil
}

// Sensors lists every sensor for the surfaces that enumerate them.
func (a *agent) Sensors() []sensor.Sensor {
	return a.sensors
}

func (a *agent) setLED(on bool) {
	if a.statusLED != nil {
		_ = a.statusLED.Set(on)
	}
}

func (a *agent) scanNetworks(ctx context.Context) ([]improv.Network, error) {
	aps, err := a.netMgr.Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]improv.Network, 0, len(aps))
	for _, ap := range aps {
		out = append(out, improv.Network{
			SSID: ap.SSID,
			// NetworkManager reports percent strength; clients want dBm.
			RSSI:    int(ap.Strength)/2 - 100,
			Secured: ap.Secured,
		})
	}
	return out, nil
}

// openPins powers the sensor bus and the status LED.  Missing GPIO (the
// agent running off-board) is logged and tolerated.
func (a *agent) openPins() {
	var err error
	if a.powerPin, err = gpio.Open(a.boardDef.I2CPowerPin, true); err != nil {
		a.log.Warn("i2c power pin unavailable", zap.Error(err))
	}
	if a.ledPower, err = gpio.Open(a.boardDef.StatusLEDPowerPin, true); err != nil {
		a.log.Warn("status led power pin unavailable", zap.Error(err))
	}
	if a.statusLED, err = gpio.Open(a.boardDef.StatusLEDDataPin, false); err != nil {
		a.log.Warn("status led pin unavailable", zap.Error(err))
	}
}

func (a *agent) Start(ctx context.Context) error {
	if err := a.registry.Start(); err != nil {
		return err
	}

	if a.settings.pins {
		a.openPins()
	}

	if err := a.bus.Open(); err != nil {
		a.log.Warn("i2c bus unavailable, sensors disabled", zap.Error(err))
	} else {
		a.busOK = true
		for _, p := range a.pollers {
			if err := p.Start(ctx); err != nil {
				return err
			}
		}
	}

	if err := a.netMgr.Start(ctx); err != nil {
		a.log.Warn("network manager unavailable", zap.Error(err))
	}

	if a.gps != nil {
		if err := a.gps.Start(ctx); err != nil {
			return err
		}
	}

	for _, start := range []func(context.Context) error{
		a.cloud.Start,
		a.ha.Start,
		a.agg.Start,
		a.heart.Start,
	} {
		if err := start(ctx); err != nil {
			return err
		}
	}

	if a.console != nil {
		port, err := serial.Open(a.settings.serial, &serial.Mode{BaudRate: 115200})
		if err != nil {
			return fmt.Errorf("console serial %s: %w", a.settings.serial, err)
		}
		a.consolePort = port
		a.console.SetRW(port)
		if err := a.console.Start(ctx); err != nil {
			return err
		}
	}

	if a.improvSerial != nil {
		port, err := serial.Open(a.settings.improv, &serial.Mode{BaudRate: 115200})
		if err != nil {
			return fmt.Errorf("improv serial %s: %w", a.settings.improv, err)
		}
		a.improvPort = port
		a.improvSerial.SetRW(port)
		if err := a.improvSerial.Start(ctx); err != nil {
			return err
		}
	}

	if a.improvBLE != nil {
		if err := a.improvBLE.Start(ctx); err != nil {
			a.log.Warn("bluetooth provisioning unavailable", zap.Error(err))
		}
	}

	if staged, ok := a.updates.Pending(); ok {
		a.log.Info("booted staged firmware", zap.String("version", staged))
		if err := a.updates.MarkBootSuccessful(); err != nil {
			a.log.Warn("marking boot successful", zap.Error(err))
		}
	}

	a.log.Info("agent started",
		zap.String("board", a.boardDef.Name),
		zap.String("device_id", a.deviceID),
		zap.String("version", version.Version))

	return nil
}

func (a *agent) Stop() {
	if a.improvBLE != nil {
		a.improvBLE.Stop()
	}
	if a.improvSerial != nil {
		a.improvSerial.Stop()
	}
	if a.improvPort != nil {
		_ = a.improvPort.Close()
	}
	if a.console != nil {
		a.console.Stop()
	}
	if a.consolePort != nil {
		_ = a.consolePort.Close()
	}

	a.heart.Stop()
	a.agg.Stop()
	a.ha.Stop()
	a.cloud.Stop()
	if a.gps != nil {
		a.gps.Stop()
	}
	a.netMgr.Stop()

	for _, p := range a.pollers {
		p.Stop()
	}
	if a.busOK {
		_ = a.bus.Close()
	}

	for _, pin := range []*gpio.Output{a.statusLED, a.ledPower, a.powerPin} {
		if pin != nil {
			_ = pin.Close()
		}
	}

	a.registry.Stop()
}
