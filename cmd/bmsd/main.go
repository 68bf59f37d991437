// bmsd is the battery management daemon: sensor acquisition, the safety
// supervisor, actuation, telemetry on two channels, command intake, the
// diagnostic console, the MQTT uplink and the local dashboard, all over
// one shared in-process bus.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bmscode-go/actuate"
	"bmscode-go/bus"
	"bmscode-go/config"
	"bmscode-go/drivers/serialafe"
	"bmscode-go/drivers/simbank"
	"bmscode-go/safety"
	"bmscode-go/services/acquire"
	"bmscode-go/services/command"
	"bmscode-go/services/console"
	"bmscode-go/services/dashboard"
	"bmscode-go/services/supervise"
	"bmscode-go/services/telemetry"
	"bmscode-go/services/uplink"
	"bmscode-go/store"
	"bmscode-go/transport"
)

func main() {
	var (
		cfgPath = flag.String("config", "/etc/bmsd/config.yaml", "configuration file")
		demo    = flag.Bool("demo", false, "run against the simulated pack regardless of config")
		listen  = flag.String("listen", "", "override net.listen_addr")
	)
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}
	if *demo {
		cfg.Sensors.Type = "sim"
	}
	if *listen != "" {
		cfg.Net.ListenAddr = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(16)
	lim := safety.LimitsFrom(cfg)
	st := store.New(lim)

	// Sensor front end and actuator outputs come from the same device.
	var (
		bank acquire.SensorBank
		outs actuate.Outputs
	)
	switch cfg.Sensors.Type {
	case "serial":
		afe := serialafe.New(cfg.Sensors.PortPath, cfg.Sensors.BaudRate,
			cfg.Pack.Cells, cfg.Pack.TempProbes, cfg.StalenessBound())
		if err := afe.Start(ctx); err != nil {
			log.Fatalf("[main] afe: %v", err)
		}
		bank, outs = afe, afe
	case "sim":
		sim := simbank.New(cfg.Pack.Cells, cfg.Pack.TempProbes, 3700, 25_000, 1)
		bank, outs = sim, sim
	default:
		log.Fatalf("[main] unknown sensors.type %q", cfg.Sensors.Type)
	}

	driver := actuate.NewDriver(outs)
	sup := supervise.New(st, driver, lim, cfg.Timing.ControlPeriod,
		safety.BalancePolicy{Enabled: cfg.Balancing.Enabled, EpsilonMV: cfg.Balancing.EpsilonMV},
		cfg.Timing.HistoryWindow, b.NewConnection("supervise"))
	acq := acquire.New(bank, st, cfg.Pack.Cells, cfg.Pack.TempProbes, cfg.Timing.AcquirePeriod)
	intake := command.New(st, sup)

	// Supervisor before acquisition: the fail-safe bias holds from the
	// very first control cycle, before any snapshot exists.
	must(sup.Start(ctx))
	must(acq.Start(ctx))

	if cfg.Net.Enabled {
		tcp := transport.NewTCPServer(cfg.Net.ListenAddr, intake)
		must(tcp.Start(ctx))
		must(telemetry.New("net", st, cfg.Timing.NetTelemetry, tcp, b.NewConnection("telemetry-net")).Start(ctx))
	}
	if cfg.Serial.Enabled {
		usb := transport.NewSerialLink(cfg.Serial.PortPath, cfg.Serial.BaudRate, intake)
		must(usb.Start(ctx))
		must(telemetry.New("usb", st, cfg.Timing.SerialTelemetry, usb, b.NewConnection("telemetry-usb")).Start(ctx))
	}
	if cfg.Console.Enabled {
		must(console.New(st, sup, b.NewConnection("console"), cfg.Console.PortPath, cfg.Console.BaudRate).Start(ctx))
	}
	if cfg.Uplink.Enabled {
		must(uplink.New(cfg.Uplink.Broker, cfg.Uplink.ClientID, cfg.Uplink.Topic, b.NewConnection("uplink")).Start(ctx))
	}
	if cfg.Dashboard.Enabled {
		must(dashboard.New(cfg.Dashboard.ListenAddr, st, intake, b.NewConnection("dashboard")).Start(ctx))
	}

	log.Printf("[main] bmsd up: %d cells, %d probes, control %s, acquire %s",
		cfg.Pack.Cells, cfg.Pack.TempProbes, cfg.Timing.ControlPeriod, cfg.Timing.AcquirePeriod)

	<-ctx.Done()
	log.Printf("[main] shutting down")
}

func must(err error) {
	if err != nil {
		log.Fatalf("[main] start: %v", err)
	}
}
