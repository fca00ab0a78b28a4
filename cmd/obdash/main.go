package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kgrayson/obdash/internal/logger"
	"github.com/kgrayson/obdash/internal/obd"
	"github.com/kgrayson/obdash/internal/server"
	"github.com/kgrayson/obdash/internal/session"
	"github.com/kgrayson/obdash/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	demo := flag.Bool("demo", false, "use the simulated adapter regardless of config")
	listen := flag.String("listen", "", "listen address override (e.g. :8080)")
	port := flag.String("port", "", "serial port override (e.g. /dev/ttyUSB0)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.OBD.Type = "demo"
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	if *port != "" {
		cfg.OBD.Port = *port
		cfg.OBD.Type = "elm327"
	}

	var transport obd.Provider
	var probeFactory func() obd.Provider
	var vendorChannels []string
	switch cfg.OBD.Type {
	case "elm327":
		elm := obd.NewELM327(obd.ELM327Config{BaudRate: cfg.OBD.BaudRate})
		transport = elm
		for _, spec := range elm.VendorChannels() {
			vendorChannels = append(vendorChannels, spec.Name)
		}
		probeFactory = func() obd.Provider {
			return obd.NewELM327(obd.ELM327Config{BaudRate: cfg.OBD.BaudRate})
		}
	case "demo":
		transport = obd.NewDemo()
		probeFactory = func() obd.Provider { return obd.NewDemo() }
	default:
		log.Fatalf("unknown obd type %q (want elm327 or demo)", cfg.OBD.Type)
	}

	mapAxis, err := telemetry.NewAxis(cfg.VE.MAPBins)
	if err != nil {
		log.WithError(err).Fatal("bad MAP bins")
	}
	rpmAxis, err := telemetry.NewAxis(cfg.VE.RPMBins)
	if err != nil {
		log.WithError(err).Fatal("bad RPM bins")
	}
	est, err := telemetry.NewEstimator(cfg.VE.Cylinders)
	if err != nil {
		log.WithError(err).Fatal("bad cylinder count")
	}

	buffer := telemetry.NewSampleBuffer(cfg.History.Size)
	grid := telemetry.NewGrid(mapAxis, rpmAxis)
	machine := session.NewMachine(transport, buffer)

	driveLog := logger.New(cfg.Logging.Path, vendorChannels)
	defer driveLog.Close()
	if cfg.Logging.Enabled {
		if err := driveLog.SetEnabled(true); err != nil {
			log.WithError(err).Warn("drive log unavailable")
		}
	}

	poller := session.NewPoller(session.PollerConfig{
		Machine:           machine,
		Buffer:            buffer,
		Estimator:         est,
		Grid:              grid,
		DriveLog:          driveLog,
		PollInterval:      time.Duration(cfg.OBD.PollMs) * time.Millisecond,
		ReconnectInterval: time.Duration(cfg.OBD.ReconnectMs) * time.Millisecond,
		ProbeTransport:    probeFactory,
	})

	srv := server.New(cfg, machine, poller, buffer, grid, est, driveLog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OBD.AutoConnect && cfg.OBD.Port != "" {
		if err := machine.Connect(cfg.OBD.Port); err != nil {
			log.WithError(err).WithField("port", cfg.OBD.Port).
				Warn("initial connect failed, will retry")
		}
	}

	go poller.Run(ctx)

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("server error")
	}
	log.Info("shutdown complete")
}
