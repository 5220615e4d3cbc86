// Command coordinatord is the industrial vision-capture coordinator
// entry point: it binds machine-vision cameras to the machines they
// watch, starts and stops recording as machine telemetry arrives over
// the bus, and exposes an HTTP/WebSocket control plane for operators.
//
// Startup order:
//  1. Configuration
//  2. Logging
//  3. State Store and Event Bus
//  4. Bus Client (machine telemetry)
//  5. Storage Index
//  6. Camera Manager (owns Recorder/Streamer per camera)
//  7. Auto-Record Controller
//  8. Control Plane
//
// Shutdown reverses this order: Control Plane, Auto-Record Controller,
// Camera Manager, Bus Client.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usda-vision/coordinator/internal/autorecord"
	"github.com/usda-vision/coordinator/internal/busclient"
	"github.com/usda-vision/coordinator/internal/camdevice"
	"github.com/usda-vision/coordinator/internal/cameramanager"
	"github.com/usda-vision/coordinator/internal/clock"
	"github.com/usda-vision/coordinator/internal/common"
	"github.com/usda-vision/coordinator/internal/config"
	"github.com/usda-vision/coordinator/internal/controlplane"
	"github.com/usda-vision/coordinator/internal/eventbus"
	"github.com/usda-vision/coordinator/internal/logging"
	"github.com/usda-vision/coordinator/internal/storageindex"
	"github.com/usda-vision/coordinator/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config/default.yaml", "path to the coordinator configuration file")
	logLevel := flag.String("log-level", "", "override system.log_level from the configuration file")
	flag.Parse()

	cfgManager := config.NewManager()
	if err := cfgManager.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := logging.NewLogger("coordinatord")
	level := cfg.System.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if parsed, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		logger.SetLevel(parsed)
	}
	logger.Info("starting industrial vision-capture coordinator")

	startedAt := time.Now()
	st := store.New(startedAt)
	bus := eventbus.New(logger)

	busCfg := cfg.Bus
	busClient := busclient.New(busCfg, st, bus, logger)
	if err := busClient.Start(); err != nil {
		logger.WithError(err).Fatal("failed to start bus client")
	}

	cameraDirs := make([]storageindex.CameraDir, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		if cam.Enabled {
			cameraDirs = append(cameraDirs, storageindex.CameraDir{Name: cam.Name, Path: cam.StoragePath})
		}
	}
	index, err := storageindex.Open(cfg.Storage.BasePath, cameraDirs)
	if err != nil {
		logger.WithError(err).Fatal("failed to open storage index")
	}

	deviceNames := make([]string, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		if cam.Enabled {
			deviceNames = append(deviceNames, cam.Name)
		}
	}
	adapter := camdevice.NewMock(deviceNames...)

	fmtr, err := clock.NewFormatter(cfg.System.Timezone)
	if err != nil {
		logger.WithError(err).Warnf("invalid timezone %q, falling back to UTC", cfg.System.Timezone)
		fmtr, _ = clock.NewFormatter("UTC")
	}

	camMgr := cameramanager.New(adapter, st, index, bus, logger, clock.Real{}, fmtr)
	if err := camMgr.Start(cfg); err != nil {
		logger.WithError(err).Fatal("failed to start camera manager")
	}

	autoCtrl := autorecord.New(camMgr, st, bus, logger, clock.Real{}, cfg.Cameras)
	autoCtrl.Start()

	busStats := func() interface{} { return busClient.Stats() }
	ctlPlane := controlplane.New(cfgManager, st, index, camMgr, autoCtrl, busStats, bus, logger)
	addr := fmt.Sprintf("%s:%d", cfg.System.APIHost, cfg.System.APIPort)
	if err := ctlPlane.Start(addr); err != nil {
		logger.WithError(err).Fatal("failed to start control plane")
	}
	logger.WithField("addr", addr).Info("control plane listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, stopping services")

	shutdown(logger, ctlPlane, autoCtrl, camMgr, busClient)
	logger.Info("coordinator stopped")
}

// shutdown stops every long-running service in reverse startup order,
// logging but not aborting on individual failures so later stages still
// get a chance to release their resources.
func shutdown(logger *logging.Logger, ctlPlane common.Stoppable, autoCtrl common.Stoppable, camMgr common.Stoppable, busClient *busclient.Client) {
	if err := common.StopWithTimeout(ctlPlane, shutdownTimeout); err != nil {
		logger.WithError(err).Error("error stopping control plane")
	}
	if err := common.StopWithTimeout(autoCtrl, shutdownTimeout); err != nil {
		logger.WithError(err).Error("error stopping auto-record controller")
	}
	if err := common.StopWithTimeout(camMgr, shutdownTimeout); err != nil {
		logger.WithError(err).Error("error stopping camera manager")
	}
	if err := busClient.Stop(); err != nil {
		logger.WithError(err).Error("error stopping bus client")
	}
}
