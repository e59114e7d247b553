package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftlockhq/driftlock/internal/config"
	"github.com/driftlockhq/driftlock/internal/core/application"
	inmemory "github.com/driftlockhq/driftlock/internal/infrastructure/chain/inmemory"
	"github.com/driftlockhq/driftlock/internal/infrastructure/db"
	scheduler "github.com/driftlockhq/driftlock/internal/infrastructure/scheduler/gocron"
	localsecrets "github.com/driftlockhq/driftlock/internal/infrastructure/secrets/local"
	httpinterface "github.com/driftlockhq/driftlock/internal/interface/http"
	"github.com/driftlockhq/driftlock/internal/interface/ws"
	"github.com/driftlockhq/driftlock/pkg/auction"
	log "github.com/sirupsen/logrus"
)

// nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	log.Info("starting driftlock...")

	datadir := cfg.Datadir
	if cfg.NoDb {
		datadir = ""
	}
	dbSvc, err := db.NewService(db.ServiceConfig{
		DbType:   cfg.DbType,
		DbConfig: []any{datadir, log.New()},
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open db")
	}

	buildInfo := application.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	schedulerSvc := scheduler.NewScheduler()
	schedulerSvc.Start()

	// Local mode: both chain legs are simulated in process and the maker's
	// secrets live next to the coordinator.
	srcChain := inmemory.NewService()
	dstChain := inmemory.NewService()
	secretsSvc := localsecrets.NewService()

	coordinator := application.NewCoordinator(
		srcChain, dstChain, secretsSvc, schedulerSvc, dbSvc,
		application.WithSecretTimeout(cfg.SecretTimeout),
	)

	engine := auction.NewEngine()
	engine.Start()

	appSvc := application.NewService(buildInfo, dbSvc, engine, coordinator, secretsSvc)
	appSvc.Start()

	events, unsub := engine.Subscribe()
	hub := ws.NewHub(appSvc, events)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go func() {
		// nolint:all
		hub.Run(hubCtx)
	}()

	httpSvc := httpinterface.NewService(
		fmt.Sprintf(":%d", cfg.HTTPPort), appSvc, hub,
	)
	httpSvc.Start()

	log.RegisterExitHandler(func() {
		httpSvc.Stop()
		hubCancel()
		unsub()
		appSvc.Stop()
		engine.Stop()
		schedulerSvc.Stop()
		dbSvc.Close()
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
}
