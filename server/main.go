package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/canopysim/canopy/checkpoint"
	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/forecast"
	"github.com/canopysim/canopy/resilience"
	"github.com/canopysim/canopy/scenario"
	"github.com/canopysim/canopy/scheduler"
	"github.com/canopysim/canopy/server/flags"
	"github.com/canopysim/canopy/server/log"
	"github.com/canopysim/canopy/store"
	"github.com/canopysim/canopy/workflow"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading. When cancel() is called (from the
// signal handler), all goroutines watching ctx.Done() begin their shutdown
// sequence.
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the scheduler and HTTP server goroutines. main() blocks on
// wg.Wait() and only exits when both are done.
var wg sync.WaitGroup

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Canopy server starting up...", "version", version, "commit", commit)
	serverStatus.Server.Version = version
	serverStatus.Server.StartedAt = time.Now()

	// Durable state: postgres when configured, in-memory otherwise
	var db store.Store
	var err error
	if dsn := viper.GetString(flags.DatabaseURL); dsn != "" {
		if db, err = store.NewPostgres(dsn); err != nil {
			log.Error("Failed to connect to postgres", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("No database configured, state will not survive restarts")
		db = store.NewMemory()
	}
	defer db.Close()

	// Checkpoint blob storage
	blobs, err := checkpoint.NewFSStore(viper.GetString(flags.CheckpointDir))
	if err != nil {
		log.Error("Failed to create checkpoint directory", "error", err)
		os.Exit(1)
	}

	// The checkpoint log survives restarts alongside the blobs: without it,
	// restored blobs could not be located after a server crash.
	var checkpointLog map[string][]checkpoint.Checkpoint
	if ok, err := db.LoadState(ctx, "checkpoints", &checkpointLog); err != nil {
		log.Error("Failed to load checkpoint log", "error", err)
		os.Exit(1)
	} else if ok {
		log.Info("Checkpoint log restored", "stages", len(checkpointLog))
	}

	// Setup network listener
	lis, err := net.Listen("tcp", viper.GetString(flags.Listen))
	if err != nil {
		log.Error("Failed to listen", "error", err)
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	setupInterrupts()

	// Core subsystems
	registry := cluster.NewRegistry(log.Base)
	graph := workflow.NewGraph(log.Base)
	checkpoints := checkpoint.NewManager(blobs, log.Base)
	if checkpointLog != nil {
		checkpoints.Import(checkpointLog)
	}
	forecaster := forecast.New(log.Base)

	schedulerConfig := scheduler.DefaultConfig(log.Base)
	schedulerConfig.TickInterval = viper.GetDuration(flags.TickInterval)
	schedulerConfig.AgingThreshold = viper.GetDuration(flags.AgingThreshold)
	schedulerConfig.AgingRate = viper.GetFloat64(flags.AgingRate)
	schedulerConfig.ProtectionThreshold = viper.GetDuration(flags.ProtectionThreshold)
	schedulerConfig.ReservationWindow = viper.GetDuration(flags.ReservationWindow)
	schedulerConfig.StarvationRetries = viper.GetInt(flags.StarvationRetries)
	schedulerConfig.Recorder = forecaster
	sched := scheduler.New(graph, registry, db, schedulerConfig)

	// Rebuild scheduling state from the store before the loop starts
	if err := sched.Recover(ctx); err != nil {
		log.Error("Failed to recover scheduling state", "error", err)
		os.Exit(1)
	}

	detectorConfig := resilience.DefaultDetectorConfig(log.Base)
	detectorConfig.SweepInterval = viper.GetDuration(flags.SweepInterval)
	detectorConfig.DegradedAfter = viper.GetDuration(flags.DegradedAfter)
	detectorConfig.UnreachableAfter = viper.GetDuration(flags.UnreachableAfter)
	detectorConfig.FailedAfter = viper.GetDuration(flags.FailedAfter)
	detector := resilience.NewDetector(registry, detectorConfig)

	coordinatorConfig := resilience.DefaultCoordinatorConfig(log.Base)
	coordinatorConfig.RecoverySLO = viper.GetDuration(flags.RecoverySLO)
	coordinator := resilience.NewCoordinator(sched, checkpoints, graph, db, coordinatorConfig)

	scenarios := scenario.NewManager(scenario.DefaultStrategy(), sched, log.Base)

	prometheus.MustRegister(cluster.NewCollector(registry), coordinator, sched)

	// Scheduler goroutine: Run() blocks in its event loop until Shutdown()
	// is called. A companion goroutine waits for ctx cancellation, then
	// orchestrates the graceful stop.
	wg.Add(1)
	go sched.Run()
	go func() {
		<-ctx.Done()
		sched.Shutdown()
		sched.Wait()
		wg.Done()
	}()

	// listenEvents reconstructs serverStatus from the scheduler event stream
	// and forwards events to connected watchers.
	channel, unsubscribe := sched.Subscribe()
	defer unsubscribe()
	go listenEvents(channel)

	// Background loops: failure detection, recovery, forecasting, rebalancing
	go detector.Run(ctx)
	go coordinator.Run(ctx, detector.Events())
	go forecaster.Run(ctx, viper.GetDuration(flags.ForecastInterval), viper.GetDuration(flags.ForecastHorizon))
	go scenarios.Run(ctx, viper.GetDuration(flags.RebalanceInterval))

	// HTTP server goroutine. A nested goroutine watches for shutdown and
	// calls Shutdown(), which stops accepting new connections and waits for
	// in-flight requests to complete.
	api := &server{
		scheduler:   sched,
		registry:    registry,
		graph:       graph,
		checkpoints: checkpoints,
		detector:    detector,
		forecaster:  forecaster,
		scenarios:   scenarios,
		db:          db,
	}
	httpServer := &http.Server{Handler: api.routes()}

	wg.Add(1)
	go func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
			defer done()
			_ = httpServer.Shutdown(shutdownCtx)
		}()

		log.Info("Server listening", "address", lis.Addr())
		if err := httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to serve", "error", err)
			os.Exit(1)
		}
		wg.Done()
	}()

	// Block until both the scheduler and the HTTP server have finished.
	wg.Wait()

	saveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := db.SaveState(saveCtx, "checkpoints", checkpoints.Export()); err != nil {
		log.Error("Failed to save checkpoint log", "error", err)
	}

	log.Info("Shutdown completed. Bye!")
}

// setupInterrupts handles SIGINT with a double-tap pattern: the first signal
// starts a graceful shutdown, a second one forces immediate exit.
func setupInterrupts() {
	sig := make(chan os.Signal, 1) // buffered: won't miss a signal while processing
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
