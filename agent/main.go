// The canopy agent runs on a compute node: it registers with the server,
// heartbeats, executes assigned stages and ships checkpoint blobs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/scheduler"
)

const (
	flagServer            = "server"
	flagCommand           = "command"
	flagWorkDir           = "work-dir"
	flagHeartbeatInterval = "heartbeat-interval"
	flagClass             = "class"
	flagCPUCores          = "cpu-cores"
	flagMemoryGB          = "memory-gb"
	flagGPUCount          = "gpu-count"
	flagStorageGB         = "storage-gb"
)

// Workloads exit with EX_TEMPFAIL to signal a retryable failure; any other
// non-zero exit is fatal for the stage.
const exitTempFail = 75

var log *slog.Logger

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	flags.String(flagServer, "http://localhost:25380", "canopy server base URL")
	flags.String(flagCommand, "", "command executed per stage (stage FQN in $CANOPY_STAGE)")
	flags.String(flagWorkDir, "/var/lib/canopy/agent", "per-stage working directories")
	flags.Duration(flagHeartbeatInterval, 10*time.Second, "heartbeat cadence")
	flags.String(flagClass, "compute", "node class (compute, gpu, storage)")
	flags.Float64(flagCPUCores, 8, "advertised CPU cores")
	flags.Float64(flagMemoryGB, 32, "advertised memory in GB")
	flags.Float64(flagGPUCount, 0, "advertised GPUs")
	flags.Float64(flagStorageGB, 500, "advertised scratch storage in GB")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("canopy_agent")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}

type agent struct {
	server string
	nodeID string
	client *http.Client

	mu      sync.Mutex
	running map[string]*stageRun
	errors  []cluster.StageErrorReport
}

type stageRun struct {
	fqn    string
	cancel context.CancelFunc
	// stopped is set by a Stop directive so the exit is reported as a
	// teardown, not a failure.
	stopped bool
}

func main() {
	log = slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &agent{
		server:  strings.TrimRight(viper.GetString(flagServer), "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		running: make(map[string]*stageRun),
	}

	if err := os.MkdirAll(viper.GetString(flagWorkDir), 0755); err != nil {
		log.Error("Failed to create work directory", "error", err)
		os.Exit(1)
	}

	if err := a.register(ctx); err != nil {
		log.Error("Failed to register with server", "error", err)
		os.Exit(1)
	}
	log.Info("Agent registered", "node", a.nodeID, "server", a.server)

	ticker := time.NewTicker(viper.GetDuration(flagHeartbeatInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.heartbeat(ctx); err != nil {
				log.Warn("Heartbeat failed", "error", err)
			}
		case <-ctx.Done():
			log.Info("Shutting down, draining node", "node", a.nodeID)
			a.drain()
			return
		}
	}
}

func (a *agent) register(ctx context.Context) error {
	spec := cluster.NodeSpec{
		Class: cluster.NodeClass(viper.GetString(flagClass)),
		Capacity: cluster.Capacity{
			CPUCores:  viper.GetFloat64(flagCPUCores),
			MemoryGB:  viper.GetFloat64(flagMemoryGB),
			GPUCount:  viper.GetFloat64(flagGPUCount),
			StorageGB: viper.GetFloat64(flagStorageGB),
		},
	}

	return retry.Do(
		func() error {
			var response struct {
				ID string `json:"id"`
			}
			if err := a.post(ctx, "/api/nodes", spec, &response); err != nil {
				return err
			}
			a.nodeID = response.ID
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(2*time.Second),
	)
}

func (a *agent) heartbeat(ctx context.Context) error {
	a.mu.Lock()
	report := cluster.HeartbeatReport{
		Progress: make(map[string]float64, len(a.running)),
		Errors:   a.errors,
	}
	for fqn := range a.running {
		report.Progress[fqn] = readProgress(fqn)
	}
	a.errors = nil
	a.mu.Unlock()

	var response struct {
		Directives []scheduler.Directive `json:"directives"`
		Checkpoint []string              `json:"checkpoint"`
	}
	if err := a.post(ctx, "/api/nodes/"+a.nodeID+"/heartbeat", report, &response); err != nil {
		return err
	}

	assigned := make(map[string]bool, len(response.Directives))
	for _, directive := range response.Directives {
		assigned[directive.Stage] = true

		a.mu.Lock()
		run, known := a.running[directive.Stage]
		stopping := known && directive.Stop && !run.stopped
		if stopping {
			run.stopped = true
		}
		a.mu.Unlock()

		switch {
		case !known && !directive.Stop:
			a.start(ctx, directive.Stage)
		case stopping:
			log.Info("Stopping stage", "stage", directive.Stage)
			a.commitCheckpoint(ctx, directive.Stage)
			run.cancel()
		}
	}

	// Stages no longer assigned to this node were evicted; stop them.
	a.mu.Lock()
	var orphaned []*stageRun
	for fqn, run := range a.running {
		if !assigned[fqn] && !run.stopped {
			run.stopped = true
			orphaned = append(orphaned, run)
		}
	}
	a.mu.Unlock()
	for _, run := range orphaned {
		log.Info("Stage no longer assigned, stopping", "stage", run.fqn)
		run.cancel()
	}

	for _, fqn := range response.Checkpoint {
		a.commitCheckpoint(ctx, fqn)
	}
	return nil
}

// start launches the stage workload and reports its outcome when it exits.
func (a *agent) start(ctx context.Context, fqn string) {
	command := viper.GetString(flagCommand)
	if command == "" {
		log.Error("No stage command configured, cannot run stage", "stage", fqn)
		a.report(ctx, scheduler.Report{Kind: scheduler.ReportFailed, Stage: fqn, Fatal: true, Reason: "agent has no stage command configured"})
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &stageRun{fqn: fqn, cancel: cancel}

	a.mu.Lock()
	a.running[fqn] = run
	a.mu.Unlock()

	dir := stageDir(fqn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error("Failed to create stage directory", "stage", fqn, "error", err)
	}

	log.Info("Starting stage", "stage", fqn)
	go func() {
		defer cancel()

		cmd := exec.CommandContext(runCtx, "bash", "-c", command)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "CANOPY_STAGE="+fqn, "CANOPY_STAGE_DIR="+dir)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		err := cmd.Run()

		a.mu.Lock()
		delete(a.running, fqn)
		stopped := run.stopped
		a.mu.Unlock()

		switch {
		case stopped:
			a.report(ctx, scheduler.Report{Kind: scheduler.ReportStopped, Stage: fqn})
		case err == nil:
			log.Info("Stage completed", "stage", fqn)
			a.report(ctx, scheduler.Report{Kind: scheduler.ReportCompleted, Stage: fqn})
		default:
			var exitErr *exec.ExitError
			fatal := true
			if errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail {
				fatal = false
			}
			log.Error("Stage failed", "stage", fqn, "fatal", fatal, "error", err)
			a.mu.Lock()
			a.errors = append(a.errors, cluster.StageErrorReport{StageID: fqn, Message: err.Error(), Fatal: fatal})
			a.mu.Unlock()
			a.report(ctx, scheduler.Report{Kind: scheduler.ReportFailed, Stage: fqn, Fatal: fatal, Reason: err.Error()})
		}
	}()
}

// commitCheckpoint ships the stage's state file, if the workload wrote one.
func (a *agent) commitCheckpoint(ctx context.Context, fqn string) {
	data, err := os.ReadFile(filepath.Join(stageDir(fqn), "state.bin"))
	if err != nil {
		log.Warn("No checkpoint state to ship", "stage", fqn, "error", err)
		return
	}

	url := a.server + "/api/stages/" + fqn + "/checkpoints"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		log.Error("Checkpoint request failed", "stage", fqn, "error", err)
		return
	}
	request.Header.Set("Content-Type", "application/octet-stream")

	response, err := a.client.Do(request)
	if err != nil {
		log.Error("Checkpoint upload failed", "stage", fqn, "error", err)
		return
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		log.Error("Checkpoint rejected", "stage", fqn, "status", response.StatusCode)
		return
	}
	log.Info("Checkpoint shipped", "stage", fqn, "bytes", len(data))
}

// report submits a stage report, retrying while the server's report queue
// pushes back.
func (a *agent) report(ctx context.Context, report scheduler.Report) {
	err := retry.Do(
		func() error {
			return a.post(ctx, "/api/nodes/"+a.nodeID+"/reports", report, nil)
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(5*time.Second),
	)
	if err != nil {
		log.Error("Failed to deliver report", "stage", report.Stage, "error", err)
	}
}

func (a *agent) drain() {
	request, err := http.NewRequest(http.MethodDelete, a.server+"/api/nodes/"+a.nodeID, nil)
	if err != nil {
		return
	}
	if response, err := a.client.Do(request); err == nil {
		response.Body.Close()
	}
}

func (a *agent) post(ctx context.Context, path string, body any, into any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.server+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := a.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s", http.MethodPost, path, response.Status, payload)
	}
	if into != nil {
		return json.NewDecoder(response.Body).Decode(into)
	}
	return nil
}

func stageDir(fqn string) string {
	return filepath.Join(viper.GetString(flagWorkDir), fqn)
}

// readProgress reads the 0..1 progress fraction the workload writes to its
// progress file. Missing or malformed files report zero, which the server
// treats as unknown.
func readProgress(fqn string) float64 {
	data, err := os.ReadFile(filepath.Join(stageDir(fqn), "progress"))
	if err != nil {
		return 0
	}
	var fraction float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%f", &fraction); err != nil {
		return 0
	}
	return lo.Clamp(fraction, 0, 1)
}
