package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
	Listen    = "listen"

	// Storage
	DatabaseURL   = "database-url"
	CheckpointDir = "checkpoint-dir"

	// Scheduling
	TickInterval        = "tick-interval"
	AgingThreshold      = "aging-threshold"
	AgingRate           = "aging-rate"
	ProtectionThreshold = "protection-threshold"
	ReservationWindow   = "reservation-window"
	StarvationRetries   = "starvation-retries"

	// Failure detection
	SweepInterval    = "sweep-interval"
	DegradedAfter    = "degraded-after"
	UnreachableAfter = "unreachable-after"
	FailedAfter      = "failed-after"
	RecoverySLO      = "recovery-slo"

	// Forecasting and scenario rebalancing
	ForecastInterval  = "forecast-interval"
	ForecastHorizon   = "forecast-horizon"
	RebalanceInterval = "rebalance-interval"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Canopy
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, ":25380", "listening address")

	// Storage
	flags.String(DatabaseURL, "", "postgres DSN for durable state (empty: in-memory)")
	flags.String(CheckpointDir, "/var/lib/canopy/checkpoints", "directory for checkpoint blobs")

	// Scheduling
	flags.Duration(TickInterval, 5*time.Second, "cadence of the scheduling pass")
	flags.Duration(AgingThreshold, 10*time.Minute, "queue wait before the aging bonus starts accruing")
	flags.Float64(AgingRate, 0.1, "aging bonus in priority points per minute waited")
	flags.Duration(ProtectionThreshold, 24*time.Hour, "estimated runtime above which running stages are preemption-protected")
	flags.Duration(ReservationWindow, time.Hour, "window for provisionally reserving nodes for long stages")
	flags.Int(StarvationRetries, 10, "placement attempts before a resource starvation diagnostic")

	// Failure detection
	flags.Duration(SweepInterval, 5*time.Second, "cadence of the heartbeat staleness sweep")
	flags.Duration(DegradedAfter, 30*time.Second, "heartbeat silence before a node is degraded")
	flags.Duration(UnreachableAfter, 2*time.Minute, "heartbeat silence before a node is unreachable")
	flags.Duration(FailedAfter, 5*time.Minute, "heartbeat silence before a node is failed")
	flags.Duration(RecoverySLO, time.Minute, "target time from failure detection to recovery resubmission")

	// Forecasting and scenario rebalancing
	flags.Duration(ForecastInterval, time.Minute, "cadence of resource demand forecasting")
	flags.Duration(ForecastHorizon, 24*time.Hour, "how far ahead to project resource demand")
	flags.Duration(RebalanceInterval, 15*time.Minute, "cadence of scenario priority rebalancing")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("canopy")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
