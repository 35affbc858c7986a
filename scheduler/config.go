package scheduler

import (
	"log/slog"
	"time"

	"github.com/canopysim/canopy/forecast"
)

// UsageRecorder receives utilization samples on every allocation change.
// Satisfied by *forecast.Forecaster; strictly a read-path consumer.
type UsageRecorder interface {
	Record(sample forecast.UsageSample)
}

type Config struct {
	Logger *slog.Logger `json:"-"`

	// TickInterval is the cadence of the periodic scheduling pass. Ticks are
	// also requested eagerly whenever state changes.
	TickInterval time.Duration `json:"tick-interval"`

	// AgingThreshold is how long a stage may wait before it starts accruing
	// a priority bonus; AgingRate is the bonus in priority points per minute
	// waited beyond the threshold. Aging prevents permanent starvation.
	AgingThreshold time.Duration `json:"aging-threshold"`
	AgingRate      float64       `json:"aging-rate"`

	// ProtectionThreshold marks stages with a longer estimated runtime as
	// preemption-protected once running.
	ProtectionThreshold time.Duration `json:"protection-threshold"`

	// ReservationWindow: a node may be provisionally reserved for a queued
	// stage when the predicted finish of its current occupant falls within
	// this window.
	ReservationWindow time.Duration `json:"reservation-window"`

	// StarvationRetries is the number of failed placement attempts before a
	// ResourceStarvation diagnostic is reported for a queued stage.
	StarvationRetries int `json:"starvation-retries"`

	// ReportBuffer bounds the worker report queue. Producers never block on
	// scheduling decisions: a full queue rejects the report and the worker
	// retries on its next heartbeat.
	ReportBuffer int `json:"report-buffer"`

	Recorder UsageRecorder `json:"-"`
}

func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		Logger:              logger,
		TickInterval:        5 * time.Second,
		AgingThreshold:      10 * time.Minute,
		AgingRate:           0.1,
		ProtectionThreshold: 24 * time.Hour,
		ReservationWindow:   time.Hour,
		StarvationRetries:   10,
		ReportBuffer:        1024,
	}
}
