package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

type ResourceType string

const (
	ResourceCPU     ResourceType = "cpu_cores"
	ResourceMemory  ResourceType = "memory_gb"
	ResourceGPU     ResourceType = "gpu_count"
	ResourceStorage ResourceType = "storage_gb"
	ResourceNetwork ResourceType = "network_gbps"
)

// UsageSample is one observation of allocated demand for a resource,
// emitted by the scheduler on every assignment and release.
type UsageSample struct {
	Resource ResourceType `json:"resource"`
	Used     float64      `json:"used"`
	Capacity float64      `json:"capacity"`
	At       time.Time    `json:"at"`
}

// ResourceForecast is a point + interval projection of future demand.
type ResourceForecast struct {
	Resource    ResourceType  `json:"resource"`
	Horizon     time.Duration `json:"horizon"`
	Projected   float64       `json:"projected_demand"`
	Low         float64       `json:"low"`
	High        float64       `json:"high"`
	Confidence  float64       `json:"confidence"`
	GeneratedAt time.Time     `json:"generated_at"`
}

type point struct {
	at   time.Time
	used float64
}

// Forecaster aggregates historical utilization into rolling per-resource
// windows and projects future demand by linear trend extrapolation. It is
// strictly an observer: it consumes samples and never mutates scheduling
// state.
type Forecaster struct {
	mu      sync.RWMutex
	window  int
	history map[ResourceType][]point
	latest  map[ResourceType]ResourceForecast
	log     *slog.Logger
}

// DefaultWindow bounds the per-resource sample history.
const DefaultWindow = 10_000

func New(log *slog.Logger) *Forecaster {
	return &Forecaster{
		window:  DefaultWindow,
		history: make(map[ResourceType][]point),
		latest:  make(map[ResourceType]ResourceForecast),
		log:     log.With("component", "forecast"),
	}
}

// Record appends a utilization sample to the rolling window.
func (f *Forecaster) Record(sample UsageSample) {
	if sample.At.IsZero() {
		sample.At = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	points := append(f.history[sample.Resource], point{at: sample.At, used: sample.Used})
	if len(points) > f.window {
		points = points[len(points)-f.window:]
	}
	f.history[sample.Resource] = points
}

// Forecast projects demand for a resource at the given horizon using a
// least-squares fit over the recorded window. The interval widens with the
// residual spread and with how far the horizon extrapolates beyond the
// observed span.
func (f *Forecaster) Forecast(resource ResourceType, horizon time.Duration) (ResourceForecast, error) {
	f.mu.RLock()
	points := f.history[resource]
	f.mu.RUnlock()

	if len(points) < 2 {
		return ResourceForecast{}, fmt.Errorf("not enough samples for %s (have %d)", resource, len(points))
	}

	origin := points[0].at
	n := float64(len(points))
	var sumX, sumY, sumXX, sumXY float64
	for _, p := range points {
		x := p.at.Sub(origin).Seconds()
		sumX += x
		sumY += p.used
		sumXX += x * x
		sumXY += x * p.used
	}

	denom := n*sumXX - sumX*sumX
	var slope, intercept float64
	if denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
		intercept = (sumY - slope*sumX) / n
	} else {
		intercept = sumY / n
	}

	var residuals float64
	for _, p := range points {
		x := p.at.Sub(origin).Seconds()
		d := p.used - (intercept + slope*x)
		residuals += d * d
	}
	stddev := math.Sqrt(residuals / n)

	target := points[len(points)-1].at.Add(horizon).Sub(origin).Seconds()
	projected := intercept + slope*target
	if projected < 0 {
		projected = 0
	}

	span := points[len(points)-1].at.Sub(origin).Seconds()
	stretch := 1.0
	if span > 0 {
		stretch = math.Sqrt(1 + horizon.Seconds()/span)
	}
	margin := 1.96 * stddev * stretch

	fc := ResourceForecast{
		Resource:    resource,
		Horizon:     horizon,
		Projected:   projected,
		Low:         math.Max(0, projected-margin),
		High:        projected + margin,
		Confidence:  0.95,
		GeneratedAt: time.Now(),
	}

	f.mu.Lock()
	f.latest[resource] = fc
	f.mu.Unlock()
	return fc, nil
}

// Latest returns the most recently computed forecasts, for the query API.
func (f *Forecaster) Latest() map[ResourceType]ResourceForecast {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[ResourceType]ResourceForecast, len(f.latest))
	for k, v := range f.latest {
		out[k] = v
	}
	return out
}

// Run recomputes forecasts for all observed resources on its own cadence,
// off the scheduling loop, until the context is cancelled.
func (f *Forecaster) Run(ctx context.Context, interval time.Duration, horizon time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.RLock()
			resources := make([]ResourceType, 0, len(f.history))
			for r := range f.history {
				resources = append(resources, r)
			}
			f.mu.RUnlock()

			for _, resource := range resources {
				if _, err := f.Forecast(resource, horizon); err != nil {
					f.log.Debug("Skipping forecast", "resource", resource, "error", err)
				}
			}
		}
	}
}
