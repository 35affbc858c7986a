package simfile

import (
	"fmt"
	"regexp"
	"time"

	"github.com/canopysim/canopy/checkpoint"
	"github.com/canopysim/canopy/cluster"
)

const SimfileVersion = "1"

// Simfile is the on-disk YAML description of a simulation: a stage DAG with
// resource requests and checkpoint policies.
type Simfile struct {
	Version  string
	Name     string
	Scenario string
	Priority float64
	Stages   []SimfileStage
}

type SimfileStage struct {
	Name             string
	DependsOn        []string `yaml:"depends_on"`
	Request          cluster.Capacity
	EstimatedRuntime string `yaml:"estimated_runtime"`
	Priority         float64
	Resumable        bool
	Checkpoint       SimfileCheckpoint
}

type SimfileCheckpoint struct {
	Kind        string
	Interval    string
	Fraction    float64
	MinInterval string `yaml:"min_interval"`
}

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]+$`)

func (s Simfile) Validate() error {
	if s.Version != SimfileVersion {
		return fmt.Errorf("unsupported version '%s'", s.Version)
	}

	if !nameRegex.MatchString(s.Name) {
		return fmt.Errorf("name must be a valid identifier")
	}
	if s.Scenario != "" && !nameRegex.MatchString(s.Scenario) {
		return fmt.Errorf("scenario must be a valid identifier")
	}
	if len(s.Stages) < 1 {
		return fmt.Errorf("at least one stage is required")
	}

	for _, stage := range s.Stages {
		if !nameRegex.MatchString(stage.Name) {
			return fmt.Errorf("stages[%s].name must be a valid identifier", stage.Name)
		}
		if err := stage.Request.Validate(); err != nil {
			return fmt.Errorf("stages[%s].request: %w", stage.Name, err)
		}
		if stage.EstimatedRuntime != "" {
			if _, err := time.ParseDuration(stage.EstimatedRuntime); err != nil {
				return fmt.Errorf("stages[%s].estimated_runtime is not a valid duration: %w", stage.Name, err)
			}
		}
		if stage.Checkpoint.Interval != "" {
			if _, err := time.ParseDuration(stage.Checkpoint.Interval); err != nil {
				return fmt.Errorf("stages[%s].checkpoint.interval is not a valid duration: %w", stage.Name, err)
			}
		}
		if stage.Checkpoint.MinInterval != "" {
			if _, err := time.ParseDuration(stage.Checkpoint.MinInterval); err != nil {
				return fmt.Errorf("stages[%s].checkpoint.min_interval is not a valid duration: %w", stage.Name, err)
			}
		}
		if err := stage.checkpointPolicy().Validate(); err != nil {
			return fmt.Errorf("stages[%s].checkpoint: %w", stage.Name, err)
		}
	}

	return nil
}

func (s SimfileStage) checkpointPolicy() checkpoint.Policy {
	policy := checkpoint.Policy{
		Kind:     checkpoint.PolicyKind(s.Checkpoint.Kind),
		Fraction: s.Checkpoint.Fraction,
	}
	if s.Checkpoint.Interval != "" {
		policy.Interval, _ = time.ParseDuration(s.Checkpoint.Interval)
	}
	if s.Checkpoint.MinInterval != "" {
		policy.MinInterval, _ = time.ParseDuration(s.Checkpoint.MinInterval)
	}
	return policy
}
