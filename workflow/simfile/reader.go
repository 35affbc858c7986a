package simfile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/canopysim/canopy/workflow"
)

type UnmarshalError struct {
	error
	Source string
}

// Read loads and validates a simfile and converts it into a submittable
// simulation spec.
func Read(file string) (*workflow.SimulationSpec, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(buf)
}

// Parse validates a simfile document from memory. The job submission API
// feeds request bodies through here.
func Parse(source []byte) (*workflow.SimulationSpec, error) {
	var simfile Simfile
	if err := yaml.Unmarshal(source, &simfile); err != nil {
		return nil, UnmarshalError{fmt.Errorf("unmarshal: %w", err), string(source)}
	}
	if err := simfile.Validate(); err != nil {
		return nil, UnmarshalError{fmt.Errorf("validate: %w", err), string(source)}
	}

	spec := &workflow.SimulationSpec{
		Name:     simfile.Name,
		Scenario: simfile.Scenario,
		Priority: simfile.Priority,
	}

	for _, stage := range simfile.Stages {
		stageSpec := workflow.StageSpec{
			Name:       stage.Name,
			DependsOn:  stage.DependsOn,
			Request:    stage.Request,
			Priority:   stage.Priority,
			Resumable:  stage.Resumable,
			Checkpoint: stage.checkpointPolicy(),
		}
		if stage.EstimatedRuntime != "" {
			stageSpec.EstimatedRuntime, _ = time.ParseDuration(stage.EstimatedRuntime)
		}
		spec.Stages = append(spec.Stages, stageSpec)
	}

	return spec, nil
}
