package simfile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopysim/canopy/checkpoint"
)

const validSimfile = `
version: "1"
name: ocean-coupling
scenario: ocean
priority: 5
stages:
  - name: spinup
    request: {cpu_cores: 128, memory_gb: 512}
    estimated_runtime: 336h
    resumable: true
    checkpoint: {kind: fixed, interval: 6h}
  - name: coupled-run
    depends_on: [spinup]
    request: {cpu_cores: 256, memory_gb: 1024, storage_gb: 2000}
    estimated_runtime: 1440h
    priority: 2
    resumable: true
    checkpoint: {kind: adaptive, interval: 4h, min_interval: 30m}
  - name: postprocess
    depends_on: [coupled-run]
    request: {cpu_cores: 16, memory_gb: 64}
    checkpoint: {kind: none}
`

func TestParseValid(t *testing.T) {
	spec, err := Parse([]byte(validSimfile))
	require.NoError(t, err)

	assert.Equal(t, "ocean-coupling", spec.Name)
	assert.Equal(t, "ocean", spec.Scenario)
	assert.Equal(t, 5.0, spec.Priority)
	require.Len(t, spec.Stages, 3)

	coupled := spec.Stages[1]
	assert.Equal(t, []string{"spinup"}, coupled.DependsOn)
	assert.Equal(t, 256.0, coupled.Request.CPUCores)
	assert.Equal(t, 1440*time.Hour, coupled.EstimatedRuntime)
	assert.Equal(t, checkpoint.PolicyAdaptive, coupled.Checkpoint.Kind)
	assert.Equal(t, 30*time.Minute, coupled.Checkpoint.MinInterval)

	assert.False(t, spec.Stages[2].Checkpoint.Enabled())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad version": `
version: "2"
name: sim
stages: [{name: a, request: {cpu_cores: 1}}]`,
		"bad name": `
version: "1"
name: "Bad Name!"
stages: [{name: a, request: {cpu_cores: 1}}]`,
		"no stages": `
version: "1"
name: sim`,
		"bad duration": `
version: "1"
name: sim
stages: [{name: a, request: {cpu_cores: 1}, estimated_runtime: "two weeks"}]`,
		"bad checkpoint": `
version: "1"
name: sim
stages: [{name: a, request: {cpu_cores: 1}, checkpoint: {kind: fixed}}]`,
		"bad request": `
version: "1"
name: sim
stages: [{name: a, request: {cpu_cores: -4}}]`,
	}

	for name, source := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(source))
			var unmarshalErr UnmarshalError
			assert.ErrorAs(t, err, &unmarshalErr)
		})
	}
}
