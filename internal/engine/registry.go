package engine

import (
	"fmt"
	"slices"

	"github.com/petrijr/stagewise/pkg/api"
)

// executorRegistry holds exactly one executor per pipeline stage.
type executorRegistry struct {
	byStage map[api.Stage]api.StageExecutor
}

func newExecutorRegistry(execs ...api.StageExecutor) (*executorRegistry, error) {
	r := &executorRegistry{
		byStage: make(map[api.Stage]api.StageExecutor, len(api.Stages)),
	}
	for _, ex := range execs {
		if ex == nil {
			continue
		}
		stage := ex.Stage()
		if !slices.Contains(api.Stages, stage) {
			return nil, fmt.Errorf("%w: %q", api.ErrUnknownStage, stage)
		}
		if _, exists := r.byStage[stage]; exists {
			return nil, fmt.Errorf("executor for stage %q already registered", stage)
		}
		r.byStage[stage] = ex
	}
	for _, stage := range api.Stages {
		if _, ok := r.byStage[stage]; !ok {
			return nil, fmt.Errorf("no executor registered for stage %q", stage)
		}
	}
	return r, nil
}

func (r *executorRegistry) Get(stage api.Stage) (api.StageExecutor, error) {
	ex, ok := r.byStage[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownStage, stage)
	}
	return ex, nil
}
