package engine

import (
	"sort"

	"github.com/runprism/alto/internal/model"
)

// ExpandMatrix materializes the cartesian product of the spec's matrix
// dimensions as queued jobs. Dimension names are iterated in sorted order so
// expansion is deterministic; an empty matrix yields exactly one job with an
// empty tuple. Each job's command is derived here, once, and never
// recomputed.
func ExpandMatrix(spec *model.AgentSpec) []*model.MatrixJob {
	dims := make([]string, 0, len(spec.Matrix.Dims))
	for name := range spec.Matrix.Dims {
		dims = append(dims, name)
	}
	sort.Strings(dims)

	tuples := [][]model.DimValue{nil}
	for _, dim := range dims {
		values := spec.Matrix.Dims[dim]
		next := make([][]model.DimValue, 0, len(tuples)*len(values))
		for _, tuple := range tuples {
			for _, value := range values {
				extended := make([]model.DimValue, len(tuple), len(tuple)+1)
				copy(extended, tuple)
				extended = append(extended, model.DimValue{Dim: dim, Value: value})
				next = append(next, extended)
			}
		}
		tuples = next
	}

	jobs := make([]*model.MatrixJob, len(tuples))
	for i, tuple := range tuples {
		jobs[i] = &model.MatrixJob{
			ID:      model.NewID(),
			Tuple:   tuple,
			Command: model.JobCommand(spec, tuple),
			Status:  model.JobQueued,
		}
	}
	return jobs
}
