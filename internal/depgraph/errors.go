package depgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/hive/internal/swarm"
)

// ErrCycleFound is returned by ordering queries when the graph is not a DAG.
var ErrCycleFound = errors.New("cycle detected")

// MissingDependencyError rejects a task whose dependencies were not added first.
type MissingDependencyError struct {
	TaskID  string
	Missing []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task(s): %s", e.TaskID, strings.Join(e.Missing, ", "))
}

func (e *MissingDependencyError) Unwrap() error { return swarm.ErrInvalidInput }

func cycleError(path []string) error {
	return fmt.Errorf("%w: %s", ErrCycleFound, strings.Join(path, " -> "))
}
