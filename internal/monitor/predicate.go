package monitor

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// Predicate decides whether a resource snapshot satisfies a wait condition.
type Predicate func(types.ResourceSnapshot) bool

// MinGPUs is satisfied once at least n GPUs are available.
func MinGPUs(n int) Predicate {
	return func(s types.ResourceSnapshot) bool {
		return s.GPUsAvailable() >= n
	}
}

// MaxExpressionLength bounds the size of a compiled predicate expression.
const MaxExpressionLength = 4096

var (
	programsMu sync.RWMutex
	programs   = make(map[string]*vm.Program)
)

// snapshotEnv is the environment a predicate expression is evaluated in.
func snapshotEnv(s types.ResourceSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"partition":      s.Partition,
		"total_gpus":     s.TotalGPUs,
		"gpus_in_use":    s.GPUsInUse,
		"gpus_available": s.GPUsAvailable(),
		"nodes_total":    s.NodesTotal,
		"nodes_idle":     s.NodesIdle,
		"nodes_down":     s.NodesDown,
	}
}

// CompilePredicate compiles a boolean expression over snapshot counters,
// for example "gpus_available >= 8 && nodes_down == 0". Compiled programs
// are cached by source text.
func CompilePredicate(expression string) (Predicate, error) {
	if len(expression) > MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", MaxExpressionLength)
	}

	programsMu.RLock()
	prog, ok := programs[expression]
	programsMu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.Env(snapshotEnv(types.ResourceSnapshot{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile predicate %q: %w", expression, err)
		}
		programsMu.Lock()
		programs[expression] = prog
		programsMu.Unlock()
	}

	return func(s types.ResourceSnapshot) bool {
		out, err := expr.Run(prog, snapshotEnv(s))
		if err != nil {
			return false
		}
		b, _ := out.(bool)
		return b
	}, nil
}
