package config

import (
	"fmt"
	"strings"

	"github.com/example/gonnx/internal/graph"
)

const (
	OptNone     = "none"
	OptBasic    = "basic"
	OptExtended = "extended"
	OptAll      = "all"
)

// NormalizeOptLevel maps a config string to a graph rewrite level. An empty
// string selects the full catalog.
func NormalizeOptLevel(raw string) (graph.OptLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", OptAll:
		return graph.OptAll, nil
	case OptNone, "disabled":
		return graph.OptNone, nil
	case OptBasic:
		return graph.OptBasic, nil
	case OptExtended:
		return graph.OptExtended, nil
	default:
		return graph.OptNone, fmt.Errorf(
			"invalid opt level %q (expected %s|%s|%s|%s)",
			raw, OptNone, OptBasic, OptExtended, OptAll,
		)
	}
}
