// Package diagram renders a plan's waves as Mermaid or ASCII, optionally
// overlaid with the persisted state of each step.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep    NodeKind = "step"
	NodeKindGuarded NodeKind = "guarded" // step with a condition
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Levels lists node ids per row: start, one row per wave, end.
	Levels [][]string
}

// Node is one step, or a virtual start/end marker.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a step.
type StatusOverlay struct {
	State      string // schema.StepState
	Attempts   int
	DurationMs int64
	Mock       bool
}

// Edge is a dependency: From must finish before To starts.
type Edge struct {
	From string
	To   string
}

const (
	startID = "__start__"
	endID   = "__end__"
)
