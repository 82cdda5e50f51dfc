package pipeline

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// Stage identifies one phase of a task pipeline.
type Stage string

const (
	StageDetected     Stage = "detected"
	StageAnalyzing    Stage = "analyzing"
	StageAnalyzed     Stage = "analyzed"
	StageImplementing Stage = "implementing"
	StageImplemented  Stage = "implemented"
	StageReviewing    Stage = "reviewing"
	StageReviewed     Stage = "reviewed"
	StageFixing       Stage = "fixing"
	StageFixed        Stage = "fixed"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// ExpectedStageCount is the fixed denominator used for Summary progress.
const ExpectedStageCount = 10

var stageNames = map[Stage]string{
	StageDetected:     "detection",
	StageAnalyzing:    "analysis",
	StageImplementing: "implementation",
	StageReviewing:    "review",
	StageFixing:       "fixes",
	StageCompleted:    "completion",
}

// settled maps each active stage to the stage name reported once its entry completes.
var settled = map[Stage]Stage{
	StageAnalyzing:    StageAnalyzed,
	StageImplementing: StageImplemented,
	StageReviewing:    StageReviewed,
	StageFixing:       StageFixed,
}

// forward is the happy-path edge list. The visiting order is derived from it.
var forward = [][2]Stage{
	{StageDetected, StageAnalyzing},
	{StageAnalyzing, StageImplementing},
	{StageImplementing, StageReviewing},
	{StageReviewing, StageFixing},
	{StageFixing, StageCompleted},
}

// transitions declares which stages may be entered while the pipeline sits in a given stage.
// It adds to forward the degraded paths and the review/fix round-trip.
var transitions = map[Stage][]Stage{
	StageDetected:     {StageAnalyzing, StageImplementing},
	StageAnalyzing:    {StageImplementing},
	StageImplementing: {StageReviewing, StageFixing},
	StageReviewing:    {StageFixing},
	StageFixing:       {StageReviewing},
}

// followUps are the stages that may still run after a pipeline reached a terminal status.
// Their entries stay mutable on completed and failed records so the review watcher and
// operator re-runs can keep cycling a merged-or-abandoned PR; every other part of a
// terminal record is frozen.
var followUps = map[Stage]bool{
	StageReviewing: true,
	StageFixing:    true,
}

// Order is the fixed visiting order of the pipeline, derived from the forward edges.
var Order = mustOrder()

func mustOrder() []Stage {
	order, err := stageOrder(forward)
	if err != nil {
		panic(err)
	}
	return order
}

func stageOrder(edges [][2]Stage) ([]Stage, error) {
	var tedges []toposort.Edge
	for _, e := range edges {
		tedges = append(tedges, toposort.Edge{e[0], e[1]})
	}
	sorted, err := toposort.Toposort(tedges)
	if err != nil {
		return nil, fmt.Errorf("stage graph: %w", err)
	}
	order := make([]Stage, 0, len(sorted))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(Stage))
		}
	}
	return order, nil
}

// Name returns the human-readable stage entry name.
func (s Stage) Name() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return string(s)
}

// Settled returns the stage reported once s has completed.
func (s Stage) Settled() Stage {
	if t, ok := settled[s]; ok {
		return t
	}
	return s
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageDetected, StageAnalyzing, StageAnalyzed, StageImplementing, StageImplemented,
		StageReviewing, StageReviewed, StageFixing, StageFixed, StageCompleted, StageFailed:
		return true
	}
	return false
}

// CanEnter reports whether next may be entered while the pipeline is at current.
// Re-entering the current stage is always allowed.
func CanEnter(current, next Stage) bool {
	if current == next {
		return true
	}
	for _, s := range transitions[current] {
		if s == next {
			return true
		}
	}
	return false
}
