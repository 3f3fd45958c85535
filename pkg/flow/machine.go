package flow

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/pipeline"

	"github.com/looplab/fsm"
)

// Run states.
const (
	RunNotStarted  = "not_started"
	RunSeeding     = "seeding"
	RunRunning     = "running"
	RunJoined      = "joined"
	RunAggregating = "aggregating"
	RunDone        = "done"
	RunFailed      = "failed"
)

// Branch states, one branch per source.
const (
	BranchPending      = "pending"
	BranchExtracting   = "extracting"
	BranchTransforming = "transforming"
	BranchLoading      = "loading"
	BranchDone         = "done"
	BranchFailed       = "failed"
)

type machine struct {
	fsm *fsm.FSM
}

// event fires name. Firing an event that keeps the current state is not
// an error.
func (m *machine) event(ctx context.Context, name string) error {
	err := m.fsm.Event(ctx, name)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

func (m *machine) state() string {
	return m.fsm.Current()
}

func newRunMachine(dataset string) *machine {
	return &machine{fsm: fsm.NewFSM(
		RunNotStarted,
		fsm.Events{
			{Name: "seed", Src: []string{RunNotStarted}, Dst: RunSeeding},
			{Name: "start", Src: []string{RunNotStarted, RunSeeding}, Dst: RunRunning},
			{Name: "join", Src: []string{RunRunning}, Dst: RunJoined},
			{Name: "aggregate", Src: []string{RunJoined}, Dst: RunAggregating},
			{Name: "finish", Src: []string{RunJoined, RunAggregating}, Dst: RunDone},
			{Name: "fail", Src: []string{RunSeeding, RunRunning, RunJoined, RunAggregating}, Dst: RunFailed},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				logger.Debug("[Flow] Run state changed", "dataset", dataset, "from", e.Src, "to", e.Dst)
			},
		},
	)}
}

func newBranchMachine(source string) *machine {
	active := []string{BranchExtracting, BranchTransforming, BranchLoading}
	return &machine{fsm: fsm.NewFSM(
		BranchPending,
		fsm.Events{
			{Name: "extract", Src: []string{BranchPending, BranchExtracting, BranchTransforming, BranchLoading}, Dst: BranchExtracting},
			{Name: "transform", Src: []string{BranchExtracting}, Dst: BranchTransforming},
			{Name: "load", Src: []string{BranchTransforming}, Dst: BranchLoading},
			{Name: "finish", Src: active, Dst: BranchDone},
			{Name: "fail", Src: append([]string{BranchPending}, active...), Dst: BranchFailed},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				logger.Debug("[Flow] Source state changed", "source", source, "from", e.Src, "to", e.Dst)
			},
		},
	)}
}

var stageEvents = map[pipeline.Stage]string{
	pipeline.StageExtract:   "extract",
	pipeline.StageTransform: "transform",
	pipeline.StageLoad:      "load",
}
