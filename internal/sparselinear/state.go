package sparselinear

import "fmt"

// State is the lifecycle position of a Linear.
type State int

const (
	Uninitialized State = iota
	Initialized
	Pruned
	Compressed
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Pruned:
		return "pruned"
	case Compressed:
		return "compressed"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions maps each stage to the states it may start from and the state
// it leaves behind on success. Execute may repeat once the operator is ready.
var transitions = map[string]struct {
	from []State
	to   State
}{
	stageInit:     {from: []State{Uninitialized}, to: Initialized},
	stagePrune:    {from: []State{Initialized}, to: Pruned},
	stageCompress: {from: []State{Pruned}, to: Compressed},
	stageExecute:  {from: []State{Compressed, Ready}, to: Ready},
}

const (
	stageCapability = "capability"
	stageInit       = "init"
	stagePrune      = "prune"
	stageCompress   = "compress"
	stageExecute    = "execute"
)

// enter returns the state a stage moves to, or an ErrStageOrder error when
// the stage may not run from current.
func enter(stage string, current State) (State, error) {
	t, ok := transitions[stage]
	if !ok {
		return current, stageErrf(stage, ErrStageOrder, "unknown stage")
	}
	for _, s := range t.from {
		if s == current {
			return t.to, nil
		}
	}
	return current, stageErrf(stage, ErrStageOrder, "cannot %s while %s (want %v)", stage, current, t.from)
}
