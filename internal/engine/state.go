package engine

// State names a node of the agent graph. An invocation always moves
// planning -> executing -> done; a planner failure short-circuits to done.
type State string

const (
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateDone      State = "done"
)

// Next is the single routing policy for the graph: given the state a node
// just ran in and its error, it returns the next state.
func Next(s State, err error) State {
	switch s {
	case StatePlanning:
		if err != nil {
			return StateDone
		}
		return StateExecuting
	case StateExecuting:
		return StateDone
	default:
		return StateDone
	}
}
