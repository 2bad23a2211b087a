// Package reshard implements online resharding: the coordinator state machine,
// its donor and recipient participants, the commit monitor, and abort.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard

type (
	State          string
	DonorState     string
	RecipientState string
)

// coordinator states, in the order of forward progress
const (
	StateInitializing      State = "initializing"
	StatePreparingTopology State = "preparing-topology"
	StateCloning           State = "cloning"
	StateApplying          State = "applying"
	StateBlockingWrites    State = "blocking-writes"
	StateCheckingCommit    State = "checking-for-commit-readiness"
	StateDecisionPersisted State = "decision-persisted"
	StateDone              State = "done"

	// side branch: reachable from any state prior to StateDecisionPersisted
	StateAborting State = "aborting"
)

const (
	DonorPreparing   DonorState = "preparing-to-donate"
	DonorInitialData DonorState = "donating-initial-data"
	DonorOplog       DonorState = "donating-oplog-entries"
	DonorBlocking    DonorState = "blocking-writes"
	DonorDone        DonorState = "done"
	DonorError       DonorState = "error"
)

const (
	RecipientCreating RecipientState = "creating-collection"
	RecipientCloning  RecipientState = "cloning"
	RecipientApplying RecipientState = "applying"
	RecipientStrict   RecipientState = "strict-consistency"
	RecipientDone     RecipientState = "done"
	RecipientError    RecipientState = "error"
)

var stateOrder = map[State]int{
	StateInitializing:      1,
	StatePreparingTopology: 2,
	StateCloning:           3,
	StateApplying:          4,
	StateBlockingWrites:    5,
	StateCheckingCommit:    6,
	StateDecisionPersisted: 7,
	StateDone:              8,
	StateAborting:          9, // (ordinal only orders the final `done`)
}

func (s State) Valid() bool { _, ok := stateOrder[s]; return ok }

// Decided: at or past the point of no return
func (s State) Decided() bool { return s == StateDecisionPersisted || s == StateDone }

// Abortable: strictly before the decision
func (s State) Abortable() bool {
	return s.Valid() && stateOrder[s] < stateOrder[StateDecisionPersisted]
}

// Next returns the forward successor (empty when terminal or aborting)
func (s State) Next() State {
	switch s {
	case StateInitializing:
		return StatePreparingTopology
	case StatePreparingTopology:
		return StateCloning
	case StateCloning:
		return StateApplying
	case StateApplying:
		return StateBlockingWrites
	case StateBlockingWrites:
		return StateCheckingCommit
	case StateCheckingCommit:
		return StateDecisionPersisted
	case StateDecisionPersisted:
		return StateDone
	}
	return ""
}

// CanTransition: one step forward, or into `aborting` before the decision,
// or out of `aborting` into `done`
func CanTransition(from, to State) bool {
	switch {
	case to == StateAborting:
		return from.Abortable()
	case from == StateAborting:
		return to == StateDone
	default:
		return from.Next() == to
	}
}

// Less orders states by forward progress; `aborting` is only ever followed by `done`
func (s State) Less(other State) bool { return stateOrder[s] < stateOrder[other] }

func (s DonorState) Valid() bool {
	switch s {
	case DonorPreparing, DonorInitialData, DonorOplog, DonorBlocking, DonorDone, DonorError:
		return true
	}
	return false
}

func (s RecipientState) Valid() bool {
	switch s {
	case RecipientCreating, RecipientCloning, RecipientApplying, RecipientStrict, RecipientDone, RecipientError:
		return true
	}
	return false
}

// recipient progress past cloning
func (s RecipientState) applying() bool { return s == RecipientApplying || s == RecipientStrict }
