// Package action defines the unit of work flowing through the Senlin
// engine: the Action record, its lifecycle state machine, the typed
// inputs/outputs bags that policies mutate, and the persistence contract
// used by the dispatcher to enqueue, claim, and update actions.
//
// Lifecycle: an action is created in StateInit, moves to StateWaiting on
// enqueue, to StateRunning once a worker has claimed it and acquired the
// target lock, and ends in one of the terminal states StateSucceeded,
// StateFailed, or StateCancelled. Terminal states are final: the store
// rejects any further transitions.
package action
