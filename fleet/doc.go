// Package fleet tracks the worker processes participating in action
// execution. Workers register on startup, heartbeat while alive, and
// deregister on shutdown; the dispatcher's reaper uses the registry to
// find dead workers whose claimed actions must be requeued and whose
// locks may be stolen.
package fleet
