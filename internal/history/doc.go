// Package history persists device state transitions to SQLite.
//
// Every transition the control center observes is appended to the
// device_state_history table, giving operators an audit trail of device
// flapping and farm availability that survives restarts. Entries are
// pruned by retention age; rows are never updated.
package history
