// Package device implements the device registry control center.
//
// The Center owns the canonical set of devices attached to this farm node.
// It subscribes to an enumeration source (the adb package in production),
// reconciles its change-sets into the registry, and broadcasts descriptor
// updates to any number of client sessions.
//
// # Identity stability
//
// A device id, once observed, is never removed from the registry. When the
// enumeration source reports a device as removed the Center flips it into
// the synthetic "disconnected" state instead; a later reconnect is a state
// transition on the same identity. This keeps client-side views stable
// across cable wiggles and adb restarts.
//
// # Restart policy
//
// When the enumeration stream ends or errors the Center schedules a single
// restart after a delay (default 1s) and coalesces further failure signals
// until it fires. The delay grows by a factor of 1.2 per restart, capped,
// and resets to the default as soon as any change-set is delivered.
//
// # Ownership
//
// The Center exclusively owns its Device objects. Everything outside the
// registry — sessions, announcers, the HTTP API — receives Descriptor
// copies only.
package device
