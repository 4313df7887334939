// Package announce bridges the device registry and MQTT.
//
// The announcer is an optional service that mirrors the in-process registry
// onto the broker so external consumers (dashboards, schedulers, other hubs)
// can follow the farm without holding a websocket session:
//
//   - farmhub/device/{udid}/state   retained per-device descriptor JSON
//   - farmhub/center/{id}/devices   retained full snapshot for this hub
//
// Both topics are retained, so a late subscriber immediately receives the
// current state. Publishing is decoupled from the registry's fan-out through
// a buffered channel; a slow broker drops announcements rather than stalling
// device reconciliation.
//
// Inbound, the announcer subscribes to farmhub/device/+/cmd and feeds
// device commands published there into the registry. Commands are
// fire-and-forget: a malformed or failing command is logged and dropped,
// nothing is published back.
package announce
