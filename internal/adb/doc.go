// Package adb is the device-enumeration and device-command client for the
// adb server's smart-socket protocol.
//
// It implements the device package's Enumerator and Commander interfaces:
// device snapshots via "host:devices", a live change stream via
// "host:track-devices" (full device lists diffed into change-sets), and
// device-scoped shell operations via "host:transport:<serial>" + "shell:".
//
// Wire framing: every request is a 4-hex-digit length followed by the
// payload; the server answers OKAY or FAIL (FAIL carries a length-prefixed
// message). See the protocol notes shipped with the Android platform tools
// (adb/SERVICES.TXT).
//
// The package holds no registry state of its own — connection loss simply
// ends the tracker stream, and the device Center's restart policy takes it
// from there.
package adb
