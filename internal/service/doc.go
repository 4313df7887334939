// Package service defines the lifecycle contract shared by farmhub's
// long-running components and a runner that supervises them.
//
// Services start in registration order and release in the same order on
// shutdown. The first interrupt begins a graceful release; a second
// interrupt forces the process down immediately.
package service
