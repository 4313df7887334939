// Package process provides generic subprocess lifecycle management.
//
// This package is designed for managing long-running child processes that
// farmhub depends on, primarily a locally supervised adb server.
//
// Features:
//   - Start/stop subprocess with graceful shutdown
//   - Automatic restart on failure with configurable backoff
//   - Log capture from subprocess stdout/stderr
//   - Context-based cancellation for clean shutdown
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:               "adb-server",
//	    Binary:             "/usr/bin/adb",
//	    Args:               []string{"-P", "5037", "server", "nodaemon"},
//	    RestartOnFailure:   true,
//	    RestartDelay:       5 * time.Second,
//	    MaxRestartAttempts: 10,
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
package process
