package adb

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rlanyon/farmhub/internal/infrastructure/config"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
	"github.com/rlanyon/farmhub/internal/process"
)

// defaultBinary is used when adb.binary is unset in config.
const defaultBinary = "adb"

// Server supervises a locally spawned adb server. It implements
// service.Service, so the hub can own the server's lifetime instead of
// depending on whatever adb daemon happens to be running on the host.
//
// The server runs in nodaemon mode so it stays a direct child and dies
// with the hub rather than detaching.
type Server struct {
	manager *process.Manager
	logger  *logging.Logger
}

// NewServer builds a supervised adb server from the adb config section.
func NewServer(cfg config.ADBConfig, logger *logging.Logger) (*Server, error) {
	if !cfg.Managed {
		return nil, fmt.Errorf("adb: server supervision is not enabled")
	}
	if logger == nil {
		return nil, fmt.Errorf("adb: logger is required")
	}

	binary := cfg.Binary
	if binary == "" {
		binary = defaultBinary
	}

	args := []string{"-P", strconv.Itoa(cfg.Port), "server", "nodaemon"}
	mcfg := process.DefaultConfig("adb-server", binary, args)

	log := logger.With("component", "adb-server")
	manager := process.NewManager(mcfg)
	manager.SetLogger(log)

	return &Server{
		manager: manager,
		logger:  log,
	}, nil
}

// Name identifies the supervised server in service-runner logs.
func (s *Server) Name() string { return "adb-server" }

// Start launches the adb server and begins supervision. Restart-on-failure
// is handled by the process manager.
func (s *Server) Start(ctx context.Context) error {
	return s.manager.Start(ctx)
}

// Release stops the adb server, escalating from SIGTERM to SIGKILL.
func (s *Server) Release() {
	if err := s.manager.Stop(); err != nil {
		s.logger.Warn("adb server stop", "error", err)
	}
}

// Running reports whether the supervised server process is up.
func (s *Server) Running() bool {
	return s.manager.IsRunning()
}
