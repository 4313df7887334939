package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// forceExitCode is the exit status used when a second interrupt aborts
// a graceful shutdown.
const forceExitCode = 130

// Service is one long-running component under the runner's control.
type Service interface {
	// Name identifies the service in logs.
	Name() string

	// Start brings the service up. It must not block; background work
	// runs in the service's own goroutines.
	Start(ctx context.Context) error

	// Release tears the service down. It is called at most once by the
	// runner and must tolerate a service that never fully started.
	Release()
}

// Runner starts a fixed set of services and supervises their shutdown.
type Runner struct {
	logger   *logging.Logger
	services []Service

	// exit is swapped out by tests; production uses os.Exit.
	exit func(code int)
}

// NewRunner creates a runner for the given logger.
func NewRunner(logger *logging.Logger) *Runner {
	return &Runner{
		logger: logger.With("component", "runner"),
		exit:   os.Exit,
	}
}

// Register appends a service. Registration order is start order and
// also release order.
func (r *Runner) Register(s Service) {
	r.services = append(r.services, s)
}

// Run starts every registered service, then blocks until the context is
// cancelled or an interrupt arrives. One interrupt releases the
// services in registration order; a second interrupt during that
// release forces the process to exit.
//
// Returns:
//   - error: The first service start failure, after releasing any
//     services already started.
func (r *Runner) Run(ctx context.Context) error {
	started := 0
	for _, s := range r.services {
		r.logger.Info("starting service", "service", s.Name())
		if err := s.Start(ctx); err != nil {
			r.logger.Error("service failed to start", "service", s.Name(), "error", err)
			r.releaseAll(started)
			return err
		}
		started++
	}

	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	select {
	case sig := <-interrupts:
		r.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		r.logger.Info("context cancelled, shutting down")
	}

	// A second interrupt during release aborts the process outright.
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-interrupts:
			r.logger.Warn("second interrupt, forcing exit", "signal", sig.String())
			r.exit(forceExitCode)
		case <-done:
		}
	}()

	r.releaseAll(started)
	close(done)
	return nil
}

// releaseAll releases the first n services in registration order.
func (r *Runner) releaseAll(n int) {
	for _, s := range r.services[:n] {
		r.logger.Info("releasing service", "service", s.Name())
		s.Release()
	}
}
