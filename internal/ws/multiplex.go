package ws

import (
	"net/url"
	"sync"

	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
	"github.com/rlanyon/farmhub/internal/mux"
)

// ActionMultiplex asks for the connection to carry multiplexed channels
// instead of one fixed session.
const ActionMultiplex = "multiplex"

// MuxFactory bootstraps multiplexed connections. It claims plain
// connections asking for the multiplex action, wraps them in a
// Multiplexer, and routes each peer-opened channel back through the
// Router by capability code. Register its Request method on the Router
// like any other request factory.
type MuxFactory struct {
	router *Router
	logger *logging.Logger
}

// NewMuxFactory creates a factory dispatching channels on the given
// router.
func NewMuxFactory(router *Router, logger *logging.Logger) *MuxFactory {
	return &MuxFactory{
		router: router,
		logger: logger.With("component", "mux"),
	}
}

// Request claims connections asking for the multiplex action.
func (f *MuxFactory) Request(conn MessageConn, params url.Values) Handler {
	if params.Get("action") != ActionMultiplex {
		return nil
	}

	s := &muxSession{
		m:      mux.New(conn, f.logger),
		logger: f.logger,
	}
	go s.accept(f.router)
	return s
}

// muxSession owns one multiplexed connection for its lifetime.
type muxSession struct {
	m      *mux.Multiplexer
	logger *logging.Logger
	once   sync.Once
}

// accept routes peer-opened channels until the connection dies. Accept
// closing means the physical connection is gone and every channel has
// been shut down, which unwinds the per-channel handlers.
func (s *muxSession) accept(router *Router) {
	for ch := range s.m.Accept() {
		if h := router.RouteChannel(ch, ch.Code()); h == nil {
			s.logger.Warn("unclaimed channel closed", "code", ch.Code())
			ch.Close() //nolint:errcheck // fail-closed teardown
		}
	}
}

// Release implements Handler. Closing the multiplexer closes the
// underlying connection and every open channel.
func (s *muxSession) Release() {
	s.once.Do(func() {
		s.m.Close() //nolint:errcheck // teardown
	})
}
