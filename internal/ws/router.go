package ws

import (
	"net/url"
	"sync"
)

// Handler is a live session bound to one connection or channel. The
// handler owns its connection's read side; Release tears the session
// down and is safe to call more than once.
type Handler interface {
	Release()
}

// RequestFactory inspects a plain WebSocket connection's query
// parameters and either claims it by returning a Handler, or declines
// by returning nil.
type RequestFactory func(conn MessageConn, params url.Values) Handler

// ChannelFactory inspects a multiplexed channel's capability code and
// either claims it by returning a Handler, or declines by returning
// nil.
type ChannelFactory func(conn MessageConn, code string) Handler

// Router dispatches incoming connections and channels to registered
// factories in registration order. The first factory to claim wins;
// when none claims, the caller must close the connection.
type Router struct {
	mu       sync.RWMutex
	requests []RequestFactory
	channels []ChannelFactory
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// HandleRequest appends a factory for plain WebSocket connections.
func (r *Router) HandleRequest(f RequestFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, f)
}

// HandleChannel appends a factory for multiplexed channels.
func (r *Router) HandleChannel(f ChannelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, f)
}

// RouteRequest offers a plain connection to each request factory in
// order, returning the first claim or nil.
func (r *Router) RouteRequest(conn MessageConn, params url.Values) Handler {
	r.mu.RLock()
	factories := r.requests
	r.mu.RUnlock()

	for _, f := range factories {
		if h := f(conn, params); h != nil {
			return h
		}
	}
	return nil
}

// RouteChannel offers a channel to each channel factory in order,
// returning the first claim or nil.
func (r *Router) RouteChannel(conn MessageConn, code string) Handler {
	r.mu.RLock()
	factories := r.channels
	r.mu.RUnlock()

	for _, f := range factories {
		if h := f(conn, code); h != nil {
			return h
		}
	}
	return nil
}
