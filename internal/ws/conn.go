package ws

// MessageConn is a duplex message stream a session handler can be bound
// to. Both a gorilla *websocket.Conn and a *mux.Channel satisfy it, so
// the same handler serves dedicated connections and multiplexed
// channels alike.
type MessageConn interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, payload []byte) error
	Close() error
}
