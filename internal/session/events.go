package session

import "gitlab.com/secp/services/lightrelay/internal/protocol"

// Event is delivered on Session.Events.
type Event interface {
	event()
}

// Connected reports a transport that is up and flushing queued frames.
type Connected struct {
	URL string
}

// Disconnected reports a lost transport or a failed connect attempt.
type Disconnected struct {
	Err error
}

// Received carries one decoded inbound message.
type Received struct {
	Message protocol.Message
}

func (Connected) event()    {}
func (Disconnected) event() {}
func (Received) event()     {}
