package core

// Frame is one encoded protocol message.
type Frame []byte

// SignalConnection is the outbound side of a client socket.
// TrySend never blocks: a full queue is reported as an error and the caller's
// policy decides what happens to the member. Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
