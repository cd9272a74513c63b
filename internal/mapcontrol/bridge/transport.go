// Package bridge drives a map that lives in an isolated view reached only by
// one-way JSON messages.
package bridge

import (
	"errors"
	"sync"
)

const pipeBuffer = 256

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("no peer connected yet")
)

// Transport carries raw JSON messages one way in each direction. Done is
// closed once the transport shuts down for good.
type Transport interface {
	Send(data []byte) error
	Receive() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// Reconnector is implemented by transports that survive a dropped link by
// redialing. Reconnected fires once per new link.
type Reconnector interface {
	Reconnected() <-chan struct{}
}

// pipeEnd is one side of an in-memory transport.
type pipeEnd struct {
	in   chan []byte
	peer *pipeEnd

	mu     *sync.Mutex
	closed *bool
	done   chan struct{}
}

// NewPipe returns two connected in-memory transports. Closing either end
// closes both.
func NewPipe() (Transport, Transport) {
	mu := &sync.Mutex{}
	closed := new(bool)
	done := make(chan struct{})
	a := &pipeEnd{in: make(chan []byte, pipeBuffer), mu: mu, closed: closed, done: done}
	b := &pipeEnd{in: make(chan []byte, pipeBuffer), mu: mu, closed: closed, done: done}
	a.peer, b.peer = b, a
	return a, b
}

// Send never blocks; a full peer buffer drops the message.
func (p *pipeEnd) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *p.closed {
		return ErrClosed
	}
	msg := append([]byte(nil), data...)
	select {
	case p.peer.in <- msg:
	default:
	}
	return nil
}

func (p *pipeEnd) Receive() <-chan []byte {
	return p.in
}

func (p *pipeEnd) Done() <-chan struct{} {
	return p.done
}

func (p *pipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *p.closed {
		return nil
	}
	*p.closed = true
	close(p.done)
	return nil
}
