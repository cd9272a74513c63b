package bridge

import "sync"

// deferred stands in for a transport whose peer comes and goes. It adopts
// one transport at a time from peers; sends while none is attached fail.
type deferred struct {
	in   chan []byte
	done chan struct{}

	mu     sync.Mutex
	t      Transport
	closed bool
}

// Deferred returns a transport that becomes usable once a peer arrives on
// peers. When that peer goes away the next one to arrive takes its place;
// peers arriving while one is attached are closed.
func Deferred(peers <-chan Transport) Transport {
	d := &deferred{in: make(chan []byte, pipeBuffer), done: make(chan struct{})}
	go d.adopt(peers)
	return d
}

func (d *deferred) adopt(peers <-chan Transport) {
	var t Transport
	for {
		if t == nil {
			select {
			case t = <-peers:
			case <-d.done:
				return
			}
		}
		if !d.attach(t) {
			_ = t.Close()
			return
		}
		var more bool
		if t, more = d.forward(t, peers); !more {
			return
		}
	}
}

func (d *deferred) attach(t Transport) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.t = t
	return true
}

// forward pumps messages from t until it ends. It returns the peer to adopt
// next when one arrived as t went away, and false once d is closed.
func (d *deferred) forward(t Transport, peers <-chan Transport) (Transport, bool) {
	defer func() {
		d.mu.Lock()
		if d.t == t {
			d.t = nil
		}
		d.mu.Unlock()
	}()
	for {
		select {
		case data := <-t.Receive():
			select {
			case d.in <- data:
			case <-d.done:
				return nil, false
			}
		case next := <-peers:
			select {
			case <-t.Done():
				return next, true
			default:
			}
			// one view at a time
			_ = next.Close()
		case <-t.Done():
			return nil, true
		case <-d.done:
			return nil, false
		}
	}
}

func (d *deferred) Send(data []byte) error {
	d.mu.Lock()
	t, closed := d.t, d.closed
	d.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case t == nil:
		return ErrNotConnected
	}
	return t.Send(data)
}

func (d *deferred) Receive() <-chan []byte {
	return d.in
}

func (d *deferred) Done() <-chan struct{} {
	return d.done
}

func (d *deferred) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	t := d.t
	close(d.done)
	d.mu.Unlock()
	if t != nil {
		return t.Close()
	}
	return nil
}
