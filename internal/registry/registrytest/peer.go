// Package registrytest provides an in-memory registry.Peer for tests.
package registrytest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("registrytest: peer closed")

// Peer records every frame sent to it.
type Peer struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   error
}

// NewPeer creates a recording peer.
func NewPeer(id string) *Peer {
	return &Peer{id: id}
}

func (p *Peer) ID() string { return p.id }

// Send records a copy of data.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.fail != nil {
		return p.fail
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	p.frames = append(p.frames, frame)
	return nil
}

// FailWith makes subsequent sends return err.
func (p *Peer) FailWith(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Close makes subsequent sends fail with ErrClosed.
func (p *Peer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Frames returns a copy of the recorded frames.
func (p *Peer) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]byte, len(p.frames))
	copy(out, p.frames)
	return out
}

// Decoded returns the recorded frames decoded as JSON objects.
func (p *Peer) Decoded() []map[string]interface{} {
	frames := p.Frames()
	out := make([]map[string]interface{}, 0, len(frames))
	for _, f := range frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			m = map[string]interface{}{"_raw": string(f)}
		}
		out = append(out, m)
	}
	return out
}

// OfType returns the decoded frames whose "type" equals msgType.
func (p *Peer) OfType(msgType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range p.Decoded() {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent decoded frame, or nil.
func (p *Peer) Last() map[string]interface{} {
	d := p.Decoded()
	if len(d) == 0 {
		return nil
	}
	return d[len(d)-1]
}

// Reset forgets the recorded frames.
func (p *Peer) Reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}
