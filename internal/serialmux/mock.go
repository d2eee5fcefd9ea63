package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

// ScriptedPort implements Porter with controllable reads, writes, and errors
// for exercising the mux and the radar reader without hardware.
type ScriptedPort struct {
	mu       sync.Mutex
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	cond     *sync.Cond

	// ReadErr is returned by the next Read call, then cleared.
	ReadErr error

	// WriteErr is returned by the next Write call, then cleared.
	WriteErr error

	closed bool
}

// NewScriptedPort creates an empty ScriptedPort. Reads block until data is
// pushed with PushLine or the port is closed.
func NewScriptedPort() *ScriptedPort {
	p := &ScriptedPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *ScriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ReadErr != nil {
		err := p.ReadErr
		p.ReadErr = nil
		return 0, err
	}

	for !p.closed && p.readBuf.Len() == 0 {
		p.cond.Wait()
	}
	if p.closed && p.readBuf.Len() == 0 {
		return 0, errors.New("serial port closed")
	}
	return p.readBuf.Read(b)
}

func (p *ScriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.WriteErr != nil {
		err := p.WriteErr
		p.WriteErr = nil
		return 0, err
	}
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	return p.writeBuf.Write(b)
}

func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// PushLine appends a line of device output, adding the newline terminator.
func (p *ScriptedPort) PushLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(line)
	p.readBuf.WriteByte('\n')
	p.cond.Broadcast()
}

// Written returns a copy of everything written to the port so far.
func (p *ScriptedPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writeBuf.Bytes()...)
}

// Closed reports whether Close was called.
func (p *ScriptedPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ScriptedOpener returns an Opener that yields the given ports in sequence,
// one per open attempt, and then errors. Used to script reconnect cycles.
func ScriptedOpener(ports ...Porter) Opener {
	var mu sync.Mutex
	i := 0
	return func(path string, opts PortOptions) (Porter, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(ports) {
			return nil, errors.New("no more scripted ports")
		}
		p := ports[i]
		i++
		return p, nil
	}
}
