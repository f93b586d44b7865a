package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// LinePort is an in-memory SerialPorter for instruments that answer
// newline-terminated commands. Each complete line written is passed to the
// responder; a non-empty reply is queued for Read with a trailing newline.
type LinePort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	respond func(command string) string
	pending bytes.Buffer
	read    bytes.Buffer
	written []string
	closed  bool
}

// NewLinePort creates a LinePort answering with respond. A nil responder
// never replies.
func NewLinePort(respond func(command string) string) *LinePort {
	p := &LinePort{respond: respond}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until reply data is available or the port is closed.
func (p *LinePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.read.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.read.Len() == 0 {
		return 0, io.EOF
	}
	return p.read.Read(b)
}

// Write accepts command bytes and dispatches every complete line.
func (p *LinePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	p.pending.Write(b)
	for {
		line, err := p.pending.ReadString('\n')
		if err != nil {
			// incomplete line stays buffered
			p.pending.Reset()
			p.pending.WriteString(line)
			break
		}
		cmd := strings.TrimSpace(line)
		p.written = append(p.written, cmd)
		if p.respond == nil {
			continue
		}
		if reply := p.respond(cmd); reply != "" {
			p.read.WriteString(reply + "\n")
			p.cond.Broadcast()
		}
	}
	return len(b), nil
}

// Inject queues an unsolicited line for Read.
func (p *LinePort) Inject(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.read.WriteString(line + "\n")
	p.cond.Broadcast()
}

// Commands returns every command line written so far.
func (p *LinePort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// Close wakes blocked readers; subsequent reads return io.EOF.
func (p *LinePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}
