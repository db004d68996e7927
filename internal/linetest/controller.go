package linetest

import (
	"sync"

	"github.com/arloliu/go-dnc/protocol"
)

// Reply decides the controller's answer to a drip block. block is the
// 1-based block number and attempt counts writes of that block.
type Reply func(block, attempt int) byte

// AckAll acknowledges every block on the first attempt.
func AckAll(int, int) byte { return protocol.ACK }

// NakFirst rejects the first n attempts of every block.
func NakFirst(n int) Reply {
	return func(_, attempt int) byte {
		if attempt <= n {
			return protocol.NAK
		}

		return protocol.ACK
	}
}

// DripController simulates the receiving side of a drip transfer: it
// answers every STX block according to reply and EOT after ETX when
// sendEOT is set. A zero reply byte means no answer.
type DripController struct {
	mu      sync.Mutex
	reply   Reply
	sendEOT bool
	block   int
	attempt int
	frames  [][]byte
}

// NewDripController attaches a controller to l.
func NewDripController(l *Line, reply Reply, sendEOT bool) *DripController {
	c := &DripController{reply: reply, sendEOT: sendEOT}
	l.OnWrite(c.onWrite)

	return c
}

// SendHeader injects the header for program name, optionally followed by DC1.
func (c *DripController) SendHeader(l *Line, name string, trailingDC1 bool) {
	hdr := protocol.BuildHeader('H', name, 'E')
	if trailingDC1 {
		hdr = append(hdr, protocol.DC1)
	}
	l.Inject(hdr...)
}

// Frames returns the accepted block frames as written, in order.
func (c *DripController) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([][]byte(nil), c.frames...)
}

func (c *DripController) onWrite(l *Line, p []byte) {
	if len(p) == 0 {
		return
	}

	switch p[0] {
	case protocol.STX:
		c.mu.Lock()
		if c.attempt == 0 {
			c.block++
		}
		c.attempt++
		answer := c.reply(c.block, c.attempt)
		if answer == protocol.ACK {
			c.frames = append(c.frames, append([]byte(nil), p...))
			c.attempt = 0
		}
		c.mu.Unlock()

		if answer != 0 {
			l.Inject(answer)
		}
	case protocol.ETX:
		if c.sendEOT {
			l.Inject(protocol.EOT)
		}
	}
}
