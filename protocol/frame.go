package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Control bytes of the TNC transfer protocols.
const (
	NUL byte = 0x00 // preamble padding
	SOH byte = 0x01 // start of header
	STX byte = 0x02 // start of text (data block)
	ETX byte = 0x03 // end of text (end of program)
	EOT byte = 0x04 // end of transmission
	ACK byte = 0x06 // block accepted
	DC1 byte = 0x11 // XON, resume
	DC3 byte = 0x13 // XOFF, pause
	NAK byte = 0x15 // block rejected
	ETB byte = 0x17 // end of block
)

// CRLF is the line terminator expected by the controller.
const CRLF = "\r\n"

// minHeaderLen is SOH, code1, code2, ETB and BCC with an empty program name.
const minHeaderLen = 5

var (
	// ErrMalformedHeader indicates a header frame that is not
	// <SOH> code1 name code2 <ETB> BCC [DC1].
	ErrMalformedHeader = errors.New("protocol: malformed header frame")

	// ErrChecksumMismatch indicates a frame whose trailing BCC does not match
	// the XOR of its bytes.
	ErrChecksumMismatch = errors.New("protocol: block check character mismatch")
)

// Checksum returns the block check character of b: the running XOR of all
// bytes. The caller includes any delimiting control bytes in b.
func Checksum(b []byte) byte {
	var bcc byte
	for _, v := range b {
		bcc ^= v
	}

	return bcc
}

// BuildBlock frames one program line for drip mode:
//
//	<STX> line <ETB> BCC
//
// line must already carry its terminator (see EncodeLine). The BCC covers STX
// through ETB inclusive. The returned slice is newly allocated.
func BuildBlock(line []byte) []byte {
	buf := make([]byte, 0, len(line)+3)
	buf = append(buf, STX)
	buf = append(buf, line...)
	buf = append(buf, ETB)

	return append(buf, Checksum(buf))
}

// BuildHeader frames a drip-mode header the way a controller sends it:
//
//	<SOH> code1 name code2 <ETB> BCC
//
// It is the inverse of ParseHeader and is mostly useful for controller
// simulators and tests.
func BuildHeader(code1 byte, name string, code2 byte) []byte {
	buf := make([]byte, 0, len(name)+minHeaderLen)
	buf = append(buf, SOH, code1)
	buf = append(buf, name...)
	buf = append(buf, code2, ETB)

	return append(buf, Checksum(buf))
}

// Header is a decoded drip-mode header block.
type Header struct {
	// Code1 is the single character preceding the program name ('H' on TNC 4xx).
	Code1 byte
	// Name is the program name announced by the controller.
	Name string
	// Code2 is the single character following the program name ('E' on TNC 4xx).
	Code2 byte
	// TrailingXON reports whether a DC1 byte immediately followed the BCC.
	// Some controller dialects do this and expect the same after every block.
	TrailingXON bool
}

// String renders the header for logs.
func (h Header) String() string {
	return fmt.Sprintf("%c %q %c dc1=%t", h.Code1, h.Name, h.Code2, h.TrailingXON)
}

// ParseHeader decodes a header frame:
//
//	<SOH> code1 name... code2 <ETB> BCC [DC1]
//
// The BCC is validated against SOH through ETB inclusive. On failure it
// returns ErrMalformedHeader or ErrChecksumMismatch and leaves the decision to
// retry or abort to the caller; it never panics on arbitrary input.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < minHeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(frame))
	}
	if frame[0] != SOH {
		return Header{}, fmt.Errorf("%w: starts with 0x%02X, want SOH", ErrMalformedHeader, frame[0])
	}

	// The first ETB ends the header; the BCC itself may take any value.
	etb := bytes.IndexByte(frame[1:], ETB) + 1
	if etb < 3 {
		return Header{}, fmt.Errorf("%w: missing ETB or codes", ErrMalformedHeader)
	}

	var hdr Header
	switch len(frame) - etb {
	case 2:
	case 3:
		if frame[etb+2] != DC1 {
			return Header{}, fmt.Errorf("%w: trailing 0x%02X after BCC", ErrMalformedHeader, frame[etb+2])
		}
		hdr.TrailingXON = true
	default:
		return Header{}, fmt.Errorf("%w: %d bytes after ETB", ErrMalformedHeader, len(frame)-etb-1)
	}

	body := frame[:etb+1]
	if got, want := frame[etb+1], Checksum(body); got != want {
		return Header{}, fmt.Errorf("%w: wire=0x%02X, computed=0x%02X", ErrChecksumMismatch, got, want)
	}

	hdr.Code1 = body[1]
	hdr.Code2 = body[len(body)-2]
	hdr.Name = string(body[2 : len(body)-2])

	return hdr, nil
}

// EncodeLine prepares one line of program text for the wire: the existing
// LF or CRLF terminator is stripped, bytes outside 7-bit ASCII are dropped and
// eol is appended.
func EncodeLine(text []byte, eol string) []byte {
	for len(text) > 0 && (text[len(text)-1] == '\n' || text[len(text)-1] == '\r') {
		text = text[:len(text)-1]
	}

	out := make([]byte, 0, len(text)+len(eol))
	for _, b := range text {
		if b < 0x80 {
			out = append(out, b)
		}
	}

	return append(out, eol...)
}
