package adapter

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/go-dap"
)

var (
	// ErrPeerClosed reports end-of-stream while reading a frame header or body.
	ErrPeerClosed = errors.New("peer closed the stream")

	// ErrProtocol reports a malformed frame, undecodable body or a command
	// outside the supported set. It is fatal for the session.
	ErrProtocol = errors.New("protocol error")
)

// wireConn frames DAP messages over a byte stream pair
// (Content-Length header, blank separator, one-line JSON body).
type wireConn struct {
	in    *bufio.Reader
	out   *bufio.Writer
	trace *TraceLog
}

func newWireConn(r io.Reader, w io.Writer, trace *TraceLog) *wireConn {
	return &wireConn{
		in:    bufio.NewReader(r),
		out:   bufio.NewWriter(w),
		trace: trace,
	}
}

// read blocks until one full message is available and decodes it.
func (c *wireConn) read() (dap.Message, error) {
	body, err := dap.ReadBaseMessage(c.in)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	c.trace.Inbound(body)

	msg, err := dap.DecodeProtocolMessage(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return msg, nil
}

// write serializes msg, frames it and flushes.
func (c *wireConn) write(msg dap.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrProtocol, err)
	}
	if err := dap.WriteBaseMessage(c.out, body); err != nil {
		return err
	}
	if err := c.out.Flush(); err != nil {
		return err
	}
	c.trace.Outbound(body)
	return nil
}
