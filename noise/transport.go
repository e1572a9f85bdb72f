package noise

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/muxcore/muxcore/coreerr"
)

// Conn wraps a raw net.Conn with the Noise transport cipher established by
// Handshake. It implements net.Conn; each Write call is chunked into
// records of at most maxTransportPayload plaintext bytes and each Read call
// returns bytes from a single decrypted record, keeping any part that did
// not fit for the next Read — callers must not assume read/write boundaries
// are preserved.
type Conn struct {
	net.Conn

	writeMu sync.Mutex
	send    *cipherState

	readMu  sync.Mutex
	recv    *cipherState
	pending []byte // leftover decrypted bytes from a record not yet fully consumed
}

func newConn(raw net.Conn, send, recv *cipherState) *Conn {
	return &Conn{Conn: raw, send: send, recv: recv}
}

// Write encrypts and sends p, chunked into records of at most
// maxTransportPayload plaintext bytes each. The send cipher must only ever
// be driven from one goroutine at a time (the Yamux writer goroutine, once
// layered); writeMu exists as a safety net, not the primary serialization
// mechanism.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxTransportPayload {
			chunk = chunk[:maxTransportPayload]
		}
		record := c.send.encrypt(nil, chunk)
		if err := writeRecord(c.Conn, record); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func writeRecord(w io.Writer, record []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(record)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(record)
	return err
}

// Read returns bytes from the current pending decrypted record, reading and
// decrypting a new record from the underlying connection if none is
// buffered.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.pending) == 0 {
		record, err := c.readRecord()
		if err != nil {
			return 0, err
		}
		c.pending = record
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Conn) readRecord() ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(c.Conn, ciphertext); err != nil {
		return nil, coreerr.ErrMalformedFrame{Inner: err, Context: coreerr.MalformedFrameContext{Reason: "short read on transport record"}}
	}
	plaintext, err := c.recv.decrypt(nil, ciphertext)
	if err != nil {
		c.Conn.Close()
		return nil, err
	}
	return plaintext, nil
}

func (c *Conn) SetDeadline(t time.Time) error      { return c.Conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.Conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.Conn.SetWriteDeadline(t) }
