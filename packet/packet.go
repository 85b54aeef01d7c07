// Package packet implements the length-prefixed binary framing used between the
// bridge and the simulation engine.
//
// Every message is a five digit, zero padded decimal length header followed by
// exactly that many payload bytes. Three control words (@LOCK, @UNLOCK, @EXIT)
// share the channel; they are recognised both bare and length-prefixed.
package packet

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/c360/gantrybridge/errors"
)

const (
	// HeaderLength is the number of ASCII digits in the length header.
	HeaderLength = 5
	// MaxPayload is the largest payload a five digit header can announce.
	MaxPayload = 99999
	// ChunkSize caps a single payload read.
	ChunkSize = 8192

	// Handshake is sent by the engine right after it connects.
	Handshake = "AIMSUN_UP_AND_RUNNING"
)

// Sentinel is an out-of-band control word on the engine channel.
type Sentinel string

// Control words.
const (
	NoSentinel Sentinel = ""
	Lock       Sentinel = "@LOCK"
	Unlock     Sentinel = "@UNLOCK"
	Exit       Sentinel = "@EXIT"
)

func sentinelFor(payload []byte) Sentinel {
	switch s := Sentinel(payload); s {
	case Lock, Unlock, Exit:
		return s
	}
	return NoSentinel
}

// Frame is one unit received from the channel: either a payload or a control word.
type Frame struct {
	Payload []byte
	Control Sentinel
}

// IsControl reports whether the frame carries a control word.
func (f Frame) IsControl() bool {
	return f.Control != NoSentinel
}

// Communicator frames payloads over a single stream connection.
// Send is safe for concurrent use; Receive must be called from one goroutine.
type Communicator struct {
	rw     io.ReadWriter
	logger *slog.Logger

	writeMu sync.Mutex
}

// NewCommunicator wraps rw. A nil logger falls back to slog.Default().
func NewCommunicator(rw io.ReadWriter, logger *slog.Logger) *Communicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Communicator{
		rw:     rw,
		logger: logger.With("component", "packet"),
	}
}

// Header formats the length header for n payload bytes.
func Header(n int) (string, error) {
	head := fmt.Sprintf("%05d", n)
	if len(head) != HeaderLength || n < 0 {
		return "", fmt.Errorf("%w: %d bytes need a %d character header", errors.ErrHeaderOverflow, n, len(head))
	}
	return head, nil
}

// Send writes the header and payload. A payload longer than MaxPayload is a
// programming error and is refused without writing anything.
func (c *Communicator) Send(payload []byte) error {
	head, err := Header(len(payload))
	if err != nil {
		c.logger.Error("inconsistent message length representation", "length", len(payload))
		return errors.WrapFatal(err, "Communicator", "Send", "header encoding")
	}

	buf := make([]byte, 0, HeaderLength+len(payload))
	buf = append(buf, head...)
	buf = append(buf, payload...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(buf); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrTransport, err), "Communicator", "Send", "packet write")
	}
	return nil
}

// SendControl writes a control word as a length-prefixed packet.
func (c *Communicator) SendControl(s Sentinel) error {
	return c.Send([]byte(s))
}

// Receive reads the next frame. A clean close by the peer, including a close in
// the middle of a frame and a connection reset, is reported as io.EOF. Any
// other transport failure is returned wrapped in ErrTransport.
func (c *Communicator) Receive() (Frame, error) {
	head := make([]byte, HeaderLength)
	if err := c.readFull(head, HeaderLength); err != nil {
		return Frame{}, c.closeOrError(err, "header")
	}

	if head[0] == '@' {
		return c.receiveBare(head)
	}

	n, err := strconv.Atoi(string(head))
	if err != nil || n < 0 {
		return Frame{}, fmt.Errorf("%w: invalid packet header %q", errors.ErrFraming, head)
	}
	c.logger.Debug("got header", "length", n)

	payload := make([]byte, n)
	if err := c.readFull(payload, ChunkSize); err != nil {
		return Frame{}, c.closeOrError(err, "payload")
	}

	return Frame{Payload: payload, Control: sentinelFor(payload)}, nil
}

// receiveBare completes a control word sent without a length header. The five
// header bytes already hold @LOCK, @EXIT or the start of @UNLOCK.
func (c *Communicator) receiveBare(head []byte) (Frame, error) {
	word := string(head)
	if word == string(Unlock[:HeaderLength]) {
		rest := make([]byte, len(Unlock)-HeaderLength)
		if err := c.readFull(rest, len(rest)); err != nil {
			return Frame{}, c.closeOrError(err, "control word")
		}
		word += string(rest)
	}

	s := sentinelFor([]byte(word))
	if s == NoSentinel {
		return Frame{}, fmt.Errorf("%w: unknown control word %q", errors.ErrFraming, word)
	}
	return Frame{Payload: []byte(word), Control: s}, nil
}

// readFull fills buf with reads of at most chunk bytes, looping on short reads.
func (c *Communicator) readFull(buf []byte, chunk int) error {
	got := 0
	for got < len(buf) {
		end := min(got+chunk, len(buf))
		n, err := c.rw.Read(buf[got:end])
		got += n
		if err != nil {
			if got == len(buf) && stderrors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *Communicator) closeOrError(err error, stage string) error {
	if stderrors.Is(err, io.EOF) {
		c.logger.Debug("no data from the connection, peer closed", "stage", stage)
		return io.EOF
	}
	if errors.IsPeerGone(err) {
		c.logger.Info("connection reset by peer", "stage", stage, "error", err)
		return io.EOF
	}
	return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrTransport, err), "Communicator", "Receive", stage+" read")
}
