package kit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/valyala/bytebufferpool"
)

const (
	// LengthPrefixSize is the size of the big-endian frame length prefix.
	LengthPrefixSize = 4

	// DefaultMaxFrameSize bounds the encoded envelope of one frame (64 KB).
	DefaultMaxFrameSize = 64 * 1024
)

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrFrameEmpty     = errors.New("frame is empty")
	ErrFrameTruncated = errors.New("frame truncated")
	ErrFrameMalformed = errors.New("malformed frame")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// envelope is the CBOR body of a frame.
type envelope struct {
	Version uint32 `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// Codec reads and writes length-prefixed CBOR frames.
type Codec struct {
	maxFrameSize uint32
}

// NewCodec creates a codec. A zero maxFrameSize selects DefaultMaxFrameSize.
func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{maxFrameSize: maxFrameSize}
}

// MaxFrameSize returns the configured frame body limit.
func (c *Codec) MaxFrameSize() uint32 {
	return c.maxFrameSize
}

// Encode returns the complete frame for msg, length prefix included.
func (c *Codec) Encode(msg *transport.RawMessage) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := c.encodeTo(buf, msg); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.B...), nil
}

// WriteFrame writes msg to w as a single Write call.
func (c *Codec) WriteFrame(w io.Writer, msg *transport.RawMessage) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := c.encodeTo(buf, msg); err != nil {
		return err
	}
	if _, err := w.Write(buf.B); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Codec) encodeTo(buf *bytebufferpool.ByteBuffer, msg *transport.RawMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrFrameEmpty)
	}
	body, err := encMode.Marshal(envelope{Version: msg.ProtocolVersion, Payload: msg.Data})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if uint32(len(body)) > c.maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), c.maxFrameSize)
	}

	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	_, _ = buf.Write(prefix[:])
	_, _ = buf.Write(body)
	return nil
}

// ReadFrame reads one frame from r. ErrFrameEmpty, ErrFrameTooLarge and
// ErrFrameMalformed leave the stream positioned at the next frame; any other
// error means the stream is unusable.
func (c *Codec) ReadFrame(r io.Reader) (*transport.RawMessage, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, ErrFrameEmpty
	}
	if length > c.maxFrameSize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, c.maxFrameSize)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < int(length) {
		buf.B = make([]byte, length)
	}
	buf.B = buf.B[:length]
	if _, err := io.ReadFull(r, buf.B); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	var env envelope
	if err := decMode.Unmarshal(buf.B, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameMalformed, err)
	}
	// buf returns to the pool, so the payload must not alias it.
	return transport.NewRawMessage(0, env.Version, env.Payload), nil
}

// Recoverable reports whether a ReadFrame error left the stream usable.
func Recoverable(err error) bool {
	return errors.Is(err, ErrFrameEmpty) || errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrFrameMalformed)
}
