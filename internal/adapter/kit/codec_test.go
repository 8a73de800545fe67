package kit

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecFrameLayout(t *testing.T) {
	c := NewCodec(0)
	frame, err := c.Encode(transport.NewRawMessage(5, 3, []byte("hello")))
	require.NoError(t, err)

	length := binary.BigEndian.Uint32(frame[:LengthPrefixSize])
	assert.Equal(t, len(frame)-LengthPrefixSize, int(length), "prefix MUST hold the body length")

	msg, err := c.ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), msg.ProtocolVersion)
	assert.Equal(t, []byte("hello"), msg.Data)
	assert.Zero(t, msg.ConnectionKey, "the connection is assigned by the manager, not the wire")
}

func TestCodecConsecutiveFrames(t *testing.T) {
	c := NewCodec(0)
	var stream bytes.Buffer
	require.NoError(t, c.WriteFrame(&stream, transport.NewRawMessage(0, 1, []byte("one"))))
	require.NoError(t, c.WriteFrame(&stream, transport.NewRawMessage(0, 2, nil)))

	first, err := c.ReadFrame(&stream)
	require.NoError(t, err)
	second, err := c.ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, "one", string(first.Data))
	assert.Equal(t, uint32(2), second.ProtocolVersion)
	assert.Empty(t, second.Data)

	_, err = c.ReadFrame(&stream)
	assert.ErrorIs(t, err, io.EOF, "a clean end of stream MUST be reported as EOF")
}

func TestCodecRejectsOversizedMessage(t *testing.T) {
	c := NewCodec(16)
	_, err := c.Encode(transport.NewRawMessage(0, 1, bytes.Repeat([]byte{0xAA}, 64)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCodecSkipsOversizedFrame(t *testing.T) {
	// GOAL: Verify an oversized frame is skipped without losing stream alignment
	//
	// TEST SCENARIO: big frame followed by a small one → ErrFrameTooLarge (recoverable) → small frame decodes

	big := NewCodec(1024)
	small := NewCodec(32)

	var stream bytes.Buffer
	require.NoError(t, big.WriteFrame(&stream, transport.NewRawMessage(0, 1, bytes.Repeat([]byte{1}, 200))))
	require.NoError(t, big.WriteFrame(&stream, transport.NewRawMessage(0, 1, []byte("ok"))))

	_, err := small.ReadFrame(&stream)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.True(t, Recoverable(err))

	msg, err := small.ReadFrame(&stream)
	require.NoError(t, err, "stream MUST stay aligned after a skipped frame")
	assert.Equal(t, "ok", string(msg.Data))
}

func TestCodecMalformedAndBrokenFrames(t *testing.T) {
	c := NewCodec(0)

	t.Run("empty frame", func(t *testing.T) {
		_, err := c.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
		assert.ErrorIs(t, err, ErrFrameEmpty)
		assert.True(t, Recoverable(err))
	})

	t.Run("garbage body", func(t *testing.T) {
		_, err := c.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 2, 0xFF, 0xFF}))
		assert.ErrorIs(t, err, ErrFrameMalformed)
		assert.True(t, Recoverable(err))
	})

	t.Run("truncated prefix", func(t *testing.T) {
		_, err := c.ReadFrame(bytes.NewReader([]byte{0, 0}))
		assert.ErrorIs(t, err, ErrFrameTruncated)
		assert.False(t, Recoverable(err))
	})

	t.Run("truncated body", func(t *testing.T) {
		_, err := c.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 9, 0xA2}))
		assert.ErrorIs(t, err, ErrFrameTruncated)
		assert.False(t, Recoverable(err))
	})
}
