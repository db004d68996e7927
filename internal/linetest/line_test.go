package linetest

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dnc/protocol"
)

func TestLine_ReadTimeoutAndInject(t *testing.T) {
	l := New()
	require.NoError(t, l.SetReadTimeout(20*time.Millisecond))

	buf := make([]byte, 8)
	start := time.Now()
	n, err := l.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	l.Inject(1, 2, 3)
	n, err = l.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])

	go func() {
		time.Sleep(5 * time.Millisecond)
		l.Inject(9)
	}()
	require.NoError(t, l.SetReadTimeout(time.Second))
	n, err = l.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, buf[:n])

	require.NoError(t, l.Close())
	assert.True(t, l.Closed())
	_, err = l.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = l.Write([]byte{1})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestLine_WriteRecordsAndWaits(t *testing.T) {
	l := New()

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = l.Write([]byte("ab"))
		_, _ = l.Write([]byte("c"))
	}()

	ok := l.WaitWritten(time.Second, func(w []byte) bool { return string(w) == "abc" })
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("ab"), []byte("c")}, l.Writes())

	assert.False(t, l.WaitWritten(10*time.Millisecond, func(w []byte) bool { return len(w) > 3 }))

	l.FailWrites(io.ErrShortWrite)
	_, err := l.Write([]byte("d"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, "abc", string(l.Written()))
}

func TestDripController(t *testing.T) {
	l := New()
	c := NewDripController(l, NakFirst(1), true)

	c.SendHeader(l, "P1", true)
	buf := make([]byte, 32)
	n, err := l.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, append(protocol.BuildHeader('H', "P1", 'E'), protocol.DC1), buf[:n])

	blk := protocol.BuildBlock([]byte("L X1\r\n"))
	_, _ = l.Write(blk)
	n, _ = l.Read(buf)
	assert.Equal(t, []byte{protocol.NAK}, buf[:n])

	_, _ = l.Write(blk)
	n, _ = l.Read(buf)
	assert.Equal(t, []byte{protocol.ACK}, buf[:n])
	assert.Equal(t, [][]byte{blk}, c.Frames())

	_, _ = l.Write([]byte{protocol.ETX})
	n, _ = l.Read(buf)
	assert.Equal(t, []byte{protocol.EOT}, buf[:n])
}
