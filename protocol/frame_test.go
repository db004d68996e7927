package protocol

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	assert.Equal(t, byte(0), Checksum(nil))
	assert.Equal(t, byte(0x41), Checksum([]byte{0x41}))
	assert.Equal(t, byte(0x41^0x42^0x43), Checksum([]byte("ABC")))

	// XOR is its own inverse: appending the BCC zeroes the sum.
	data := []byte{STX, 'G', '0', '1', '\r', '\n', ETB}
	assert.Equal(t, byte(0), Checksum(append(data, Checksum(data))))
}

func TestBuildBlock(t *testing.T) {
	line := []byte("L X+10 R0 F MAX\r\n")
	blk := BuildBlock(line)

	require.Len(t, blk, len(line)+3)
	assert.Equal(t, STX, blk[0])
	assert.Equal(t, line, blk[1:len(blk)-2])
	assert.Equal(t, ETB, blk[len(blk)-2])
	assert.Equal(t, Checksum(blk[:len(blk)-1]), blk[len(blk)-1])
}

func TestBuildBlock_DoesNotAliasInput(t *testing.T) {
	line := []byte("0 BEGIN PGM 1 MM\r\n")
	blk := BuildBlock(line)
	blk[1] = 'X'
	assert.Equal(t, byte('0'), line[0])
}

func TestParseHeader_Success(t *testing.T) {
	frame := BuildHeader('H', "PART42", 'E')

	hdr, err := ParseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, byte('H'), hdr.Code1)
	assert.Equal(t, "PART42", hdr.Name)
	assert.Equal(t, byte('E'), hdr.Code2)
	assert.False(t, hdr.TrailingXON)
}

func TestParseHeader_TrailingDC1(t *testing.T) {
	frame := append(BuildHeader('H', "1", 'E'), DC1)

	hdr, err := ParseHeader(frame)
	require.NoError(t, err)
	assert.True(t, hdr.TrailingXON)
	assert.Equal(t, "1", hdr.Name)
}

func TestParseHeader_EmptyName(t *testing.T) {
	hdr, err := ParseHeader(BuildHeader('H', "", 'E'))
	require.NoError(t, err)
	assert.Empty(t, hdr.Name)
}

func TestParseHeader_ChecksumEqualsControlByte(t *testing.T) {
	// Search for names whose BCC collides with ETB or DC1; the first ETB
	// still delimits the header.
	for _, target := range []byte{ETB, DC1} {
		found := false
		for c := byte('0'); c <= 'z'; c++ {
			frame := BuildHeader('H', string([]byte{c}), 'E')
			if frame[len(frame)-1] != target {
				continue
			}
			found = true

			hdr, err := ParseHeader(frame)
			require.NoError(t, err)
			assert.False(t, hdr.TrailingXON)

			hdr, err = ParseHeader(append(frame, DC1))
			require.NoError(t, err)
			assert.True(t, hdr.TrailingXON)
		}
		require.True(t, found, "no name produced BCC 0x%02X", target)
	}
}

func TestParseHeader_Malformed(t *testing.T) {
	valid := BuildHeader('H', "ABC", 'E')

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrMalformedHeader},
		{"too short", []byte{SOH, 'H', ETB}, ErrMalformedHeader},
		{"no SOH", append([]byte{STX}, valid[1:]...), ErrMalformedHeader},
		{"no ETB", []byte{SOH, 'H', 'A', 'E', 'X', 0x00}, ErrMalformedHeader},
		{"garbage after BCC", append(append([]byte{}, valid...), 'Z'), ErrMalformedHeader},
		{"bad BCC", append(append([]byte{}, valid[:len(valid)-1]...), valid[len(valid)-1]^0xFF), ErrChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(tt.frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestParseHeader_SingleBitFlipRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		name := make([]byte, rng.Intn(12))
		for j := range name {
			name[j] = byte('0' + rng.Intn(43))
		}

		frame := BuildHeader('H', string(name), 'E')
		_, err := ParseHeader(frame)
		require.NoError(t, err)

		for pos := range frame {
			for bit := 0; bit < 8; bit++ {
				flipped := append([]byte{}, frame...)
				flipped[pos] ^= 1 << bit

				_, err := ParseHeader(flipped)
				assert.Error(t, err, "name=%q pos=%d bit=%d accepted", name, pos, bit)
			}
		}
	}
}

func TestParseHeader_NeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		buf := make([]byte, rng.Intn(16))
		rng.Read(buf)
		if len(buf) > 0 && rng.Intn(2) == 0 {
			buf[0] = SOH
		}
		assert.NotPanics(t, func() { _, _ = ParseHeader(buf) })
	}
}

func TestEncodeLine(t *testing.T) {
	assert.Equal(t, []byte("G01 X1\r\n"), EncodeLine([]byte("G01 X1\r\n"), CRLF))
	assert.Equal(t, []byte("G01 X1\r\n"), EncodeLine([]byte("G01 X1\n"), CRLF))
	assert.Equal(t, []byte("G01 X1\r\n"), EncodeLine([]byte("G01 X1"), CRLF))
	assert.Equal(t, []byte("\r\n"), EncodeLine(nil, CRLF))
	assert.Equal(t, []byte("N10\n"), EncodeLine([]byte("N10\r\n"), "\n"))
	// Non-ASCII bytes are dropped.
	assert.Equal(t, []byte("X1.5\r\n"), EncodeLine([]byte("X1.5\xc2\xb0\n"), CRLF))
}
