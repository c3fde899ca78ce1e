package ipc

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/relay/pkg/types"
)

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("first"), 64))
	require.NoError(t, writeFrame(&buf, []byte{}, 64))
	require.NoError(t, writeFrame(&buf, []byte("second"), 64))

	for _, want := range []string{"first", "", "second"} {
		got, err := readFrame(&buf, 64)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := readFrame(&buf, 64)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, make([]byte, 65), 64)
	assert.True(t, types.IsErrCode(err, types.ErrCodeResourceExhausted))
	assert.Zero(t, buf.Len())

	require.NoError(t, writeFrame(&buf, make([]byte, 32), 64))
	_, err = readFrame(&buf, 16)
	assert.True(t, types.IsErrCode(err, types.ErrCodeResourceExhausted))
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("payload"), 64))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	_, err := readFrame(truncated, 64)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
