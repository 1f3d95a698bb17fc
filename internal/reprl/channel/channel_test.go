package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndClose(t *testing.T) {
	c, err := New("test")
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.Mapping(), MaxDataSize)
}

func TestFetchContentEmpty(t *testing.T) {
	c, err := New("empty")
	require.NoError(t, err)
	defer c.Close()

	got, err := c.FetchContent()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFetchContentAfterWrite(t *testing.T) {
	c, err := New("write")
	require.NoError(t, err)
	defer c.Close()

	msg := []byte("print(1)")
	copy(c.Mapping(), msg)
	n, err := c.file.Seek(int64(len(msg)), 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(msg)), n)

	got, err := c.FetchContent()
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestFetchContentClampsToMax(t *testing.T) {
	c, err := New("clamp")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.file.Seek(MaxDataSize+1024, 0)
	require.NoError(t, err)
	// Extend the apparent file size past MaxDataSize without touching the
	// mapping (Seek alone doesn't grow the file; write a byte to do that).
	_, err = c.file.Write([]byte{1})
	require.NoError(t, err)

	got, err := c.FetchContent()
	require.NoError(t, err)
	require.Len(t, got, MaxDataSize-1)
}

func TestResetLeavesMappingIntact(t *testing.T) {
	c, err := New("reset")
	require.NoError(t, err)
	defer c.Close()

	copy(c.Mapping(), []byte("hello"))
	require.NoError(t, c.Reset())
	require.Equal(t, byte('h'), c.Mapping()[0])
}
