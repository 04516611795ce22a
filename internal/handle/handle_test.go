package handle

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileHandleFlags(t *testing.T) {
	read := newHandle(1, os.O_RDONLY)
	require.True(t, read.IsReadable())
	require.False(t, read.IsWritable())

	write := newHandle(1, os.O_WRONLY)
	require.False(t, write.IsReadable())
	require.True(t, write.IsWritable())

	rw := newHandle(1, os.O_RDWR)
	require.True(t, rw.IsReadable())
	require.True(t, rw.IsWritable())

	appendHandle := newHandle(1, os.O_WRONLY|os.O_APPEND)
	require.True(t, appendHandle.IsAppend())
}

func TestManagerOpenCloseLifecycle(t *testing.T) {
	m := NewManager()

	fh1 := m.Open(1, os.O_RDONLY)
	fh2 := m.Open(2, os.O_RDWR)

	require.True(t, m.IsValid(fh1))
	require.True(t, m.IsValid(fh2))
	require.False(t, m.IsValid(999))

	_, ok := m.Close(fh1)
	require.True(t, ok)
	require.False(t, m.IsValid(fh1))
	require.True(t, m.IsValid(fh2))
}

func TestWriteBufferAccumulatesAndClears(t *testing.T) {
	h := newHandle(1, os.O_WRONLY)
	require.False(t, h.IsDirty())

	h.Write([]byte("hello "))
	h.Write([]byte("world"))

	require.True(t, h.IsDirty())
	require.Equal(t, []byte("hello world"), h.WriteBuffer())

	h.ClearWriteBuffer()
	h.ClearDirty()

	require.False(t, h.IsDirty())
	require.Empty(t, h.WriteBuffer())
}

func TestHandlesForIno(t *testing.T) {
	m := NewManager()
	fh1 := m.Open(5, os.O_RDONLY)
	fh2 := m.Open(5, os.O_RDWR)
	fh3 := m.Open(6, os.O_RDONLY)

	ids := m.HandlesForIno(5)
	require.ElementsMatch(t, []uint64{fh1, fh2}, ids)

	ids = m.HandlesForIno(6)
	require.ElementsMatch(t, []uint64{fh3}, ids)

	require.Equal(t, 3, m.Count())
}

func TestReadPosTracksCursor(t *testing.T) {
	h := newHandle(1, os.O_RDONLY)
	require.Equal(t, int64(0), h.ReadPos())
	h.SetReadPos(42)
	require.Equal(t, int64(42), h.ReadPos())
}
