package camera

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMarker(t *testing.T) {
	buf := []byte{0x00, 0xFF, 0xD8, 0x01}
	assert.Equal(t, 1, findMarker(buf, 0xFF, 0xD8))
	assert.Equal(t, -1, findMarker(buf, 0xFF, 0xD9))
}

func TestMJPEGReaderSplitsConcatenatedFrames(t *testing.T) {
	frame1 := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	frame2 := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}
	stream := bytes.NewReader(append(append([]byte{}, frame1...), frame2...))

	r := newMJPEGReader(stream)
	got1, err := r.next(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frame1, got1)

	got2, err := r.next(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frame2, got2)
}

func TestMJPEGReaderSkipsLeadingGarbageBeforeSOI(t *testing.T) {
	garbage := []byte{0x00, 0x11, 0x22}
	frame := []byte{0xFF, 0xD8, 0xAB, 0xFF, 0xD9}
	stream := bytes.NewReader(append(append([]byte{}, garbage...), frame...))

	r := newMJPEGReader(stream)
	got, err := r.next(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}
