package staging

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robmcdonald5/vec2art-sub009/internal/imageinfo"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 12, 9))))
	return buf.Bytes()
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Options{Inspector: imageinfo.NewInspector(0, 0)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newStore(t)
	img := pngBytes(t)

	up, err := s.Put(img)
	require.NoError(t, err)
	assert.NotEmpty(t, up.ID)
	assert.Equal(t, 12, up.Width)
	assert.Equal(t, "png", up.Format)
	assert.Equal(t, 1, s.Len())

	got, err := s.Get(up.ID)
	require.NoError(t, err)
	assert.Equal(t, img, got)

	require.NoError(t, s.Delete(up.ID))
	_, err = s.Get(up.ID)
	assert.ErrorIs(t, err, ErrUploadNotFound)
	require.NoError(t, s.Delete(up.ID), "deleting twice is fine")
}

func TestPutRejectsNonImages(t *testing.T) {
	s := newStore(t)
	_, err := s.Put([]byte("plain text"))
	assert.ErrorIs(t, err, imageinfo.ErrUnsupportedImage)
	assert.Equal(t, 0, s.Len())
}

func TestUploadCap(t *testing.T) {
	s, err := New(context.Background(), Options{MaxUploadBytes: 16})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Put(pngBytes(t))
	assert.ErrorIs(t, err, imageinfo.ErrImageTooLarge)
}
