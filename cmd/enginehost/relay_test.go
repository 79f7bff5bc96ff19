package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine/synthetic"
	"github.com/robmcdonald5/vec2art-sub009/internal/params"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if (x/4+y/4)%2 == 0 {
				img.Set(x, y, color.Black)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func frames(t *testing.T, reqs ...engine.Request) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	for _, r := range reqs {
		require.NoError(t, engine.WriteFrame(&buf, engine.RequestFrame(r)))
	}
	return &buf
}

func readEvents(t *testing.T, r io.Reader) []engine.Event {
	t.Helper()
	var out []engine.Event
	for {
		f, err := engine.ReadFrame(r)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		ev, err := f.Event()
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestRelayProcessesUntilCleanup(t *testing.T) {
	p := params.ToEngineParams(params.Defaults(params.BackendEdge))
	in := frames(t,
		engine.Request{Kind: engine.RequestInit, ID: 1},
		engine.Request{Kind: engine.RequestProcess, ID: 2, Params: p, Image: testPNG(t)},
		engine.Request{Kind: engine.RequestProcess, ID: 3, Params: p, Image: []byte("not an image")},
		engine.Request{Kind: engine.RequestCleanup, ID: 4},
		engine.Request{Kind: engine.RequestProcess, ID: 5, Params: p, Image: testPNG(t)},
	)
	var out bytes.Buffer
	require.NoError(t, relay(context.Background(), in, &out, synthetic.New(), zerolog.Nop()))

	final := map[engine.RequestID]engine.Event{}
	for _, ev := range readEvents(t, &out) {
		if ev.Kind != engine.EventProgress {
			final[ev.ID] = ev
		}
	}
	assert.Equal(t, engine.EventSuccess, final[1].Kind)
	require.Equal(t, engine.EventSuccess, final[2].Kind)
	assert.Contains(t, final[2].Result.SVG, "<svg")
	assert.Equal(t, engine.EventError, final[3].Kind)
	assert.NotContains(t, final, engine.RequestID(5), "frames after cleanup are not read")
}

func TestRelayStopsOnEOF(t *testing.T) {
	var out bytes.Buffer
	err := relay(context.Background(), frames(t, engine.Request{Kind: engine.RequestInit, ID: 1}), &out, synthetic.New(), zerolog.Nop())
	require.NoError(t, err)
}

func TestRelayRejectsTruncatedInput(t *testing.T) {
	in := frames(t, engine.Request{Kind: engine.RequestInit, ID: 1})
	data, _ := io.ReadAll(in)
	var out bytes.Buffer
	err := relay(context.Background(), bytes.NewReader(data[:len(data)-1]), &out, synthetic.New(), zerolog.Nop())
	assert.Error(t, err)
}
