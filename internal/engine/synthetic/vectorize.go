// Package synthetic is a pure-Go stand-in engine. It produces coarse but
// deterministic SVG so the service can run without a compiled module.
package synthetic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strconv"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/params"
)

const (
	minGrid = 16
	maxGrid = 128
)

var ErrEmptyImage = errors.New("image has no pixels")

type cell struct {
	lum float64
	rgb color.RGBA
}

// Vectorize traces img with p. progress may be nil.
func Vectorize(ctx context.Context, p params.EngineParams, img []byte, progress func(engine.Progress)) (*engine.Result, error) {
	start := time.Now()
	report := func(stage string, pct float64) {
		if progress != nil {
			progress(engine.Progress{Stage: stage, Percent: pct})
		}
	}

	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrEmptyImage
	}
	report("decode", 10)

	gw, gh := gridSize(b.Dx(), b.Dy(), p.Detail)
	small := image.NewRGBA(image.Rect(0, 0, gw, gh))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), src, b, xdraw.Src, nil)

	cells := make([][]cell, gh)
	for y := 0; y < gh; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cells[y] = make([]cell, gw)
		for x := 0; x < gw; x++ {
			c := small.RGBAAt(x, y)
			cells[y][x] = cell{lum: luminance(c), rgb: c}
		}
	}
	report("trace", 50)

	sx := float64(b.Dx()) / float64(gw)
	sy := float64(b.Dy()) / float64(gh)
	var body strings.Builder
	var stats engine.Stats
	if p.Backend == string(params.BackendDots) {
		stats = traceDots(&body, cells, p, sx, sy)
	} else {
		stats = traceRuns(&body, cells, p, sx, sy)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report("emit", 90)

	var svg strings.Builder
	fmt.Fprintf(&svg, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`, b.Dx(), b.Dy(), b.Dx(), b.Dy())
	svg.WriteString(body.String())
	svg.WriteString("</svg>")

	stats.Width, stats.Height = b.Dx(), b.Dy()
	stats.Backend = p.Backend
	stats.ProcessingMS = time.Since(start).Milliseconds()
	return &engine.Result{SVG: svg.String(), Stats: stats}, nil
}

func gridSize(w, h int, detail float64) (int, int) {
	n := minGrid + int(math.Round(detail*float64(maxGrid-minGrid)))
	if w >= h {
		gh := int(math.Max(1, math.Round(float64(n)*float64(h)/float64(w))))
		return min(n, w), min(gh, h)
	}
	gw := int(math.Max(1, math.Round(float64(n)*float64(w)/float64(h))))
	return min(gw, w), min(n, h)
}

func luminance(c color.RGBA) float64 {
	l := (0.2126*float64(c.R) + 0.7152*float64(c.G) + 0.0722*float64(c.B)) / 255
	if c.A < 255 {
		// transparent pixels read as background
		a := float64(c.A) / 255
		l = l*a + (1 - a)
	}
	return l
}

// background reports whether a cell is removed as background.
func background(c cell, p params.EngineParams) bool {
	if !p.BackgroundRemoval {
		return false
	}
	return c.lum > 1-p.BackgroundRemovalStrength*0.5
}

func isolated(cells [][]cell, x, y int, threshold float64) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			yy, xx := y+dy, x+dx
			if yy < 0 || yy >= len(cells) || xx < 0 || xx >= len(cells[yy]) {
				continue
			}
			if cells[yy][xx].lum < threshold {
				return false
			}
		}
	}
	return true
}

func threshold(p params.EngineParams) float64 {
	if p.Backend == string(params.BackendCenterline) && p.SensitivityK > 0 {
		return 0.35 + p.SensitivityK*0.3
	}
	return 0.5
}

func hex(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

// traceRuns merges horizontal runs of dark cells into rectangles.
func traceRuns(w *strings.Builder, cells [][]cell, p params.EngineParams, sx, sy float64) engine.Stats {
	var st engine.Stats
	th := threshold(p)
	fill := p.Backend != string(params.BackendSuperpixel) || p.FillRegions
	stroke := p.Backend == string(params.BackendSuperpixel) && p.StrokeRegions
	if p.Backend == string(params.BackendSuperpixel) && !fill && !stroke {
		return st
	}
	dark := func(x, y int) bool {
		c := cells[y][x]
		if c.lum >= th || background(c, p) {
			return false
		}
		return !p.NoiseFiltering || !isolated(cells, x, y, th)
	}
	for y := range cells {
		for x := 0; x < len(cells[y]); {
			if !dark(x, y) {
				x++
				continue
			}
			start := x
			var r, g, b int
			for x < len(cells[y]) && dark(x, y) {
				c := cells[y][x].rgb
				r, g, b = r+int(c.R), g+int(c.G), b+int(c.B)
				x++
			}
			n := x - start
			col := "#000000"
			if p.PreserveColors {
				col = hex(color.RGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(b / n), A: 255})
			}
			attrs := `fill="` + col + `"`
			if !fill {
				attrs = `fill="none"`
			}
			if stroke {
				attrs += ` stroke="` + col + `" stroke-width="` + num(p.StrokeWidth) + `"`
			}
			fmt.Fprintf(w, `<path d="M%s %sh%sv%sh-%sZ" %s/>`,
				num(float64(start)*sx), num(float64(y)*sy), num(float64(n)*sx), num(sy), num(float64(n)*sx), attrs)
			st.Paths++
			st.Points += 4
		}
	}
	return st
}

// traceDots places one circle per kept cell, sized by darkness.
func traceDots(w *strings.Builder, cells [][]cell, p params.EngineParams, sx, sy float64) engine.Stats {
	var st engine.Stats
	minR, maxR := p.MinRadius, p.MaxRadius
	if maxR <= minR {
		maxR = minR + 0.5
	}
	for y := range cells {
		for x, c := range cells[y] {
			if background(c, p) || c.lum > 0.95 {
				continue
			}
			if keep := float64((x*73856093^y*19349663)&1023) / 1024; keep >= p.DotDensity {
				continue
			}
			r := (minR + maxR) / 2
			if p.AdaptiveSizing {
				r = minR + (1-c.lum)*(maxR-minR)
			}
			col := "#000000"
			if p.PreserveColors {
				col = hex(c.rgb)
			}
			fmt.Fprintf(w, `<circle cx="%s" cy="%s" r="%s" fill="%s"/>`,
				num((float64(x)+0.5)*sx), num((float64(y)+0.5)*sy), num(r), col)
			st.Paths++
			st.Points++
		}
	}
	return st
}
