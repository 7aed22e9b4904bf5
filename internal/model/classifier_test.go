package model

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	out     []float32
	err     error
	lastLen atomic.Int64
	closed  atomic.Bool
}

func (m *fakeModel) Run(input []float32) ([]float32, error) {
	m.lastLen.Store(int64(len(input)))
	if m.err != nil {
		return nil, m.err
	}
	return append([]float32(nil), m.out...), nil
}

func (m *fakeModel) Close() { m.closed.Store(true) }

func writePNG(t *testing.T, dir string, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(dir, "leaf.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestPostprocess(t *testing.T) {
	res, err := Postprocess([]float32{0.1, 0.6, 0.2, 0.1}, DefaultClasses)
	require.NoError(t, err)
	assert.Equal(t, "Blast", res.Label)
	assert.Equal(t, 1, res.Index)
	assert.InDelta(t, 0.6, res.Confidence, 1e-6)
	assert.Len(t, res.Probs, 4)

	sum := 0.0
	for _, p := range res.Probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestPostprocessTiesPickFirst(t *testing.T) {
	res, err := Postprocess([]float32{0.1, 0.4, 0.4, 0.1}, DefaultClasses)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, "Blast", res.Label)
}

func TestPostprocessFallbackLabel(t *testing.T) {
	res, err := Postprocess([]float32{0.1, 0.1, 0.1, 0.1, 0.6}, DefaultClasses)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Index)
	assert.Equal(t, "class_4", res.Label)
	assert.Len(t, res.Probs, 5)
}

func TestPostprocessNonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	for _, out := range [][]float32{
		{nan, 0.2, 0.7, 0.1},
		{0.1, 0.2, nan, 0.7},
		{0.1, inf, 0.2, 0.7},
		{0.1, 0.2, 0.7, -inf},
	} {
		res, err := Postprocess(out, DefaultClasses)
		assert.Error(t, err)
		assert.Nil(t, res)
	}
}

func TestPostprocessEmpty(t *testing.T) {
	_, err := Postprocess(nil, DefaultClasses)
	assert.Error(t, err)
}

func TestPreprocessNHWC(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 51, B: 0, A: 255})
		}
	}

	data := Preprocess(img, 4, LayoutNHWC)
	require.Len(t, data, 4*4*3)
	for i := 0; i < len(data); i += 3 {
		assert.InDelta(t, 1.0, data[i], 1e-6)
		assert.InDelta(t, 0.2, data[i+1], 1e-6)
		assert.InDelta(t, 0.0, data[i+2], 1e-6)
	}
}

func TestPreprocessNCHW(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 0, G: 255, B: 102, A: 255})
		}
	}

	data := Preprocess(img, 2, LayoutNCHW)
	require.Len(t, data, 3*2*2)
	assert.Equal(t, []float32{0, 0, 0, 0}, data[0:4])
	for _, v := range data[4:8] {
		assert.InDelta(t, 1.0, v, 1e-6)
	}
	for _, v := range data[8:12] {
		assert.InDelta(t, 0.4, v, 1e-6)
	}
}

func TestPreprocessRangeAndGray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 33, 17))
	for y := 0; y < 17; y++ {
		for x := 0; x < 33; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x * 7) + y)})
		}
	}
	data := Preprocess(img, 150, LayoutNHWC)
	require.Len(t, data, 150*150*3)
	for i, v := range data {
		require.False(t, math.IsNaN(float64(v)))
		require.GreaterOrEqual(t, v, float32(0), i)
		require.LessOrEqual(t, v, float32(1), i)
	}
	// gray replicates into all three channels
	assert.Equal(t, data[0], data[1])
	assert.Equal(t, data[1], data[2])
}

func TestPreprocessPointSamples(t *testing.T) {
	checker := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			v := uint8(0)
			if (x+y)%2 == 1 {
				v = 255
			}
			checker.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	for i, v := range Preprocess(checker, 2, LayoutNHWC) {
		assert.True(t, v == 0 || v == 1, "value %d is %v, want 0 or 1", i, v)
	}

	// every output pixel copies source pixel floor((x+0.5)*W/size)
	src := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(40 * y), B: 7, A: 255})
		}
	}
	data := Preprocess(src, 3, LayoutNHWC)
	require.Len(t, data, 3*3*3)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			sx, sy := 2*x+1, 2*y+1
			i := 3 * (y*3 + x)
			assert.Equal(t, float32(40*sx)/255.0, data[i], "R at %d,%d", x, y)
			assert.Equal(t, float32(40*sy)/255.0, data[i+1], "G at %d,%d", x, y)
			assert.Equal(t, float32(7)/255.0, data[i+2], "B at %d,%d", x, y)
		}
	}
}

func TestPreprocessIgnoresAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 102, B: 51, A: 10})
		}
	}
	data := Preprocess(img, 2, LayoutNHWC)
	assert.Equal(t, []float32{1, 0.4, 0.2}, data[0:3])
}

func TestLoaderLoadsOnce(t *testing.T) {
	var calls atomic.Int32
	m := &fakeModel{}
	l := NewLoader(func() (Model, error) {
		calls.Add(1)
		return m, nil
	})

	const n = 64
	got := make([]Model, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mm, err := l.Get()
			assert.NoError(t, err)
			got[i] = mm
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, mm := range got {
		assert.Same(t, m, mm)
	}

	l.Close()
	assert.True(t, m.closed.Load())
}

func TestLoaderKeepsLoadError(t *testing.T) {
	var calls atomic.Int32
	loadErr := errors.New("no such model")
	l := NewLoader(func() (Model, error) {
		calls.Add(1)
		return nil, loadErr
	})

	for i := 0; i < 3; i++ {
		_, err := l.Get()
		assert.ErrorIs(t, err, loadErr)
	}
	assert.Equal(t, int32(1), calls.Load())
	l.Close()
}

func TestLoaderClosedBeforeUse(t *testing.T) {
	l := NewLoader(func() (Model, error) {
		t.Fatal("load must not run after Close")
		return nil, nil
	})
	l.Close()
	_, err := l.Get()
	assert.ErrorIs(t, err, ErrLoaderClosed)
}

func TestClassifyFile(t *testing.T) {
	m := &fakeModel{out: []float32{0.05, 0.05, 0.8, 0.1}}
	c := NewClassifier(NewLoader(func() (Model, error) { return m, nil }),
		Metadata{Classes: DefaultClasses, Layout: LayoutNHWC}, 150)

	path := writePNG(t, t.TempDir(), 40, 30, color.RGBA{G: 200, A: 255})
	res, err := c.ClassifyFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Brown Spot", res.Label)
	assert.Equal(t, 2, res.Index)
	assert.InDelta(t, 0.8, res.Confidence, 1e-6)
	assert.Equal(t, int64(1*150*150*3), m.lastLen.Load())
}

func TestClassifyFileErrors(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("not an image"), 0o644))
	valid := writePNG(t, dir, 4, 4, color.White)

	meta := Metadata{Classes: DefaultClasses, Layout: LayoutNHWC}

	t.Run("corrupt image", func(t *testing.T) {
		c := NewClassifier(NewLoader(func() (Model, error) { return &fakeModel{out: []float32{1}}, nil }), meta, 8)
		_, err := c.ClassifyFile(corrupt)
		var ie *InferenceError
		require.ErrorAs(t, err, &ie)
		assert.Contains(t, err.Error(), "decode")
	})

	t.Run("backend failure", func(t *testing.T) {
		backendErr := errors.New("shape mismatch: expected [1,224,224,3]")
		c := NewClassifier(NewLoader(func() (Model, error) { return &fakeModel{err: backendErr}, nil }), meta, 8)
		_, err := c.ClassifyFile(valid)
		var ie *InferenceError
		require.ErrorAs(t, err, &ie)
		assert.ErrorIs(t, err, backendErr)
		assert.Equal(t, backendErr.Error(), err.Error())
	})

	t.Run("non-finite output", func(t *testing.T) {
		out := []float32{float32(math.NaN()), 0.2, 0.7, 0.1}
		c := NewClassifier(NewLoader(func() (Model, error) { return &fakeModel{out: out}, nil }), meta, 8)
		_, err := c.ClassifyFile(valid)
		var ie *InferenceError
		require.ErrorAs(t, err, &ie)
		assert.Contains(t, err.Error(), "non-finite")
	})

	t.Run("load failure", func(t *testing.T) {
		c := NewClassifier(NewLoader(func() (Model, error) { return nil, errors.New("missing model file") }), meta, 8)
		_, err := c.ClassifyFile(valid)
		var ie *InferenceError
		require.ErrorAs(t, err, &ie)
		assert.Contains(t, err.Error(), "missing model file")
	})
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()

	meta, err := LoadMetadata(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultClasses, meta.Classes)
	assert.Equal(t, "input", meta.InputName)
	assert.Equal(t, "output", meta.OutputName)
	assert.Equal(t, LayoutNHWC, meta.Layout)
	assert.Equal(t, []int64{1, 4}, meta.OutputShape)

	path := filepath.Join(dir, "meta.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"classes":["a","b"],"layout":"NCHW","input_name":"x"}`), 0o644))
	meta, err = LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, meta.Classes)
	assert.Equal(t, "x", meta.InputName)
	assert.Equal(t, LayoutNCHW, meta.Layout)
	assert.Equal(t, []int64{1, 2}, meta.OutputShape)
	assert.Equal(t, []int64{1, 3, 150, 150}, InputShape(150, meta.Layout))

	require.NoError(t, os.WriteFile(path, []byte(`{"layout":"HWC"}`), 0o644))
	_, err = LoadMetadata(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err = LoadMetadata(path)
	assert.Error(t, err)
}
