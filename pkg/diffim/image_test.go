package diffim

import (
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvolvePlane(t *testing.T) {
	src := starField(12, 10, 1)

	t.Run("centred delta is the identity", func(t *testing.T) {
		k := NewImage[float64](3, 3)
		k.Set(1, 1, 1)
		out, err := convolvePlane(src, k, image.Pt(1, 1))
		require.NoError(t, err)
		assert.InDeltaSlice(t, src.Pix, out.Pix, 1e-9)
	})

	t.Run("offset delta shifts the image", func(t *testing.T) {
		k := NewImage[float64](3, 3)
		k.Set(2, 1, 1)
		out, err := convolvePlane(src, k, image.Pt(1, 1))
		require.NoError(t, err)
		for y := 0; y < src.Height; y++ {
			for x := 1; x < src.Width; x++ {
				assert.InDelta(t, src.At(x-1, y), out.At(x, y), 1e-9)
			}
		}
		// Reflect-101 border: column -1 reads column 1.
		assert.InDelta(t, src.At(1, 4), out.At(0, 4), 1e-9)
	})

	t.Run("box kernel sums neighbours", func(t *testing.T) {
		k := constantImage(3, 3, 1.0)
		out, err := convolvePlane(src, k, image.Pt(1, 1))
		require.NoError(t, err)
		var want float64
		for v := -1; v <= 1; v++ {
			for u := -1; u <= 1; u++ {
				want += src.At(5+u, 5+v)
			}
		}
		assert.InDelta(t, want, out.At(5, 5), 1e-9)
	})

	t.Run("origin is kept", func(t *testing.T) {
		shifted := src.Float64()
		shifted.X0, shifted.Y0 = 7, -3
		out, err := convolvePlane(shifted, gaussianKernel(3, 1), image.Pt(1, 1))
		require.NoError(t, err)
		assert.Equal(t, image.Pt(7, -3), out.Origin())
	})
}

func TestImageSubImage(t *testing.T) {
	img := starField(10, 8, 2)
	img.X0, img.Y0 = 100, 200

	sub, err := img.SubImage(image.Rect(102, 203, 106, 207))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(102, 203, 106, 207), sub.Bounds())
	assert.Equal(t, img.At(2, 3), sub.At(0, 0))
	assert.Equal(t, img.At(5, 6), sub.At(3, 3))

	_, err = img.SubImage(image.Rect(0, 0, 5, 5))
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestNewImageFromUint16(t *testing.T) {
	img, err := NewImageFromUint16[float32]([]uint16{0, 128, 255, 64}, 8, 2, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, img.At(1, 0), 1e-6)
	assert.InDelta(t, 0.25, img.At(1, 1), 1e-6)

	_, err = NewImageFromUint16[float32]([]uint16{1, 2}, 8, 2, 2)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMaskPlanes(t *testing.T) {
	m := NewMask(6, 6)
	m.X0, m.Y0 = 10, 10
	m.SetBits(image.Rect(8, 8, 12, 12), MaskSat)

	assert.Equal(t, MaskSat, m.At(0, 0))
	assert.Equal(t, MaskSat, m.At(1, 1))
	assert.Zero(t, m.At(2, 2))
	assert.Equal(t, MaskSat, m.OrBits(image.Rect(11, 11, 14, 14)))
	assert.Zero(t, m.OrBits(image.Rect(12, 12, 16, 16)))

	sub, err := m.SubMask(image.Rect(11, 11, 13, 13))
	require.NoError(t, err)
	assert.Equal(t, MaskSat, sub.At(0, 0))
	assert.Zero(t, sub.At(1, 1))

	bit, err := PlaneBit("DIFFIM_STAMP_USED")
	require.NoError(t, err)
	assert.Equal(t, MaskStampUsed, bit)
	_, err = PlaneBit("NOPE")
	require.ErrorIs(t, err, ErrUnknownPolicyOption)
}

func TestIDSourceConcurrent(t *testing.T) {
	var ids IDSource
	const n = 200
	got := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = ids.Next()
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, id := range got {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		assert.True(t, id >= 1 && id <= n)
	}
}
