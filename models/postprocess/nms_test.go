package postprocess

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/images"
)

func newTestFilter(t *testing.T, mutate func(*NMSConfig)) *Filter {
	t.Helper()
	config := DefaultNMSConfig()
	config.NumWorkers = 2
	if mutate != nil {
		mutate(&config)
	}
	f, err := NewFilter(config, nil)
	require.NoError(t, err)
	return f
}

func detection(cx, cy, w, h, obj, conf float32, class int) Detection {
	return Detection{
		Box:             images.Center{X: cx, Y: cy, W: w, H: h}.Rect(),
		Objectness:      obj,
		ClassConfidence: conf,
		Class:           class,
	}
}

// TestApplyGreedyNMS verifies same-class suppression keeps the most confident box.
func TestApplyGreedyNMS(t *testing.T) {
	a := detection(50, 50, 20, 20, 0.9, 0.9, 0)
	b := detection(52, 50, 20, 20, 0.8, 0.9, 0) // IoU with a = 360 / 440
	c := detection(200, 200, 20, 20, 0.7, 0.9, 0)

	kept := ApplyGreedyNMS([]Detection{a, b, c}, 0.4)
	assert.Equal(t, []Detection{a, c}, kept)

	assert.Nil(t, ApplyGreedyNMS(nil, 0.4))
}

// TestApplyGreedyNMS_ThresholdIsInclusive verifies a box overlapping exactly at the
// threshold is suppressed.
func TestApplyGreedyNMS_ThresholdIsInclusive(t *testing.T) {
	a := detection(50, 50, 20, 20, 0.9, 0.9, 0)
	b := detection(60, 50, 20, 20, 0.8, 0.9, 0)
	iou := images.CalculateIoU(a.Box, b.Box)

	assert.Equal(t, []Detection{a}, ApplyGreedyNMS([]Detection{a, b}, iou))
	assert.Len(t, ApplyGreedyNMS([]Detection{a, b}, iou+1e-4), 2)
}

// TestApplyClassNMS verifies classes never suppress each other in the class-wise pass.
func TestApplyClassNMS(t *testing.T) {
	a := detection(50, 50, 20, 20, 0.8, 0.9, 1)
	b := detection(50, 50, 20, 20, 0.9, 0.6, 1)
	c := detection(50, 50, 20, 20, 0.7, 0.6, 0)

	kept := ApplyClassNMS([]Detection{a, b, c}, 0.4)
	// Class 0 first, then class 1 where b has the higher objectness.
	assert.Equal(t, []Detection{c, b}, kept)
}

// TestSuppressCrossClass_Scenario verifies a lower confidence detection of another
// class on the same object is removed.
func TestSuppressCrossClass_Scenario(t *testing.T) {
	low := detection(100, 100, 50, 50, 0.95, 0.7, 1)
	high := detection(105, 100, 50, 50, 0.9, 0.9, 0) // IoU = 2250 / 2750

	f := newTestFilter(t, nil)
	kept := f.Suppress([]Detection{low, high})
	assert.Equal(t, []Detection{high}, kept)
}

// TestSuppressCrossClass_Radius verifies boxes whose centers are too far apart are
// never compared, no matter how much they overlap.
func TestSuppressCrossClass_Radius(t *testing.T) {
	a := detection(100, 100, 200, 200, 0.9, 0.9, 0)
	b := detection(140, 100, 200, 200, 0.9, 0.8, 1) // IoU 0.667, dx = 40

	kept := SuppressCrossClass([]Detection{a, b}, 30, 0.5)
	assert.Len(t, kept, 2)

	kept = SuppressCrossClass([]Detection{a, b}, 50, 0.5)
	assert.Equal(t, []Detection{a}, kept)
}

// TestSuppressCrossClass_ShrinkingList verifies a removed detection does not
// suppress anything itself.
func TestSuppressCrossClass_ShrinkingList(t *testing.T) {
	a := detection(50, 50, 100, 100, 0.9, 0.9, 0)
	b := detection(70, 50, 100, 100, 0.9, 0.8, 1) // overlaps a and c by 0.667
	c := detection(90, 50, 100, 100, 0.9, 0.7, 2) // 40 px from a

	kept := SuppressCrossClass([]Detection{c, b, a}, 30, 0.5)
	assert.Equal(t, []Detection{a, c}, kept)
}

// TestSuppressCrossClass_MatchesPairwise verifies the spatial index finds exactly the
// pairs a full pairwise scan would, including far from the origin where float32
// rounding is coarse.
func TestSuppressCrossClass_MatchesPairwise(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	offsets := []float32{0, 1e4, 1e6, 3e7}

	for i := 0; i < 400; i++ {
		origin := offsets[i%len(offsets)]
		radius := 5 + rng.Float32()*40
		n := 2 + rng.Intn(40)
		dets := make([]Detection, n)
		for k := range dets {
			dets[k] = detection(origin+rng.Float32()*120, origin+rng.Float32()*120,
				10+rng.Float32()*60, 10+rng.Float32()*60, 0.9, rng.Float32(), rng.Intn(4))
		}

		require.Equal(t, suppressPairwise(dets, radius, 0.5), SuppressCrossClass(dets, radius, 0.5), "case %d", i)
	}
}

// TestSuppressCrossClass_RadiusEdge verifies a neighbour just inside the radius at a
// large coordinate is still compared.
func TestSuppressCrossClass_RadiusEdge(t *testing.T) {
	const origin = 1 << 24
	a := detection(origin, origin, 200, 200, 0.9, 0.9, 0)
	b := detection(origin-28, origin, 200, 200, 0.9, 0.8, 1) // float32 spacing here is 2

	kept := SuppressCrossClass([]Detection{a, b}, 30, 0.5)
	assert.Equal(t, suppressPairwise([]Detection{a, b}, 30, 0.5), kept)
	assert.Equal(t, []Detection{a}, kept)
}

// suppressPairwise is the cross-class pass without a spatial index.
func suppressPairwise(detections []Detection, radius, iouThreshold float32) []Detection {
	if len(detections) == 0 {
		return nil
	}
	ranked := append([]Detection(nil), detections...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ClassConfidence > ranked[j].ClassConfidence
	})

	removed := make([]bool, len(ranked))
	for i := range ranked {
		if removed[i] {
			continue
		}
		ci := ranked[i].Box.Center()
		for j := i + 1; j < len(ranked); j++ {
			if removed[j] {
				continue
			}
			cj := ranked[j].Box.Center()
			if math32.Abs(ci.X-cj.X) >= radius || math32.Abs(ci.Y-cj.Y) >= radius {
				continue
			}
			if images.CalculateIoU(ranked[i].Box, ranked[j].Box) > iouThreshold {
				removed[j] = true
			}
		}
	}

	kept := make([]Detection, 0, len(ranked))
	for i, d := range ranked {
		if !removed[i] {
			kept = append(kept, d)
		}
	}
	return kept
}

// TestFilter_Run verifies the full pipeline over a batch tensor.
func TestFilter_Run(t *testing.T) {
	// Rows are (cx, cy, w, h, objectness, class0, class1).
	data := []float32{
		// Image 0: two overlapping class 0 boxes and one distant class 1 box.
		50, 50, 20, 20, 0.9, 0.8, 0.2,
		52, 50, 20, 20, 0.8, 0.7, 0.3,
		300, 300, 40, 40, 0.6, 0.1, 0.6,
		// Image 1: nothing above the threshold; 0.5 itself is excluded.
		50, 50, 20, 20, 0.5, 0.8, 0.2,
		60, 60, 20, 20, 0.1, 0.8, 0.2,
		70, 70, 20, 20, 0.0, 0.8, 0.2,
	}
	predictions := tensor.New(tensor.WithShape(2, 3, 7), tensor.WithBacking(data))

	f := newTestFilter(t, func(c *NMSConfig) { c.NumClasses = 2 })
	out, err := f.Run(predictions)
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.Len(t, out[0], 2)
	assert.Equal(t, 0, out[0][0].Class)
	assert.InDelta(t, 0.8, out[0][0].ClassConfidence, 1e-6)
	assert.InDelta(t, 0.9, out[0][0].Objectness, 1e-6)
	assert.Equal(t, images.Rect{X1: 40, Y1: 40, X2: 60, Y2: 60}, out[0][0].Box)
	assert.Equal(t, 1, out[0][1].Class)

	assert.Nil(t, out[1], "an image with no surviving predictions has no detections")
}

// TestFilter_Deterministic verifies repeated runs give identical output.
func TestFilter_Deterministic(t *testing.T) {
	rows := randomRows(rand.New(rand.NewSource(3)), 300, 4)
	f := newTestFilter(t, nil)

	first, err := f.FilterImage(rows)
	require.NoError(t, err)
	second, err := f.FilterImage(rows)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// TestFilter_Idempotent verifies filtering the output again removes nothing.
func TestFilter_Idempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	f := newTestFilter(t, nil)

	for i := 0; i < 20; i++ {
		out, err := f.FilterImage(randomRows(rng, 200, 3))
		require.NoError(t, err)
		again := f.Suppress(out)
		assert.ElementsMatch(t, out, again)
	}
}

// TestFilter_ShapeErrors verifies malformed predictions fail fast.
func TestFilter_ShapeErrors(t *testing.T) {
	f := newTestFilter(t, func(c *NMSConfig) { c.NumClasses = 3 })

	_, err := f.Run(tensor.New(tensor.WithShape(1, 2, 7), tensor.Of(tensor.Float32)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrShapeMismatch))

	_, err = f.Run(tensor.New(tensor.WithShape(2, 8), tensor.Of(tensor.Float32)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrShapeMismatch))

	_, err = f.FilterImage([][]float32{make([]float32, 8), make([]float32, 7)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrShapeMismatch))

	_, err = f.Run(nil)
	require.Error(t, err)
}

// TestNMSConfig_Validate verifies out-of-range thresholds are rejected before any work.
func TestNMSConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NMSConfig)
	}{
		{"negative confidence", func(c *NMSConfig) { c.ConfidenceThreshold = -0.1 }},
		{"iou above one", func(c *NMSConfig) { c.IoUThreshold = 1.5 }},
		{"negative cross-class iou", func(c *NMSConfig) { c.CrossClassIoUThreshold = -1 }},
		{"negative radius", func(c *NMSConfig) { c.CrossClassRadius = -30 }},
		{"negative classes", func(c *NMSConfig) { c.NumClasses = -1 }},
		{"negative workers", func(c *NMSConfig) { c.NumWorkers = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultNMSConfig()
			tt.mutate(&config)
			_, err := NewFilter(config, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrInvalidConfig))
		})
	}

	require.NoError(t, DefaultNMSConfig().Validate())
}

// TestDetectionString verifies the log format.
func TestDetectionString(t *testing.T) {
	d := Detection{Box: images.Rect{X1: 100, Y1: 100, X2: 200, Y2: 300}, Objectness: 0.95, ClassConfidence: 0.8, Class: 2}
	assert.Equal(t, "Object 2 (objectness 0.950000, class 0.800000): (100.00, 100.00), (200.00, 300.00)", d.String())
}

// BenchmarkFilterImage measures both suppression passes over a dense image.
func BenchmarkFilterImage(b *testing.B) {
	rows := randomRows(rand.New(rand.NewSource(1)), 2000, 80)
	config := DefaultNMSConfig()
	f, err := NewFilter(config, nil)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := f.FilterImage(rows); err != nil {
			b.Fatal(err)
		}
	}
}

// randomRows generates clustered raw predictions on a 416x416 image.
func randomRows(rng *rand.Rand, n, nC int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		row := make([]float32, boxFields+nC)
		row[0] = rng.Float32() * 416
		row[1] = rng.Float32() * 416
		row[2] = 10 + rng.Float32()*80
		row[3] = 10 + rng.Float32()*80
		row[4] = rng.Float32()
		for c := 0; c < nC; c++ {
			row[boxFields+c] = rng.Float32()
		}
		rows[i] = row
	}
	return rows
}
