package ensemble

import (
	"bytes"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-ensemble/geometry"
	"github.com/nvr-ai/go-ensemble/postprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(x, y, w, h float64, class int, conf float64) geometry.Box {
	return geometry.Box{CenterX: x, CenterY: y, Width: w, Height: h, Class: class, Confidence: conf}
}

// TestEnsemble_TwoDetectorsAgree checks the basic fusion of two slightly shifted boxes.
func TestEnsemble_TwoDetectorsAgree(t *testing.T) {
	sets := []geometry.DetectionSet{
		{box(0, 0, 2, 2, 1, 0.9)},
		{box(0.1, 0.1, 2, 2, 1, 0.8)},
	}

	fused, err := Ensemble(sets, DefaultIoUThreshold)
	require.NoError(t, err)
	require.Len(t, fused, 1)

	assert.Equal(t, 1, fused[0].Class)
	assert.InDelta(t, 0.05, fused[0].CenterX, 1e-12)
	assert.InDelta(t, 0.05, fused[0].CenterY, 1e-12)
	assert.InDelta(t, 2.0, fused[0].Width, 1e-12)
	assert.InDelta(t, 2.0, fused[0].Height, 1e-12)
	assert.InDelta(t, 0.85, fused[0].Confidence, 1e-12)
}

func TestEnsemble_IdenticalGeometry(t *testing.T) {
	sets := []geometry.DetectionSet{
		{box(10, 20, 4, 6, 3, 0.6)},
		{box(10, 20, 4, 6, 3, 0.4)},
	}

	fused, err := Ensemble(sets, 0.5)
	require.NoError(t, err)
	require.Len(t, fused, 1)
	assert.Equal(t, box(10, 20, 4, 6, 3, 0.5), fused[0])
}

func TestEnsemble_SingleDetectorIsUnchanged(t *testing.T) {
	set := geometry.DetectionSet{
		box(1, 1, 2, 2, 0, 0.3),
		box(1, 1, 2, 2, 0, 0.7),
		box(50, 50, 10, 10, 4, 1),
		box(7.25, 3.5, 0, 0, 2, 0),
	}

	fused, err := Ensemble([]geometry.DetectionSet{set}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []geometry.Box(set), fused)
}

func TestEnsemble_SingletonConfidenceDividedByDetectors(t *testing.T) {
	sets := []geometry.DetectionSet{
		{box(0, 0, 2, 2, 1, 0.9)},
		{box(100, 100, 2, 2, 1, 0.6)},
		{},
	}

	result, err := Run(sets, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, result.Boxes, 2)
	assert.Equal(t, 3, result.Detectors)

	assert.InDelta(t, 0.3, result.Boxes[0].Confidence, 1e-12)
	assert.InDelta(t, 0.2, result.Boxes[1].Confidence, 1e-12)
	assert.Equal(t, 0.0, result.Boxes[0].CenterX)
	assert.Equal(t, 100.0, result.Boxes[1].CenterX)
}

func TestEnsemble_PartialMatchIsPenalized(t *testing.T) {
	sets := []geometry.DetectionSet{
		{box(5, 5, 4, 4, 2, 0.9)},
		{box(5, 5, 4, 4, 2, 0.9)},
		{box(40, 40, 4, 4, 2, 0.9)},
	}

	fused, err := Ensemble(sets, 0.5)
	require.NoError(t, err)
	require.Len(t, fused, 2)
	assert.InDelta(t, 0.6, fused[0].Confidence, 1e-12)
	assert.InDelta(t, 0.3, fused[1].Confidence, 1e-12)
}

func TestEnsemble_ClassMustMatch(t *testing.T) {
	sets := []geometry.DetectionSet{
		{box(0, 0, 2, 2, 1, 0.8)},
		{box(0, 0, 2, 2, 2, 0.8)},
	}

	fused, err := Ensemble(sets, 0.5)
	require.NoError(t, err)
	require.Len(t, fused, 2)
	assert.Equal(t, 1, fused[0].Class)
	assert.Equal(t, 2, fused[1].Class)
	assert.InDelta(t, 0.4, fused[0].Confidence, 1e-12)
}

func TestEnsemble_ThresholdIsStrict(t *testing.T) {
	// IoU of these two boxes is exactly 0.5.
	sets := []geometry.DetectionSet{
		{box(1, 0.5, 2, 1, 0, 1)},
		{box(0.5, 0.5, 1, 1, 0, 1)},
	}
	require.Equal(t, 0.5, geometry.CalculateIoU(sets[0][0], sets[1][0]))

	fused, err := Ensemble(sets, 0.5)
	require.NoError(t, err)
	assert.Len(t, fused, 2)

	fused, err = Ensemble(sets, 0.49)
	require.NoError(t, err)
	assert.Len(t, fused, 1)
}

func TestEnsemble_PicksHighestIoU(t *testing.T) {
	anchor := box(10, 10, 10, 10, 0, 0.9)
	sets := []geometry.DetectionSet{
		{anchor},
		{
			box(11, 11, 10, 10, 0, 0.5),
			box(10.5, 10, 10, 10, 0, 0.7),
		},
	}

	result, err := Run(sets, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, result.Groups, 2)
	assert.Equal(t, []Member{{Detector: 0, Index: 0}, {Detector: 1, Index: 1}}, result.Groups[0].Members)
	assert.Equal(t, []Member{{Detector: 1, Index: 0}}, result.Groups[1].Members)
	assert.InDelta(t, 0.8, result.Boxes[0].Confidence, 1e-12)
	assert.InDelta(t, 0.25, result.Boxes[1].Confidence, 1e-12)
}

func TestEnsemble_ExactTieKeepsFirst(t *testing.T) {
	sets := []geometry.DetectionSet{
		{box(10, 10, 10, 10, 0, 0.9)},
		{
			box(11, 10, 10, 10, 0, 0.2),
			box(9, 10, 10, 10, 0, 0.4),
		},
	}
	require.Equal(t,
		geometry.CalculateIoU(sets[0][0], sets[1][0]),
		geometry.CalculateIoU(sets[0][0], sets[1][1]))

	for _, spatial := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.SpatialIndex = spatial
		result, err := Run(sets, cfg)
		require.NoError(t, err)
		assert.Equal(t, Member{Detector: 1, Index: 0}, result.Groups[0].Members[1])
		assert.InDelta(t, 0.55, result.Boxes[0].Confidence, 1e-12)
	}
}

// TestEnsemble_IdenticalDetectorsArePositional covers two detectors with
// identical output. They are still different detectors and their boxes match.
func TestEnsemble_IdenticalDetectorsArePositional(t *testing.T) {
	output := geometry.DetectionSet{
		box(0, 0, 2, 2, 1, 0.6),
		box(30, 30, 8, 8, 5, 0.4),
	}
	sets := []geometry.DetectionSet{output, output}

	result, err := Run(sets, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, result.Boxes, 2)
	assert.Equal(t, output[0], result.Boxes[0])
	assert.Equal(t, output[1], result.Boxes[1])
	assert.Equal(t, 4, result.MemberCount())
}

// TestEnsemble_DuplicateBoxesTrackedIndependently checks that two boxes with
// equal values in one detection set are different entities.
func TestEnsemble_DuplicateBoxesTrackedIndependently(t *testing.T) {
	dup := box(5, 5, 2, 2, 0, 0.5)
	sets := []geometry.DetectionSet{
		{dup, dup},
		{dup},
	}

	result, err := Run(sets, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, result.Groups, 2)
	assert.Equal(t, []Member{{0, 0}, {1, 0}}, result.Groups[0].Members)
	assert.Equal(t, []Member{{0, 1}}, result.Groups[1].Members)
	assert.InDelta(t, 0.5, result.Boxes[0].Confidence, 1e-12)
	assert.InDelta(t, 0.25, result.Boxes[1].Confidence, 1e-12)
}

func TestEnsemble_OutputFollowsAnchorOrder(t *testing.T) {
	sets := []geometry.DetectionSet{
		{box(0, 0, 2, 2, 0, 0.5), box(100, 0, 2, 2, 0, 0.5)},
		{box(200, 0, 2, 2, 0, 0.5), box(100, 0, 2, 2, 0, 0.5), box(0, 0, 2, 2, 0, 0.5)},
	}

	result, err := Run(sets, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, result.Boxes, 3)
	assert.Equal(t, 0.0, result.Boxes[0].CenterX)
	assert.Equal(t, 100.0, result.Boxes[1].CenterX)
	assert.Equal(t, 200.0, result.Boxes[2].CenterX)
	assert.Equal(t, []Member{{0, 0}, {1, 2}}, result.Groups[0].Members)
	assert.Equal(t, []Member{{0, 1}, {1, 1}}, result.Groups[1].Members)
	assert.Equal(t, []Member{{1, 0}}, result.Groups[2].Members)
}

func TestEnsemble_EmptyInput(t *testing.T) {
	fused, err := Ensemble(nil, 0.5)
	require.NoError(t, err)
	assert.Empty(t, fused)

	fused, err = Ensemble([]geometry.DetectionSet{{}, {}}, 0.5)
	require.NoError(t, err)
	assert.Empty(t, fused)
}

func TestEnsemble_DoesNotMutateInput(t *testing.T) {
	sets := []geometry.DetectionSet{
		{box(0, 0, 2, 2, 1, 0.9)},
		{box(0.1, 0.1, 2, 2, 1, 0.8)},
	}
	before := []geometry.DetectionSet{
		append(geometry.DetectionSet(nil), sets[0]...),
		append(geometry.DetectionSet(nil), sets[1]...),
	}

	_, err := Ensemble(sets, 0.5)
	require.NoError(t, err)
	assert.Equal(t, before, sets)
}

func TestRun_InvalidBox(t *testing.T) {
	tests := []struct {
		name string
		bad  geometry.Box
	}{
		{"negative width", box(0, 0, -1, 2, 0, 0.5)},
		{"negative height", box(0, 0, 1, -2, 0, 0.5)},
		{"nan confidence", box(0, 0, 1, 2, 0, math.NaN())},
		{"confidence above one", box(0, 0, 1, 2, 0, 1.5)},
		{"infinite center", box(math.Inf(-1), 0, 1, 2, 0, 0.5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sets := []geometry.DetectionSet{
				{box(0, 0, 2, 2, 0, 0.5)},
				{box(0, 0, 2, 2, 0, 0.5), box(3, 3, 2, 2, 0, 0.5), tt.bad},
			}

			result, err := Run(sets, DefaultConfig())
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, geometry.ErrInvalidBox))
			assert.Equal(t, geometry.ErrInvalidBox, errors.Cause(err))

			var boxErr *InvalidBoxError
			require.True(t, errors.As(err, &boxErr))
			assert.Equal(t, 1, boxErr.Detector)
			assert.Equal(t, 2, boxErr.Index)
			assert.Contains(t, err.Error(), "detector 1 box 2")
		})
	}
}

func TestRun_InvalidThreshold(t *testing.T) {
	sets := []geometry.DetectionSet{{box(0, 0, 2, 2, 0, 0.5)}}

	for _, threshold := range []float64{-0.1, 1.01, math.NaN(), math.Inf(1)} {
		_, err := Ensemble(sets, threshold)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidThreshold))
	}

	cfg := DefaultConfig()
	cfg.NMS = &postprocess.NMSConfig{IoUThreshold: 2}
	_, err := Run(sets, cfg)
	assert.True(t, errors.Is(err, ErrInvalidThreshold))
}

func TestRun_NMSPrePass(t *testing.T) {
	sets := []geometry.DetectionSet{
		{
			box(10, 10, 10, 10, 0, 0.4),
			box(10.2, 10, 10, 10, 0, 0.8),
		},
		{box(10, 10, 10, 10, 0, 0.6)},
	}

	cfg := DefaultConfig()
	cfg.NMS = postprocess.DefaultNMSConfig()
	result, err := Run(sets, cfg)
	require.NoError(t, err)
	require.Len(t, result.Boxes, 1)
	assert.Equal(t, []Member{{0, 1}, {1, 0}}, result.Groups[0].Members)
	assert.InDelta(t, 0.7, result.Boxes[0].Confidence, 1e-12)

	// Without the pre-pass the weaker duplicate survives as a singleton.
	result, err = Run(sets, DefaultConfig())
	require.NoError(t, err)
	assert.Len(t, result.Boxes, 2)
}

func TestRun_LogsSummary(t *testing.T) {
	var out bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := Run([]geometry.DetectionSet{{box(0, 0, 1, 1, 0, 1)}}, cfg)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ensemble complete")
	assert.Contains(t, out.String(), "detectors=1")
}

// randomSets builds clustered detections so that many boxes compete for the same objects.
func randomSets(rng *rand.Rand, detectors, objects int) []geometry.DetectionSet {
	type object struct {
		x, y, w, h float64
		class      int
	}
	truth := make([]object, objects)
	for i := range truth {
		truth[i] = object{
			x:     float64(rng.Intn(1000)),
			y:     float64(rng.Intn(1000)),
			w:     float64(10 + rng.Intn(90)),
			h:     float64(10 + rng.Intn(90)),
			class: rng.Intn(3),
		}
	}

	sets := make([]geometry.DetectionSet, detectors)
	for d := range sets {
		for _, o := range truth {
			if rng.Float64() < 0.2 {
				continue
			}
			sets[d] = append(sets[d], geometry.Box{
				CenterX:    o.x + float64(rng.Intn(9)-4),
				CenterY:    o.y + float64(rng.Intn(9)-4),
				Width:      o.w + float64(rng.Intn(7)-3),
				Height:     o.h + float64(rng.Intn(7)-3),
				Class:      o.class,
				Confidence: float64(rng.Intn(101)) / 100,
			})
		}
		rng.Shuffle(len(sets[d]), func(i, j int) { sets[d][i], sets[d][j] = sets[d][j], sets[d][i] })
	}
	return sets
}

// TestRun_ModesAgree checks that the spatial index and the parallel search give
// exactly the output of a plain sequential scan.
func TestRun_ModesAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		sets := randomSets(rng, 2+rng.Intn(4), 5+rng.Intn(40))

		plain := DefaultConfig()
		plain.SpatialIndex = false
		want, err := Run(sets, plain)
		require.NoError(t, err)

		for _, cfg := range []Config{
			{IoUThreshold: DefaultIoUThreshold, SpatialIndex: true, NumWorkers: 1},
			{IoUThreshold: DefaultIoUThreshold, SpatialIndex: false, NumWorkers: 4},
			{IoUThreshold: DefaultIoUThreshold, SpatialIndex: true, NumWorkers: 3},
		} {
			got, err := Run(sets, cfg)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	}
}

// TestRun_GroupsAreExclusive checks that every input box lands in exactly one group.
func TestRun_GroupsAreExclusive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 20; trial++ {
		sets := randomSets(rng, 1+rng.Intn(5), rng.Intn(50))
		total := 0
		for _, set := range sets {
			total += len(set)
		}

		result, err := Run(sets, DefaultConfig())
		require.NoError(t, err)
		require.Equal(t, total, result.MemberCount())
		require.Len(t, result.Boxes, len(result.Groups))

		seen := make(map[Member]bool, total)
		for g, group := range result.Groups {
			detectors := make(map[int]bool)
			for _, m := range group.Members {
				require.False(t, seen[m], "box %v placed twice", m)
				seen[m] = true
				require.False(t, detectors[m.Detector], "group %d has two boxes from detector %d", g, m.Detector)
				detectors[m.Detector] = true
				assert.Equal(t, sets[group.Members[0].Detector][group.Members[0].Index].Class,
					sets[m.Detector][m.Index].Class)
			}
			assert.GreaterOrEqual(t, result.Boxes[g].Confidence, 0.0)
			assert.LessOrEqual(t, result.Boxes[g].Confidence, 1.0)
		}
	}
}
