package ensemble

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/nvr-ai/go-ensemble/geometry"
)

// candidateIndex narrows the boxes of one detection set to those that can
// overlap a query box.
type candidateIndex struct {
	size   int
	search func(minX, minY, maxX, maxY float64, results []int) []int
}

// newCandidateIndex builds the index for a detection set. With spatial set to
// false, or for an empty set, every box is a candidate.
func newCandidateIndex(set geometry.DetectionSet, spatial bool) *candidateIndex {
	idx := &candidateIndex{size: len(set)}
	if !spatial || len(set) == 0 {
		return idx
	}

	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(set))
	for _, b := range set {
		c := b.Corners()
		fb.Add(c.X1, c.Y1, c.X2, c.Y2)
	}
	fb.Finish()
	idx.search = fb.SearchFast

	return idx
}

// candidates writes the indices of possibly overlapping boxes into buf, in
// ascending order, and returns it.
//
// Boxes outside the query extents have an IoU of zero with it, so leaving them
// out never changes which box wins, and ascending order keeps the first box
// scanned winning an exact tie.
func (idx *candidateIndex) candidates(query geometry.Box, buf []int) []int {
	buf = buf[:0]
	if idx.search == nil {
		for i := 0; i < idx.size; i++ {
			buf = append(buf, i)
		}
		return buf
	}

	c := query.Corners()
	buf = idx.search(c.X1, c.Y1, c.X2, c.Y2, buf)
	sort.Ints(buf)
	return buf
}
