package ensemble

import (
	"sync"

	"github.com/nvr-ai/go-ensemble/geometry"
	"github.com/nvr-ai/go-ensemble/postprocess"
)

// Member references one input box by position.
type Member struct {
	// Detector is the index of the detection set in the input.
	Detector int `json:"detector" yaml:"detector"`
	// Index is the index of the box within the input detection set.
	Index int `json:"index" yaml:"index"`
}

// Group is the set of input boxes fused into one output box. The first member
// is the anchor; the rest are ordered by detector.
type Group struct {
	Members []Member `json:"members" yaml:"members"`
}

// Result holds the fused boxes and the groups they were built from.
type Result struct {
	// Boxes are the fused boxes in anchor visit order.
	Boxes []geometry.Box
	// Groups has one entry per box, in the same order.
	Groups []Group
	// Detectors is the number of detection sets in the input.
	Detectors int
}

// MemberCount returns the number of input boxes placed into a group.
func (r *Result) MemberCount() int {
	count := 0
	for _, g := range r.Groups {
		count += len(g.Members)
	}
	return count
}

// Ensemble merges the detections of several detectors.
//
// Every box of every detector is visited in input order. A box that has not been
// claimed yet becomes an anchor: from each other detector it claims the unclaimed
// box of the same class with the highest IoU above iouThreshold. The anchor and
// its matches are replaced by a single box whose position and size are the mean
// of the group and whose confidence is the sum of the group's confidences divided
// by the number of detectors.
//
// Arguments:
//   - sets: One detection set per detector. A detector is identified by its position.
//   - iouThreshold: Strict lower bound on IoU for a match, DefaultIoUThreshold if unsure.
//
// Returns:
//   - The fused boxes, in the order their anchors were visited.
//   - An error if the threshold or any box is invalid. No boxes are returned then.
//
// @example
// fused, err := Ensemble([]geometry.DetectionSet{
//
//	{{CenterX: 0, CenterY: 0, Width: 2, Height: 2, Class: 1, Confidence: 0.9}},
//	{{CenterX: 0.1, CenterY: 0.1, Width: 2, Height: 2, Class: 1, Confidence: 0.8}},
//
// }, DefaultIoUThreshold)
// // fused[0].Confidence == 0.85
func Ensemble(sets []geometry.DetectionSet, iouThreshold float64) ([]geometry.Box, error) {
	cfg := DefaultConfig()
	cfg.IoUThreshold = iouThreshold

	result, err := Run(sets, cfg)
	if err != nil {
		return nil, err
	}
	return result.Boxes, nil
}

// Run performs the ensemble described by Ensemble with full configuration and
// returns the groups alongside the fused boxes.
//
// Validation of the configuration and of every box happens before matching
// starts, so a failing run has no partial output.
func Run(sets []geometry.DetectionSet, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for d, set := range sets {
		for i, b := range set {
			if err := b.Validate(); err != nil {
				return nil, &InvalidBoxError{Detector: d, Index: i, Box: b, Err: err}
			}
		}
	}

	e := newEngine(sets, cfg)
	result := e.run()

	cfg.logger().Debug("ensemble complete",
		"detectors", result.Detectors,
		"inputs", e.inputs,
		"candidates", e.candidates,
		"fused", len(result.Boxes),
	)

	return result, nil
}

// engine holds the state of one run. used is the identity-keyed used-set: one
// flag per (detector, box index), never keyed by box value.
type engine struct {
	sets      []geometry.DetectionSet
	origin    [][]int
	used      [][]bool
	indexes   []*candidateIndex
	threshold float64
	workers   int

	inputs     int
	candidates int
}

func newEngine(sets []geometry.DetectionSet, cfg Config) *engine {
	e := &engine{
		sets:      make([]geometry.DetectionSet, len(sets)),
		origin:    make([][]int, len(sets)),
		used:      make([][]bool, len(sets)),
		indexes:   make([]*candidateIndex, len(sets)),
		threshold: cfg.IoUThreshold,
		workers:   cfg.workers(),
	}

	for d, set := range sets {
		e.inputs += len(set)

		if cfg.NMS != nil {
			e.sets[d], e.origin[d] = postprocess.ApplyGreedyNMS(set, cfg.NMS)
		} else {
			e.sets[d] = set
			e.origin[d] = make([]int, len(set))
			for i := range set {
				e.origin[d][i] = i
			}
		}

		e.candidates += len(e.sets[d])
		e.used[d] = make([]bool, len(e.sets[d]))
		e.indexes[d] = newCandidateIndex(e.sets[d], cfg.SpatialIndex)
	}

	return e
}

func (e *engine) run() *Result {
	n := len(e.sets)
	result := &Result{
		Boxes:     make([]geometry.Box, 0, e.candidates),
		Groups:    make([]Group, 0, e.candidates),
		Detectors: n,
	}

	var pool *searchPool
	if e.workers > 1 && n > 2 {
		pool = newSearchPool(e, e.workers)
		defer pool.close()
	}

	matches := make([]int, n)
	buf := make([]int, 0, 16)

	for d, set := range e.sets {
		for i, anchor := range set {
			if e.used[d][i] {
				continue
			}
			e.used[d][i] = true

			// Claims only touch the claimed box's own detector, so the searches
			// against different detectors are independent of each other.
			if pool != nil {
				pool.search(anchor, d, matches)
			} else {
				for o := range e.sets {
					if o == d {
						matches[o] = -1
						continue
					}
					matches[o], buf = e.bestMatch(anchor, o, buf)
				}
			}

			group := Group{Members: []Member{{Detector: d, Index: e.origin[d][i]}}}
			boxes := []geometry.Box{anchor}
			for o, j := range matches {
				if j < 0 {
					continue
				}
				e.used[o][j] = true
				group.Members = append(group.Members, Member{Detector: o, Index: e.origin[o][j]})
				boxes = append(boxes, e.sets[o][j])
			}

			result.Boxes = append(result.Boxes, fuse(boxes, anchor.Class, n))
			result.Groups = append(result.Groups, group)
		}
	}

	return result
}

// bestMatch returns the index of the unused box in detector o with the same
// class as anchor and the greatest IoU above the threshold, or -1. An exact tie
// keeps the earlier box.
func (e *engine) bestMatch(anchor geometry.Box, o int, buf []int) (int, []int) {
	best := -1
	bestIoU := e.threshold

	buf = e.indexes[o].candidates(anchor, buf)
	for _, j := range buf {
		if e.used[o][j] {
			continue
		}
		candidate := e.sets[o][j]
		if candidate.Class != anchor.Class {
			continue
		}
		if iou := geometry.CalculateIoU(anchor, candidate); iou > bestIoU {
			best = j
			bestIoU = iou
		}
	}

	return best, buf
}

// fuse averages the geometry of a group and divides its summed confidence by
// the number of detectors, not the group size.
func fuse(group []geometry.Box, class int, detectors int) geometry.Box {
	var x, y, w, h, conf float64
	for _, b := range group {
		x += b.CenterX
		y += b.CenterY
		w += b.Width
		h += b.Height
		conf += b.Confidence
	}

	size := float64(len(group))
	return geometry.Box{
		CenterX:    x / size,
		CenterY:    y / size,
		Width:      w / size,
		Height:     h / size,
		Class:      class,
		Confidence: conf / float64(detectors),
	}
}

// searchPool runs the per-detector searches of one anchor on a fixed set of
// goroutines. The used-set is only read while a search is in flight and only
// written by the caller between searches.
type searchPool struct {
	e    *engine
	jobs chan searchJob
	wg   sync.WaitGroup
}

type searchJob struct {
	anchor   geometry.Box
	detector int
	out      *int
	done     *sync.WaitGroup
}

func newSearchPool(e *engine, workers int) *searchPool {
	p := &searchPool{
		e:    e,
		jobs: make(chan searchJob, len(e.sets)),
	}

	for w := 0; w < workers; w++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			buf := make([]int, 0, 16)
			for job := range p.jobs {
				*job.out, buf = p.e.bestMatch(job.anchor, job.detector, buf)
				job.done.Done()
			}
		}()
	}

	return p
}

// search fills matches[o] with the best match of anchor in every detector o
// other than self, and -1 for self.
func (p *searchPool) search(anchor geometry.Box, self int, matches []int) {
	var done sync.WaitGroup
	for o := range p.e.sets {
		if o == self {
			matches[o] = -1
			continue
		}
		done.Add(1)
		p.jobs <- searchJob{anchor: anchor, detector: o, out: &matches[o], done: &done}
	}
	done.Wait()
}

func (p *searchPool) close() {
	close(p.jobs)
	p.wg.Wait()
}
