// Package cocoeval computes COCO-style bounding box average precision.
//
// The numbers follow the reference COCO evaluation for the "all areas, 100 detections" setting:
// AP is averaged over IoU thresholds 0.50:0.05:0.95 and 101 recall points, and then over classes.
// Results are reported in percent, the way detection frameworks print them.
package cocoeval

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/cyclopcam/detectorlab/pkg/dataset"
	"github.com/cyclopcam/detectorlab/pkg/nn"
)

// AP value for a class (or the whole dataset) when there is no ground truth to measure against
const Undefined = -1

const MaxDetectionsPerImage = 100

var IoUThresholds = []float32{0.5, 0.55, 0.6, 0.65, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95}

const numRecallPoints = 101

// Result of an evaluation. All AP values are percentages, or Undefined.
type Result struct {
	AP            float64            `json:"AP"`
	AP50          float64            `json:"AP50"`
	AP75          float64            `json:"AP75"`
	PerClass      map[string]float64 `json:"perClass"`
	NumImages     int                `json:"numImages"`
	NumDetections int                `json:"numDetections"`
}

// A detection that has been matched against ground truth at every IoU threshold
type scoredMatch struct {
	score   float32
	matched []bool // per IoU threshold, true if this is a true positive
	ignore  []bool // per IoU threshold, true if matched to a crowd region
}

// Evaluate compares predictions (keyed by image id) against the ground truth in ds.
// Images without an entry in predictions count as having no detections.
func Evaluate(ds *dataset.Dataset, predictions map[int64][]nn.ObjectDetection) *Result {
	nClass := len(ds.Classes)
	nThresh := len(IoUThresholds)

	perClass := make([][]scoredMatch, nClass)
	numGT := make([]int, nClass)
	res := &Result{
		PerClass:  map[string]float64{},
		NumImages: len(ds.Records),
	}

	for _, rec := range ds.Records {
		dets := predictions[rec.ImageID]
		res.NumDetections += len(dets)
		for c := 0; c < nClass; c++ {
			gt := filterClass(rec.Objects, c)
			crowd := filterClass(rec.Crowd, c)
			dt := topDetections(filterClass(dets, c))
			numGT[c] += len(gt)
			perClass[c] = append(perClass[c], matchImage(gt, crowd, dt)...)
		}
	}

	// precision[c][t] is the interpolated AP of class c at threshold t, or Undefined
	sum, n := 0.0, 0
	sum50, n50 := 0.0, 0
	sum75, n75 := 0.0, 0
	for c := 0; c < nClass; c++ {
		if numGT[c] == 0 {
			res.PerClass[ds.Classes[c]] = Undefined
			continue
		}
		classSum := 0.0
		for t := 0; t < nThresh; t++ {
			ap := averagePrecision(perClass[c], t, numGT[c])
			classSum += ap
			sum += ap
			n++
			if t == 0 {
				sum50 += ap
				n50++
			} else if t == 5 {
				sum75 += ap
				n75++
			}
		}
		res.PerClass[ds.Classes[c]] = 100 * classSum / float64(nThresh)
	}
	res.AP = percentOrUndefined(sum, n)
	res.AP50 = percentOrUndefined(sum50, n50)
	res.AP75 = percentOrUndefined(sum75, n75)
	return res
}

func percentOrUndefined(sum float64, n int) float64 {
	if n == 0 {
		return Undefined
	}
	return 100 * sum / float64(n)
}

func filterClass(objects []nn.ObjectDetection, class int) []nn.ObjectDetection {
	out := []nn.ObjectDetection{}
	for _, o := range objects {
		if o.Class == class {
			out = append(out, o)
		}
	}
	return out
}

// Sort by descending confidence and keep at most MaxDetectionsPerImage
func topDetections(dets []nn.ObjectDetection) []nn.ObjectDetection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
	if len(dets) > MaxDetectionsPerImage {
		dets = dets[:MaxDetectionsPerImage]
	}
	return dets
}

// Greedily match detections (highest confidence first) to ground truth of a single image and class.
// Regular ground truth can be matched once. Crowd regions can absorb any number of detections,
// and those detections are ignored, rather than counted as false positives.
func matchImage(gt, crowd, dt []nn.ObjectDetection) []scoredMatch {
	nThresh := len(IoUThresholds)
	out := make([]scoredMatch, len(dt))
	for i := range dt {
		out[i] = scoredMatch{
			score:   dt[i].Confidence,
			matched: make([]bool, nThresh),
			ignore:  make([]bool, nThresh),
		}
	}
	if len(dt) == 0 || len(gt)+len(crowd) == 0 {
		return out
	}

	// Spatial index over ground truth, so that we only compute IoU against overlapping boxes.
	// Regular ground truth first, then crowd regions, so that a crowd is only used when no regular box fits.
	all := append(append([]nn.ObjectDetection{}, gt...), crowd...)
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(all))
	for _, g := range all {
		fb.Add(g.Box.X, g.Box.Y, g.Box.X2(), g.Box.Y2())
	}
	fb.Finish()

	candidates := make([][]int, len(dt))
	for i, d := range dt {
		found := fb.Search(d.Box.X, d.Box.Y, d.Box.X2(), d.Box.Y2())
		sort.Ints(found)
		candidates[i] = found
	}

	for t, thresh := range IoUThresholds {
		used := make([]bool, len(gt))
		for i, d := range dt {
			best := -1
			bestIoU := min(thresh, 1-1e-10)
			for _, g := range candidates[i] {
				isCrowd := g >= len(gt)
				if !isCrowd && used[g] {
					continue
				}
				// Once we've found a regular match, don't fall back to a crowd region
				if best >= 0 && best < len(gt) && isCrowd {
					break
				}
				var iou float32
				if isCrowd {
					iou = crowdIoU(d.Box, all[g].Box)
				} else {
					iou = d.Box.IOU(all[g].Box)
				}
				if iou < bestIoU {
					continue
				}
				bestIoU = iou
				best = g
			}
			if best < 0 {
				continue
			}
			if best < len(gt) {
				used[best] = true
				out[i].matched[t] = true
			} else {
				out[i].ignore[t] = true
			}
		}
	}
	return out
}

// For crowd regions, COCO uses intersection over the detection's own area
func crowdIoU(det, crowd nn.Rect) float32 {
	a := det.Area()
	if a <= 0 {
		return 0
	}
	return det.Intersection(crowd).Area() / a
}

// Interpolated average precision of one class at IoU threshold index t, as a fraction (0..1)
func averagePrecision(matches []scoredMatch, t int, numGT int) float64 {
	dets := make([]scoredMatch, 0, len(matches))
	for _, m := range matches {
		if !m.ignore[t] {
			dets = append(dets, m)
		}
	}
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].score > dets[j].score
	})

	precision := make([]float64, len(dets))
	recall := make([]float64, len(dets))
	tp, fp := 0.0, 0.0
	for i, d := range dets {
		if d.matched[t] {
			tp++
		} else {
			fp++
		}
		recall[i] = tp / float64(numGT)
		precision[i] = tp / (tp + fp)
	}

	// Make precision monotonically decreasing
	for i := len(precision) - 1; i > 0; i-- {
		if precision[i] > precision[i-1] {
			precision[i-1] = precision[i]
		}
	}

	total := 0.0
	for r := 0; r < numRecallPoints; r++ {
		recallThreshold := float64(r) / float64(numRecallPoints-1)
		// first index where recall >= threshold
		idx := sort.SearchFloat64s(recall, recallThreshold)
		if idx < len(precision) {
			total += precision[idx]
		}
	}
	return total / numRecallPoints
}
