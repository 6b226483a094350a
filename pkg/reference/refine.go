package reference

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"lbminit/internal/models"
	"lbminit/pkg/metrics"
	"lbminit/pkg/registration"
)

// minConfidence is the mean registration confidence below which the final
// reference is reported as unreliable
const minConfidence = 0.05

// meanStack averages a list of equally shaped stacks
func meanStack(frames []*models.PlaneStack) *models.PlaneStack {
	out := models.NewPlaneStack(frames[0].NZ, frames[0].NY, frames[0].NX)
	for _, f := range frames {
		for i, v := range f.Data {
			out.Data[i] += v
		}
	}
	inv := 1 / float64(len(frames))
	for i := range out.Data {
		out.Data[i] *= inv
	}
	return out
}

// refine iteratively registers frames to an evolving reference, starting from their mean.
//
// Each iteration registers every frame to a smoothed copy of the reference, recentres the
// shifts on their rounded mean, and blends the confidence-weighted average of the
// registered frames into the reference with a step of 1/k at iteration k. At most
// workers registrations run at once.
func (b *Builder) refine(ctx context.Context, frames []*models.PlaneStack, plane int, search [3]int, workers int) (*models.PlaneStack, []IterationStats, *models.Warning, error) {
	ref := meanStack(frames)
	if len(frames) < b.params.MinFrames {
		w := models.NewWarning(models.DegenerateInputWarning,
			"%s: only %d frames (minimum %d), using the temporal mean without refinement",
			label(plane), len(frames), b.params.MinFrames)
		b.log.Warn().Int("plane", plane).Int("frames", len(frames)).Msg("Skipping refinement")
		return ref, nil, &w, nil
	}

	sigmaZ := 0.0
	if ref.NZ > 1 {
		sigmaZ = b.params.Sigma[1]
	}

	stats := make([]IterationStats, 0, b.params.NIter)
	for k := 1; k <= b.params.NIter; k++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}

		target := b.engine.Smooth(ref, b.params.Sigma[0], sigmaZ)
		shifts, confs, err := b.registerAll(target, frames, search, workers)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("iteration %d: %w", k, err)
		}
		recentre(shifts)

		beta := 10 * float64(k) / float64(b.params.NIter)
		weights := frameWeights(confs, b.params.PercentContribute, beta)
		avg := weightedAverage(frames, shifts, weights, ref)

		alpha := 1 / float64(k)
		next := models.NewPlaneStack(ref.NZ, ref.NY, ref.NX)
		for i := range next.Data {
			next.Data[i] = (1-alpha)*ref.Data[i] + alpha*avg.Data[i]
		}

		contributing := 0
		for _, w := range weights {
			if w > 0 {
				contributing++
			}
		}
		stats = append(stats, IterationStats{
			Iteration:      k,
			MeanConfidence: stat.Mean(confs, nil),
			RMSChange:      metrics.RMSE(ref.Data, next.Data),
			Contributing:   contributing,
		})
		ref = next

		b.log.Debug().
			Int("plane", plane).
			Int("iteration", k).
			Float64("confidence", stats[len(stats)-1].MeanConfidence).
			Float64("rms_change", stats[len(stats)-1].RMSChange).
			Msg("Refinement iteration")
		if b.Hook != nil {
			b.Hook(plane, k, ref)
		}
	}

	if len(stats) > 0 && stats[len(stats)-1].MeanConfidence < minConfidence {
		w := models.NewWarning(models.ConvergenceWarning,
			"%s: mean registration confidence %.3f after %d iterations",
			label(plane), stats[len(stats)-1].MeanConfidence, len(stats))
		return ref, stats, &w, nil
	}
	return ref, stats, nil, nil
}

func label(plane int) string {
	if plane < 0 {
		return "volume"
	}
	return fmt.Sprintf("plane %d", plane)
}

// registerAll registers frames to target in batches, running up to workers
// registrations of a batch at once. Results are stored by frame index.
func (b *Builder) registerAll(target *models.PlaneStack, frames []*models.PlaneStack, search [3]int, workers int) ([]models.Shift, []float64, error) {
	type regResult struct {
		idx   int
		shift models.Shift
		conf  float64
		err   error
	}

	shifts := make([]models.Shift, len(frames))
	confs := make([]float64, len(frames))
	for start := 0; start < len(frames); start += b.params.BatchSize {
		end := min(start+b.params.BatchSize, len(frames))
		resultChan := make(chan regResult)
		sem := make(chan struct{}, max(workers, 1))

		for i := start; i < end; i++ {
			go func(idx int) {
				sem <- struct{}{}
				defer func() { <-sem }()
				s, c, err := b.engine.EstimateShift(target, frames[idx], b.params.MaxRegXY, search)
				resultChan <- regResult{idx: idx, shift: s, conf: c, err: err}
			}(i)
		}

		var firstErr error
		for completed := start; completed < end; completed++ {
			res := <-resultChan
			if res.err != nil && firstErr == nil {
				firstErr = fmt.Errorf("frame %d: %w", res.idx, res.err)
			}
			shifts[res.idx] = res.shift
			confs[res.idx] = res.conf
		}
		if firstErr != nil {
			return nil, nil, firstErr
		}
	}
	return shifts, confs, nil
}

// recentre subtracts the rounded mean shift from every shift so the reference does not drift
func recentre(shifts []models.Shift) {
	var mean models.Shift
	for _, s := range shifts {
		mean = mean.Add(s)
	}
	n := float64(len(shifts))
	mean = models.Shift{
		Z: math.Round(mean.Z / n),
		Y: math.Round(mean.Y / n),
		X: math.Round(mean.X / n),
	}
	for i := range shifts {
		shifts[i] = shifts[i].Sub(mean)
	}
}

// frameWeights gives zero weight to frames outside the best fraction by confidence and
// exp(beta * (c - cmax)) to the others, so the best frame always has weight one
func frameWeights(confs []float64, fraction, beta float64) []float64 {
	n := len(confs)
	keep := int(math.Ceil(fraction * float64(n)))
	keep = min(max(keep, 1), n)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return confs[order[a]] > confs[order[b]]
	})

	best := confs[order[0]]
	weights := make([]float64, n)
	for _, idx := range order[:keep] {
		weights[idx] = math.Exp(beta * (confs[idx] - best))
	}
	return weights
}

// weightedAverage shifts every frame and averages the results with the given weights.
// Shifts wrap within a plane but not across planes, so each plane is normalised by the
// weight of the frames that reach it. Planes no frame reaches keep the value of prev.
func weightedAverage(frames []*models.PlaneStack, shifts []models.Shift, weights []float64, prev *models.PlaneStack) *models.PlaneStack {
	out := models.NewPlaneStack(frames[0].NZ, frames[0].NY, frames[0].NX)
	totals := make([]float64, out.NZ)
	for i, f := range frames {
		if weights[i] == 0 {
			continue
		}
		moved, covered := registration.Displace(f, shifts[i])
		for z, ok := range covered {
			if !ok {
				continue
			}
			dst := out.Plane(z)
			for j, v := range moved.Plane(z) {
				dst[j] += weights[i] * v
			}
			totals[z] += weights[i]
		}
	}
	for z, total := range totals {
		dst := out.Plane(z)
		if total == 0 {
			copy(dst, prev.Plane(z))
			continue
		}
		for j := range dst {
			dst[j] /= total
		}
	}
	return out
}
