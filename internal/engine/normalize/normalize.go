// Package normalize maps raw per-source trend values onto a dimensionless
// [0,1] range so platforms with naturally larger counts cannot dominate the
// combined momentum score.
//
// Each source owns one incremental P² quantile estimator targeting P95 of
// the trend values it has seen. The normalized value is trend divided by the
// running P95, clamped to [0,1]. Until a source has accumulated enough
// samples the configured cold-start prior is used as the scale instead, so
// early scores are comparable rather than saturated.
package normalize

import (
	"math"
	"sync"
)

const (
	targetQuantile = 0.95
	markerCount    = 5
	minScale       = 1e-9
)

// Prior supplies the current cold-start scale and minimum sample count, so
// hot-reloaded parameters apply without resetting estimator state.
type Prior func() (scale float64, minSamples int)

// Normalizer tracks one quantile estimator per source key.
type Normalizer struct {
	prior Prior

	mu         sync.Mutex
	estimators map[string]*p2Estimator
}

// New creates a Normalizer with the given cold-start prior provider.
func New(prior Prior) *Normalizer {
	return &Normalizer{
		prior:      prior,
		estimators: make(map[string]*p2Estimator),
	}
}

// Observe feeds one raw trend value into the source's estimator. Zero and
// negative values are skipped; a silent source should not drag the scale
// toward zero.
func (n *Normalizer) Observe(source string, trend float64) {
	if trend <= 0 || math.IsNaN(trend) || math.IsInf(trend, 0) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	est, ok := n.estimators[source]
	if !ok {
		est = newP2Estimator(targetQuantile)
		n.estimators[source] = est
	}

	est.observe(trend)
}

// Normalize returns trend scaled into [0,1] by the source's running P95,
// or by the cold-start prior while the estimator is still warming up.
func (n *Normalizer) Normalize(source string, trend float64) float64 {
	if trend <= 0 {
		return 0
	}

	scale := n.Scale(source)

	normalized := trend / scale
	if normalized > 1 {
		return 1
	}

	return normalized
}

// Scale returns the divisor currently in force for a source.
func (n *Normalizer) Scale(source string) float64 {
	priorScale, minSamples := n.prior()

	n.mu.Lock()
	defer n.mu.Unlock()

	est, ok := n.estimators[source]
	if !ok || est.count < minSamples {
		return math.Max(priorScale, minScale)
	}

	return math.Max(est.quantile(), minScale)
}

// Samples reports how many values a source's estimator has absorbed.
func (n *Normalizer) Samples(source string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	est, ok := n.estimators[source]
	if !ok {
		return 0
	}

	return est.count
}

// p2Estimator is the classic P² incremental quantile estimator (Jain &
// Chlamtac, 1985): five markers whose heights approximate the target
// quantile without storing samples.
type p2Estimator struct {
	p     float64
	count int

	heights   [markerCount]float64
	positions [markerCount]float64
	desired   [markerCount]float64
	increment [markerCount]float64

	initial []float64
}

func newP2Estimator(p float64) *p2Estimator {
	est := &p2Estimator{p: p}
	est.increment = [markerCount]float64{0, p / 2, p, (1 + p) / 2, 1}

	return est
}

func (e *p2Estimator) observe(x float64) {
	e.count++

	if e.count <= markerCount {
		e.initial = append(e.initial, x)
		if e.count == markerCount {
			e.bootstrap()
		}

		return
	}

	cell := e.locate(x)
	e.shift(cell)
	e.adjust()
}

func (e *p2Estimator) bootstrap() {
	sortFloats(e.initial)

	for i := 0; i < markerCount; i++ {
		e.heights[i] = e.initial[i]
		e.positions[i] = float64(i + 1)
	}

	p := e.p
	e.desired = [markerCount]float64{1, 1 + 2*p, 1 + 4*p, 3 + 2*p, 5}
	e.initial = nil
}

func (e *p2Estimator) locate(x float64) int {
	switch {
	case x < e.heights[0]:
		e.heights[0] = x

		return 0
	case x >= e.heights[markerCount-1]:
		e.heights[markerCount-1] = x

		return markerCount - 2
	default:
		for i := 0; i < markerCount-1; i++ {
			if x < e.heights[i+1] {
				return i
			}
		}

		return markerCount - 2
	}
}

func (e *p2Estimator) shift(cell int) {
	for i := cell + 1; i < markerCount; i++ {
		e.positions[i]++
	}

	for i := 0; i < markerCount; i++ {
		e.desired[i] += e.increment[i]
	}
}

func (e *p2Estimator) adjust() {
	for i := 1; i < markerCount-1; i++ {
		delta := e.desired[i] - e.positions[i]

		right := e.positions[i+1] - e.positions[i]
		left := e.positions[i-1] - e.positions[i]

		if (delta >= 1 && right > 1) || (delta <= -1 && left < -1) {
			sign := 1.0
			if delta < 0 {
				sign = -1.0
			}

			candidate := e.parabolic(i, sign)
			if e.heights[i-1] < candidate && candidate < e.heights[i+1] {
				e.heights[i] = candidate
			} else {
				e.heights[i] = e.linear(i, sign)
			}

			e.positions[i] += sign
		}
	}
}

func (e *p2Estimator) parabolic(i int, sign float64) float64 {
	nPrev, nCur, nNext := e.positions[i-1], e.positions[i], e.positions[i+1]

	return e.heights[i] + sign/(nNext-nPrev)*
		((nCur-nPrev+sign)*(e.heights[i+1]-e.heights[i])/(nNext-nCur)+
			(nNext-nCur-sign)*(e.heights[i]-e.heights[i-1])/(nCur-nPrev))
}

func (e *p2Estimator) linear(i int, sign float64) float64 {
	j := i + int(sign)

	return e.heights[i] + sign*(e.heights[j]-e.heights[i])/(e.positions[j]-e.positions[i])
}

// quantile returns the current estimate. Before bootstrap it falls back to
// the max of the few samples seen.
func (e *p2Estimator) quantile() float64 {
	if e.count < markerCount {
		maxSeen := 0.0
		for _, v := range e.initial {
			if v > maxSeen {
				maxSeen = v
			}
		}

		return maxSeen
	}

	return e.heights[2]
}

func sortFloats(values []float64) {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j] < values[j-1]; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
}
