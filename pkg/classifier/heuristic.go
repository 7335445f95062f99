package classifier

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/MrWong99/cradlewatch/pkg/features"
)

// AmplitudeGate is the mean absolute amplitude above which the heuristic
// treats a chunk as loud.
const AmplitudeGate = 0.1

var (
	loudBand  = [2]float64{0.6, 0.95}
	quietBand = [2]float64{0.1, 0.4}
)

var _ Classifier = (*Heuristic)(nil)

// Heuristic is the stand-in backend used when no trained model is available.
// It does not analyse the spectrum: loud chunks get a confidence drawn from
// [0.6, 0.95], quiet ones from [0.1, 0.4] capped at the threshold, so a quiet
// chunk is never a cry.
//
// Draws come from a PCG generator seeded with a hash of the vector and the
// configured seed: the same vector always yields the same Result for a given
// threshold. Results carry [ProvenanceHeuristic].
type Heuristic struct {
	threshold *Threshold
	seed      uint64
}

// NewHeuristic returns a Heuristic reading its threshold from th.
func NewHeuristic(th *Threshold, seed uint64) *Heuristic {
	return &Heuristic{threshold: th, seed: seed}
}

// Predict implements [Classifier]. It never fails.
func (h *Heuristic) Predict(_ context.Context, v features.Vector) (Result, error) {
	rng := rand.New(rand.NewPCG(vectorHash(v), h.seed))

	if v.MeanAbs > AmplitudeGate {
		return h.threshold.decide(draw(rng, loudBand), ProvenanceHeuristic), nil
	}
	c := math.Min(draw(rng, quietBand), h.threshold.Load())
	return h.threshold.decide(c, ProvenanceHeuristic), nil
}

func draw(rng *rand.Rand, band [2]float64) float64 {
	return band[0] + rng.Float64()*(band[1]-band[0])
}

func vectorHash(v features.Vector) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(v.Mode))
	var buf [8]byte
	for _, x := range v.Values {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
		_, _ = h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.MeanAbs))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
