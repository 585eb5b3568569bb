package capability

import "math/rand"

// MathRandom adapts a *rand.Rand to the Random capability, giving the
// scheduler an injectable, seedable RNG.
type MathRandom struct {
	R *rand.Rand
}

// NewMathRandom seeds a new MathRandom. Tests should construct their
// own rand.New(rand.NewSource(seed)) directly for determinism.
func NewMathRandom(seed int64) *MathRandom {
	return &MathRandom{R: rand.New(rand.NewSource(seed))}
}

func (m *MathRandom) Float64() float64 { return m.R.Float64() }
