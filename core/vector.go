package core

import "math"

// NormalizeVector scales v to unit length.
// The zero vector stays zero.
func NormalizeVector(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}

	magnitude := Magnitude(v)
	result := make([]float32, len(v))
	if magnitude == 0 {
		return result
	}
	for i, val := range v {
		result[i] = val / magnitude
	}
	return result
}

// Magnitude returns the Euclidean norm of v.
func Magnitude(v []float32) float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	return float32(math.Sqrt(sum))
}

// DotProduct calculates the dot product of two vectors of equal length.
func DotProduct(a, b []float32) float32 {
	var sum float32
	minLen := min(len(a), len(b))
	for i := 0; i < minLen; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// ZeroVector returns a vector of dim zeros.
func ZeroVector(dim int) []float32 {
	return make([]float32, dim)
}
