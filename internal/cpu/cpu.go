package cpu

import (
	"math"
)

func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// RMSNorm writes in / rms(in) * w into out. out may alias in.
func RMSNorm(out, in, w []float32, eps float32) {
	var sum float64
	for _, v := range in {
		sum += float64(v) * float64(v)
	}
	scale := float32(1.0 / math.Sqrt(sum/float64(len(in))+float64(eps)))
	for j := range in {
		out[j] = in[j] * scale * w[j]
	}
}

func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SwiGLU writes silu(gate) * up into out.
func SwiGLU(out, gate, up []float32) {
	for i := range out {
		out[i] = Silu(gate[i]) * up[i]
	}
}

// Add accumulates b into a.
func Add(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

func Scale(a []float32, s float32) {
	for i := range a {
		a[i] *= s
	}
}

func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Rope rotates adjacent pairs of every head in x (heads*headDim values) by
// pos * base^(-2i/headDim).
func Rope(x []float32, pos, headDim int, base float32) {
	heads := len(x) / headDim
	for i := 0; i < headDim; i += 2 {
		theta := float64(pos) * math.Pow(float64(base), -float64(i)/float64(headDim))
		cos, sin := float32(math.Cos(theta)), float32(math.Sin(theta))
		for h := 0; h < heads; h++ {
			idx := h*headDim + i
			x0, x1 := x[idx], x[idx+1]
			x[idx] = x0*cos - x1*sin
			x[idx+1] = x0*sin + x1*cos
		}
	}
}

// Argmax returns the index of the largest value, lowest index on ties.
func Argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}
