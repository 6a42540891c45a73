package imaging

import (
	"math"
)

// EdgeStats summarizes the gradient content of a raster.
//
// A captured sheet always carries printed markers, bubble outlines and
// numbers, so an image whose gradients are nearly flat (a blank page, a
// lens cap photo, a fully blurred capture) cannot be recognized at all.
type EdgeStats struct {
	// MeanGradient is the mean Sobel magnitude over the smoothed raster.
	MeanGradient float64 `json:"mean_gradient"`

	// EdgeFraction is the share of pixels whose magnitude exceeds
	// EdgeThreshold.
	EdgeFraction float64 `json:"edge_fraction"`
}

// EdgeThreshold is the Sobel magnitude (on a [0,1] intensity scale) above
// which a pixel counts as an edge.
const EdgeThreshold = 0.25

// MeasureEdges smooths r and computes Sobel gradient statistics.
//
// # Algorithm
//
//  1. Gaussian blur: 5x5 kernel to suppress sensor noise, which would
//     otherwise read as texture
//
//  2. Gradient computation: Sobel operators for X and Y gradients,
//     magnitude = sqrt(Gx² + Gy²), normalized by the kernel gain of 4
//
// Border pixels use clamped (replicated) edge values.
func MeasureEdges(r *Raster) EdgeStats {
	if r.W < 3 || r.H < 3 {
		return EdgeStats{}
	}
	blurred := GaussianBlur(r)

	var sum float64
	edges := 0
	for y := 0; y < r.H; y++ {
		for x := 0; x < r.W; x++ {
			gx := -blurred.At(x-1, y-1) + blurred.At(x+1, y-1) +
				-2*blurred.At(x-1, y) + 2*blurred.At(x+1, y) +
				-blurred.At(x-1, y+1) + blurred.At(x+1, y+1)
			gy := -blurred.At(x-1, y-1) - 2*blurred.At(x, y-1) - blurred.At(x+1, y-1) +
				blurred.At(x-1, y+1) + 2*blurred.At(x, y+1) + blurred.At(x+1, y+1)
			mag := math.Sqrt(gx*gx+gy*gy) / 4
			sum += mag
			if mag > EdgeThreshold {
				edges++
			}
		}
	}
	n := float64(r.W * r.H)
	return EdgeStats{
		MeanGradient: sum / n,
		EdgeFraction: float64(edges) / n,
	}
}

// GaussianBlur applies a 5x5 Gaussian blur.
//
// Uses a standard 5x5 Gaussian kernel with sigma ≈ 1.4:
//
//	1  4  7  4  1
//	4 16 26 16  4
//	7 26 41 26  7
//	4 16 26 16  4
//	1  4  7  4  1
//
// Total kernel sum = 273, used for normalization.
func GaussianBlur(r *Raster) *Raster {
	kernel := [5][5]float64{
		{1, 4, 7, 4, 1},
		{4, 16, 26, 16, 4},
		{7, 26, 41, 26, 7},
		{4, 16, 26, 16, 4},
		{1, 4, 7, 4, 1},
	}
	const kernelSum = 273.0

	out := &Raster{W: r.W, H: r.H, Pix: make([]float32, len(r.Pix))}
	for y := 0; y < r.H; y++ {
		for x := 0; x < r.W; x++ {
			var sum float64
			for ky := -2; ky <= 2; ky++ {
				for kx := -2; kx <= 2; kx++ {
					sum += r.At(x+kx, y+ky) * kernel[ky+2][kx+2]
				}
			}
			out.Pix[y*r.W+x] = float32(sum / kernelSum)
		}
	}
	return out
}
