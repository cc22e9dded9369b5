// Package metrics implements image quality metrics over denormalized
// sample data
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// PSNR returns the peak signal-to-noise ratio in decibels between an
// output and a target image, both already denormalized to
// [0, dataRange]. Identical images yield +Inf.
func PSNR(output, target []float64, dataRange float64) (float64, error) {
	if len(output) != len(target) {
		return 0, fmt.Errorf("psnr: length mismatch\n\twant(%v)"+
			"\n\thave(%v)", len(target), len(output))
	}
	if len(output) == 0 {
		return 0, fmt.Errorf("psnr: empty input")
	}

	var mse float64
	for i := range output {
		diff := output[i] - target[i]
		mse += diff * diff
	}
	mse /= float64(len(output))

	if mse == 0 {
		return math.Inf(1), nil
	}
	return 10 * math.Log10(dataRange*dataRange/mse), nil
}

// SSIM returns the structural similarity index between an output and a
// target image, both already denormalized to [0, dataRange]. The
// statistics are computed globally over the whole image rather than
// over a sliding window.
func SSIM(output, target []float64, dataRange float64) (float64, error) {
	if len(output) != len(target) {
		return 0, fmt.Errorf("ssim: length mismatch\n\twant(%v)"+
			"\n\thave(%v)", len(target), len(output))
	}
	if len(output) < 2 {
		return 0, fmt.Errorf("ssim: need at least 2 elements but have %v",
			len(output))
	}

	muX := stat.Mean(output, nil)
	muY := stat.Mean(target, nil)
	varX := stat.Variance(output, nil)
	varY := stat.Variance(target, nil)
	cov := stat.Covariance(output, target, nil)

	c1 := (0.01 * dataRange) * (0.01 * dataRange)
	c2 := (0.03 * dataRange) * (0.03 * dataRange)

	numerator := (2*muX*muY + c1) * (2*cov + c2)
	denominator := (muX*muX + muY*muY + c1) * (varX + varY + c2)
	return numerator / denominator, nil
}
