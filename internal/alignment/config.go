package alignment

// Config tunes feature detection, matching and transform estimation.
// Distances are in working-resolution pixels.
type Config struct {
	// WorkingWidth is the width both images are resampled to before feature
	// detection.
	WorkingWidth int

	// Harris corner detection
	MaxFeatures       int
	HarrisK           float64
	ResponseThreshold float64 // relative to the strongest response
	NMSRadius         int

	// Patch descriptors
	PatchRadius int
	PatchStride int

	// Matching
	RatioTest float64

	// RANSAC
	RansacIterations int
	InlierThreshold  float64
	MinScale         float64
	MaxScale         float64
	Seed             uint64

	// Acceptance
	MinCorrespondences int
	MinConfidence      float64
}

// DefaultConfig returns settings suited to scanned A4/Letter pages.
func DefaultConfig() Config {
	return Config{
		WorkingWidth:       512,
		MaxFeatures:        400,
		HarrisK:            0.04,
		ResponseThreshold:  0.01,
		NMSRadius:          3,
		PatchRadius:        8,
		PatchStride:        2,
		RatioTest:          0.8,
		RansacIterations:   1000,
		InlierThreshold:    3.0,
		MinScale:           0.5,
		MaxScale:           2.0,
		Seed:               1,
		MinCorrespondences: 6,
		MinConfidence:      60,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkingWidth <= 0 {
		c.WorkingWidth = d.WorkingWidth
	}
	if c.MaxFeatures <= 0 {
		c.MaxFeatures = d.MaxFeatures
	}
	if c.HarrisK <= 0 {
		c.HarrisK = d.HarrisK
	}
	if c.ResponseThreshold <= 0 {
		c.ResponseThreshold = d.ResponseThreshold
	}
	if c.NMSRadius <= 0 {
		c.NMSRadius = d.NMSRadius
	}
	if c.PatchRadius <= 0 {
		c.PatchRadius = d.PatchRadius
	}
	if c.PatchStride <= 0 {
		c.PatchStride = d.PatchStride
	}
	if c.RatioTest <= 0 || c.RatioTest > 1 {
		c.RatioTest = d.RatioTest
	}
	if c.RansacIterations <= 0 {
		c.RansacIterations = d.RansacIterations
	}
	if c.InlierThreshold <= 0 {
		c.InlierThreshold = d.InlierThreshold
	}
	if c.MinScale <= 0 {
		c.MinScale = d.MinScale
	}
	if c.MaxScale <= c.MinScale {
		c.MaxScale = d.MaxScale
	}
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
	if c.MinCorrespondences < 3 {
		c.MinCorrespondences = d.MinCorrespondences
	}
	if c.MinConfidence <= 0 || c.MinConfidence > 100 {
		c.MinConfidence = d.MinConfidence
	}
	return c
}
