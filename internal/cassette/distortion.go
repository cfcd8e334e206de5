package cassette

import (
	"github.com/loqalabs/loqa-cassette/internal/constants"
	"github.com/loqalabs/loqa-cassette/internal/dsp"
)

// Distortion is the playback coloring chain: optional pre-compression,
// optional high-pass, optional low-pass, then a final compressor. Stage
// switches and coefficients are read from constants on every Run, so edits
// to the constants file apply on the next block. Filter history carries over
// between blocks.
type Distortion struct {
	consts constants.Source
	high   dsp.HighPass
	low    dsp.LowPass
}

// NewDistortion returns a chain reading its settings from consts.
func NewDistortion(consts constants.Source) *Distortion {
	return &Distortion{consts: constants.OrEmpty(consts)}
}

// Run processes samples in place.
func (d *Distortion) Run(samples []float32) {
	if len(samples) == 0 {
		return
	}
	c := d.consts

	if c.GetBool("cassette_dist_pre_compress") {
		dsp.CompressBlock(samples, compressParams(c, preCompressKeys))
	}
	if c.GetBool("cassette_dist_high_pass") {
		d.high.Process(samples, float32(constants.DoubleOr(c, "cassette_dist_high_pass_alpha", 1)))
	}
	if c.GetBool("cassette_dist_low_pass") {
		d.low.Process(samples, float32(constants.DoubleOr(c, "cassette_dist_low_pass_alpha", 1)))
	}
	dsp.CompressBlock(samples, compressParams(c, finalCompressKeys))
}

// Reset clears filter history.
func (d *Distortion) Reset() {
	d.high.Reset()
	d.low.Reset()
}

type compressKeys struct {
	mult, thresh, ramp string
}

var (
	preCompressKeys = compressKeys{
		"cassette_dist_pre_compress_mult",
		"cassette_dist_pre_compress_thresh",
		"cassette_dist_pre_compress_ramp",
	}
	finalCompressKeys = compressKeys{
		"cassette_dist_compress_mult",
		"cassette_dist_compress_thresh",
		"cassette_dist_compress_ramp",
	}
)

// compressParams reads one compressor's settings. Missing keys give a
// pass-through stage for inputs in [-1, 1].
func compressParams(c constants.Source, k compressKeys) dsp.CompressParams {
	return dsp.CompressParams{
		Mult:   float32(constants.DoubleOr(c, k.mult, 1)),
		Thresh: float32(constants.DoubleOr(c, k.thresh, 1)),
		Ramp:   float32(constants.DoubleOr(c, k.ramp, 1)),
	}
}
