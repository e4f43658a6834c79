package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Downsampler converts capture-rate mono buffers to the transmit rate.
// It keeps filter state between calls, so one instance serves one source.
type Downsampler struct {
	inputRate  int
	outputRate int
	resampler  resampling.Resampler // nil when the rates match
}

// NewDownsampler creates a mono converter from inputRate to outputRate
func NewDownsampler(inputRate, outputRate int) (*Downsampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", inputRate, outputRate)
	}

	d := &Downsampler{
		inputRate:  inputRate,
		outputRate: outputRate,
	}

	if inputRate == outputRate {
		return d, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(inputRate),
		OutputRate: float64(outputRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	d.resampler = r

	return d, nil
}

// Process resamples one buffer. The output length follows the rate ratio but may
// vary slightly between calls while the filter fills.
func (d *Downsampler) Process(samples []float32) ([]float32, error) {
	if d.resampler == nil {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out, nil
	}

	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s)
	}

	output, err := d.resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(s)
	}
	return out, nil
}

// InputRate returns the capture sample rate
func (d *Downsampler) InputRate() int {
	return d.inputRate
}

// OutputRate returns the transmit sample rate
func (d *Downsampler) OutputRate() int {
	return d.outputRate
}
