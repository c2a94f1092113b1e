package agent

import (
	"encoding/binary"
	"math"
)

const (
	// DefaultEnergyThreshold is the RMS level separating speech from noise.
	DefaultEnergyThreshold = 0.004
	// DefaultEnergyCooldown keeps passing quiet frames for this long after
	// the last loud one, so trailing syllables are not chopped off.
	DefaultEnergyCooldown = 1.0
)

// EnergyFilter gates audio frames on RMS energy with a trailing cooldown.
// It is stateful only in the cooldown countdown; frames are never modified.
type EnergyFilter struct {
	threshold       float64
	cooldownSeconds float64
	cooldown        float64
}

func NewEnergyFilter(threshold, cooldownSeconds float64) *EnergyFilter {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	if cooldownSeconds <= 0 {
		cooldownSeconds = DefaultEnergyCooldown
	}
	return &EnergyFilter{
		threshold:       threshold,
		cooldownSeconds: cooldownSeconds,
		cooldown:        cooldownSeconds,
	}
}

// PushFrame reports whether the frame should be forwarded to transcription.
// Loud frames always pass and rearm the cooldown; quiet frames pass until
// the cooldown runs out.
func (f *EnergyFilter) PushFrame(frame AudioFrame) bool {
	if rmsEnergy(frame.Data) > f.threshold {
		f.cooldown = f.cooldownSeconds
		return true
	}

	if frame.SampleRate > 0 {
		f.cooldown -= float64(frame.SamplesPerChannel) / float64(frame.SampleRate)
	}
	return f.cooldown > 0
}

// rmsEnergy computes root-mean-square of 16-bit LE samples normalized to
// [-1, 1]. Returns 0 for buffers shorter than one sample.
func rmsEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		n := float64(s) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(samples))
}
