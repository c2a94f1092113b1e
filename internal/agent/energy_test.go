package agent

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

// pcmFrame builds a mono frame where every sample has the given amplitude.
func pcmFrame(amplitude int16, samples, sampleRate int) AudioFrame {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(amplitude))
	}
	return NewAudioFrame(data, sampleRate, 1, samples)
}

func TestEnergyFilterLoudFramesPass(t *testing.T) {
	f := NewEnergyFilter(0, 0)
	assert.True(t, f.PushFrame(pcmFrame(8000, 160, 16000)))
}

func TestEnergyFilterQuietPassesDuringCooldown(t *testing.T) {
	// 10 ms frames against a 25 ms cooldown: two quiet frames pass, the
	// third is gated.
	f := NewEnergyFilter(DefaultEnergyThreshold, 0.025)

	assert.True(t, f.PushFrame(pcmFrame(8000, 160, 16000)))
	assert.True(t, f.PushFrame(pcmFrame(0, 160, 16000)))
	assert.True(t, f.PushFrame(pcmFrame(0, 160, 16000)))
	assert.False(t, f.PushFrame(pcmFrame(0, 160, 16000)))
	assert.False(t, f.PushFrame(pcmFrame(0, 160, 16000)))
}

func TestEnergyFilterLoudRearmsCooldown(t *testing.T) {
	f := NewEnergyFilter(DefaultEnergyThreshold, 0.025)

	assert.True(t, f.PushFrame(pcmFrame(8000, 160, 16000)))
	assert.True(t, f.PushFrame(pcmFrame(0, 160, 16000)))
	assert.True(t, f.PushFrame(pcmFrame(0, 160, 16000)))
	assert.False(t, f.PushFrame(pcmFrame(0, 160, 16000)))

	// Speech again: the window reopens in full.
	assert.True(t, f.PushFrame(pcmFrame(8000, 160, 16000)))
	assert.True(t, f.PushFrame(pcmFrame(0, 160, 16000)))
	assert.True(t, f.PushFrame(pcmFrame(0, 160, 16000)))
	assert.False(t, f.PushFrame(pcmFrame(0, 160, 16000)))
}

func TestRMSEnergy(t *testing.T) {
	assert.Zero(t, rmsEnergy(nil))
	assert.Zero(t, rmsEnergy(pcmFrame(0, 160, 16000).Data))
	assert.InDelta(t, 0.25, rmsEnergy(pcmFrame(8192, 160, 16000).Data), 0.001)
}
