package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAGC_AmplifiesQuietSignal(t *testing.T) {
	agc := NewAGC(0.5, 0.05)

	// 恒定弱信号：增益应上调，校正后电平逼近目标
	var corrected float64
	for i := 0; i < 2000; i++ {
		corrected = agc.Apply(0.1)
	}

	assert.Greater(t, agc.CurrentGain(), 1.0)
	assert.InDelta(t, 0.5, corrected, 0.1)
}

func TestAGC_AttenuatesLoudSignal(t *testing.T) {
	agc := NewAGC(0.5, 0.05)

	var corrected float64
	for i := 0; i < 2000; i++ {
		corrected = agc.Apply(2.0)
	}

	assert.Less(t, agc.CurrentGain(), 1.0)
	assert.InDelta(t, 0.5, corrected, 0.1)
}

func TestAGC_GainClamped(t *testing.T) {
	agc := NewAGC(0.5, 0.5)

	// 接近零的输入不应把增益推到无穷
	for i := 0; i < 1000; i++ {
		agc.Apply(1e-6)
	}
	assert.LessOrEqual(t, agc.CurrentGain(), maxGain)

	agc.Reset()
	assert.Equal(t, 1.0, agc.CurrentGain())
}
