package audio

// AGC 自动增益控制
//
// 跟踪校正后电平的滚动均值，并调整乘性增益使其逼近目标电平。
// 下游呼吸检测阈值因此不随麦克风摆放距离/音量变化。
type AGC struct {
	targetLevel float64
	adaptRate   float64

	gain     float64
	avgLevel float64
	primed   bool
}

const (
	minGain = 0.1
	maxGain = 100.0
)

// NewAGC 创建 AGC
// targetLevel: 期望的校正后电平
// adaptRate: 每个样本的调整速率 (0,1]
func NewAGC(targetLevel, adaptRate float64) *AGC {
	return &AGC{
		targetLevel: targetLevel,
		adaptRate:   adaptRate,
		gain:        1.0,
	}
}

// Apply 对单个 RMS 电平应用增益校正，并更新增益
func (a *AGC) Apply(level float64) float64 {
	corrected := level * a.gain

	if !a.primed {
		a.avgLevel = corrected
		a.primed = true
	} else {
		a.avgLevel = (1-a.adaptRate)*a.avgLevel + a.adaptRate*corrected
	}

	// 滚动均值偏离目标时按比例调整增益
	if a.avgLevel > 1e-9 {
		a.gain *= 1 + a.adaptRate*(a.targetLevel-a.avgLevel)/a.avgLevel
		if a.gain < minGain {
			a.gain = minGain
		}
		if a.gain > maxGain {
			a.gain = maxGain
		}
	}

	return corrected
}

// CurrentGain 当前增益（校准 UI 展示用）
func (a *AGC) CurrentGain() float64 {
	return a.gain
}

// Reset 重置增益状态（会话/校准启动时）
func (a *AGC) Reset() {
	a.gain = 1.0
	a.avgLevel = 0
	a.primed = false
}
