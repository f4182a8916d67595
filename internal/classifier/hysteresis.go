package classifier

// Hysteresis 连续信号确认器
//
// 单次合格信号不足以提交状态变化，需要连续 required 次；任何一次
// 不合格都清零计数。窗口大小是显式参数，便于单独测试。
type Hysteresis struct {
	required int
	count    int
}

// NewHysteresis 创建确认器
func NewHysteresis(required int) *Hysteresis {
	if required < 1 {
		required = 1
	}
	return &Hysteresis{required: required}
}

// Observe 喂入一次信号，返回是否已达到提交条件
func (h *Hysteresis) Observe(signal bool) bool {
	if signal {
		h.count++
	} else {
		h.count = 0
	}
	return h.count >= h.required
}

// Count 当前连续合格次数
func (h *Hysteresis) Count() int {
	return h.count
}

// Reset 清零计数
func (h *Hysteresis) Reset() {
	h.count = 0
}
