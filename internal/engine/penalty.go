package engine

// ApplyRepeatPenalty discounts the logits of every distinct token in context:
// positive scores are divided by penalty, negative scores multiplied by it.
// logits is modified in place. A penalty of 1 leaves logits unchanged.
func ApplyRepeatPenalty(logits []float32, penalty float64, context []int) {
	if penalty == 1 || len(context) == 0 {
		return
	}
	seen := make(map[int]struct{}, len(context))
	p := float32(penalty)
	for _, id := range context {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if logits[id] >= 0 {
			logits[id] /= p
		} else {
			logits[id] *= p
		}
	}
}

// penaltyWindow returns the trailing lastN tokens of buf.
func penaltyWindow(buf []int, lastN int) []int {
	if lastN <= 0 {
		return nil
	}
	start := len(buf) - lastN
	if start < 0 {
		start = 0
	}
	return buf[start:]
}
