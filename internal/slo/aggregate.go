package slo

import (
	"math"
	"sort"
)

// aggregate reduces a window to one percentage using method.
//
// The percentile methods report the performance level met by that share of
// samples, so p99 is the worst performance outside the bottom 1%.
func aggregate(method Aggregation, window []Measurement) (float64, bool) {
	if len(window) == 0 {
		return 0, false
	}

	switch method {
	case AggregationP95:
		return lowerPercentile(window, 0.95), true
	case AggregationP99:
		return lowerPercentile(window, 0.99), true
	default:
		var success, total int64
		for _, m := range window {
			success += m.Success
			total += m.Total
		}
		if total == 0 {
			return 0, false
		}
		return float64(success) / float64(total) * 100, true
	}
}

func lowerPercentile(window []Measurement, p float64) float64 {
	values := make([]float64, len(window))
	for i, m := range window {
		values[i] = m.Performance()
	}
	sort.Float64s(values)

	// the epsilon absorbs float error in 1-p, e.g. 1-0.95 > 0.05
	idx := int(math.Ceil((1-p)*float64(len(values))-1e-9)) - 1
	if idx < 0 {
		idx = 0
	}
	return values[idx]
}
