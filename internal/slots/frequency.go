package slots

// RecommendedFrequencyHours suggests hours between posts for a page.
//
// Steps run in a fixed order and each one clamps:
//   - followers: >100k -> 4, >50k -> 5, <1k -> 8, otherwise 6
//   - quality: >0.8 -> -1 (floor 2), <0.5 -> +2 (ceiling 12)
//   - mean engagement history: >5.0 -> -1 (floor 3), <1.0 -> +2 (ceiling 12)
func RecommendedFrequencyHours(followers int, quality float64, engagementHistory []float64) int {
	freq := DefaultFrequencyHours
	switch {
	case followers > 100000:
		freq = 4
	case followers > 50000:
		freq = 5
	case followers < 1000:
		freq = 8
	}

	switch {
	case quality > 0.8:
		freq = max(2, freq-1)
	case quality < 0.5:
		freq = min(12, freq+2)
	}

	if len(engagementHistory) > 0 {
		var sum float64
		for _, v := range engagementHistory {
			sum += v
		}
		mean := sum / float64(len(engagementHistory))
		switch {
		case mean > 5.0:
			freq = max(3, freq-1)
		case mean < 1.0:
			freq = min(12, freq+2)
		}
	}
	return freq
}
