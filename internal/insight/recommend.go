package insight

import (
	"fmt"
	"strconv"
	"strings"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
)

type Recommendation struct {
	Type                string   `json:"type"`
	Priority            Priority `json:"priority"`
	Text                string   `json:"recommendation"`
	ExpectedImprovement string   `json:"expected_improvement"`
	Confidence          float64  `json:"confidence"`
}

// imageLiftThreshold is the with/without image ratio above which images are recommended.
const imageLiftThreshold = 1.2

func recommend(a Analysis) []Recommendation {
	recs := []Recommendation{}

	if len(a.Time.BestHours) > 0 {
		hours := make([]string, 0, 3)
		for _, h := range a.Time.BestHours[:min(3, len(a.Time.BestHours))] {
			hours = append(hours, strconv.Itoa(h.Hour))
		}
		recs = append(recs, Recommendation{
			Type:                "posting_time",
			Priority:            PriorityHigh,
			Text:                "Post during peak hours: " + strings.Join(hours, ", "),
			ExpectedImprovement: "15-25% increase in engagement",
			Confidence:          0.8,
		})
	}

	if b, ok := best(a.CaptionLength); ok {
		recs = append(recs, Recommendation{
			Type:                "content_length",
			Priority:            PriorityMedium,
			Text:                fmt.Sprintf("Optimize caption length for '%s' range", b.Name),
			ExpectedImprovement: "10-15% increase in engagement",
			Confidence:          0.7,
		})
	}

	with, without := a.Image.WithImage, a.Image.WithoutImage
	if with.Count > 0 && without.Count > 0 && with.AvgEngagement > without.AvgEngagement*imageLiftThreshold {
		expected := "significant increase in engagement"
		if without.AvgEngagement > 0 {
			lift := (with.AvgEngagement - without.AvgEngagement) / without.AvgEngagement * 100
			expected = fmt.Sprintf("%.1f%% increase in engagement", lift)
		}
		recs = append(recs, Recommendation{
			Type:                "visual_content",
			Priority:            PriorityHigh,
			Text:                "Always include images with posts",
			ExpectedImprovement: expected,
			Confidence:          0.9,
		})
	}

	if b, ok := best(a.Hashtags); ok {
		recs = append(recs, Recommendation{
			Type:                "hashtags",
			Priority:            PriorityMedium,
			Text:                fmt.Sprintf("Use approximately %s hashtags per post", b.Name),
			ExpectedImprovement: "5-10% increase in reach",
			Confidence:          0.6,
		})
	}

	if b, ok := best(a.Sentiment); ok {
		recs = append(recs, Recommendation{
			Type:                "content_tone",
			Priority:            PriorityMedium,
			Text:                fmt.Sprintf("Focus on %s tone in captions", b.Name),
			ExpectedImprovement: "8-12% increase in engagement",
			Confidence:          0.7,
		})
	}
	return recs
}
