// Package features turns raw post records into normalized content features
// and performance outcomes.
package features

// ContentFeatures describes one post. Treat it as a value: the With* methods
// return modified copies and never touch the receiver.
type ContentFeatures struct {
	PostingHour       int     `json:"posting_hour"`    // 0-23
	PostingWeekday    int     `json:"posting_weekday"` // 0-6, Monday=0
	CaptionLength     int     `json:"caption_length"`
	HashtagCount      int     `json:"hashtag_count"`
	HasImage          bool    `json:"has_image"`
	SentimentScore    float64 `json:"sentiment_score"`   // -1..1
	ReadabilityScore  float64 `json:"readability_score"` // 0..100
	ContentType       string  `json:"content_type"`
	RegionalRelevance float64 `json:"regional_relevance"` // 0..1
}

func (f ContentFeatures) WithPostingHour(h int) ContentFeatures {
	f.PostingHour = h
	return f
}

func (f ContentFeatures) WithCaptionLength(n int) ContentFeatures {
	f.CaptionLength = n
	return f
}

func (f ContentFeatures) WithHashtagCount(n int) ContentFeatures {
	f.HashtagCount = n
	return f
}

func (f ContentFeatures) WithImage(has bool) ContentFeatures {
	f.HasImage = has
	return f
}

func (f ContentFeatures) WithSentiment(s float64) ContentFeatures {
	f.SentimentScore = s
	return f
}

// Dimensions is the length of Vector.
const Dimensions = 8

// Vector normalizes the features for model input. Content type is not part
// of the vector.
func (f ContentFeatures) Vector() []float64 {
	img := 0.0
	if f.HasImage {
		img = 1
	}
	return []float64{
		float64(f.PostingHour) / 24,
		float64(f.PostingWeekday) / 6,
		min(float64(f.CaptionLength)/300, 1),
		min(float64(f.HashtagCount)/10, 1),
		img,
		(f.SentimentScore + 1) / 2,
		f.ReadabilityScore / 100,
		f.RegionalRelevance,
	}
}

// PerformanceOutcome is what a post achieved. Rates are percentages.
type PerformanceOutcome struct {
	EngagementRate   float64 `json:"engagement_rate"`
	ReachRate        float64 `json:"reach_rate"`
	ClickThroughRate float64 `json:"click_through_rate"`
	TotalReactions   int     `json:"total_reactions"`
	Comments         int     `json:"comments"`
	Shares           int     `json:"shares"`
	PerformanceScore float64 `json:"performance_score"` // 0..1
}

// CompositeScore weights engagement 0.4 and reach, CTR and social signals
// 0.2 each, capped at 1.
func CompositeScore(engagement, reach, ctr float64, reactions, comments, shares int) float64 {
	social := min(1, float64(reactions+3*comments+5*shares)/100)
	score := 0.4*(engagement/10) + 0.2*(reach/100) + 0.2*(ctr/5) + 0.2*social
	return min(1, score)
}

// Sample pairs the features of a post with what it achieved.
type Sample struct {
	Features ContentFeatures    `json:"features"`
	Outcome  PerformanceOutcome `json:"outcome"`
}
