package insight

import (
	"errors"
	"testing"

	"postwise/internal/errs"
	"postwise/internal/features"
	"postwise/internal/predict"
)

func sample(hour, length, tags int, image bool, sentiment, relevance, eng float64) features.Sample {
	return features.Sample{
		Features: features.ContentFeatures{
			PostingHour: hour, PostingWeekday: hour % 7, CaptionLength: length, HashtagCount: tags,
			HasImage: image, SentimentScore: sentiment, ReadabilityScore: 50, RegionalRelevance: relevance,
		},
		Outcome: features.PerformanceOutcome{EngagementRate: eng},
	}
}

func findRec(recs []Recommendation, typ string) (Recommendation, bool) {
	for _, r := range recs {
		if r.Type == typ {
			return r, true
		}
	}
	return Recommendation{}, false
}

func TestAnalyzeInsufficient(t *testing.T) {
	t.Parallel()
	var in []features.Sample
	for i := 0; i < 5; i++ {
		in = append(in, sample(9, 120, 2, true, 0, 0, 3))
	}
	a := Analyze(in)
	if !a.Insufficient || a.Reason == "" || a.TotalPosts != 5 {
		t.Fatalf("Analyze = %+v", a)
	}
	if len(a.Recommendations) != 0 {
		t.Fatal("insufficient analysis must not recommend")
	}
}

func TestAnalyzeImageLift(t *testing.T) {
	t.Parallel()
	var in []features.Sample
	for i := 0; i < 25; i++ {
		image := i%2 == 0
		eng := 2.0
		if image {
			eng = 4.0
		}
		in = append(in, sample(8+i%10, 50+i*10, i%4, image, 0.1, 0.2, eng))
	}
	a := Analyze(in)
	if a.Insufficient {
		t.Fatalf("unexpected insufficient: %s", a.Reason)
	}
	if a.Image.WithImage.Count != 13 || a.Image.WithoutImage.Count != 12 {
		t.Fatalf("image counts = %+v", a.Image)
	}
	rec, ok := findRec(a.Recommendations, "visual_content")
	if !ok {
		t.Fatalf("missing visual_content in %+v", a.Recommendations)
	}
	if rec.Priority != PriorityHigh || rec.Confidence != 0.9 || rec.ExpectedImprovement != "100.0% increase in engagement" {
		t.Fatalf("visual_content = %+v", rec)
	}
	for _, typ := range []string{"posting_time", "content_length", "hashtags", "content_tone"} {
		if _, ok := findRec(a.Recommendations, typ); !ok {
			t.Fatalf("missing %s recommendation", typ)
		}
	}
}

func TestAnalyzeNoImageRecommendationBelowThreshold(t *testing.T) {
	t.Parallel()
	var in []features.Sample
	for i := 0; i < 12; i++ {
		eng := 3.0
		if i%2 == 0 {
			eng = 3.5 // ~17% lift, under the threshold
		}
		in = append(in, sample(12, 150, 3, i%2 == 0, 0, 0, eng))
	}
	if _, ok := findRec(Analyze(in).Recommendations, "visual_content"); ok {
		t.Fatal("visual_content must require >20% lift")
	}

	// Only image posts: no baseline to compare against.
	var only []features.Sample
	for i := 0; i < 12; i++ {
		only = append(only, sample(12, 150, 3, true, 0, 0, 5))
	}
	if _, ok := findRec(Analyze(only).Recommendations, "visual_content"); ok {
		t.Fatal("visual_content needs both image buckets")
	}
}

func TestAnalyzeBuckets(t *testing.T) {
	t.Parallel()
	in := []features.Sample{
		sample(9, 0, 0, false, -1, 0, 1),
		sample(9, 99, 1, false, -0.31, 0.29, 2),
		sample(12, 100, 10, false, -0.3, 0.3, 3),
		sample(12, 250, 14, false, 0.29, 0.69, 4),
		sample(15, 300, 2, true, 0.3, 0.7, 5),
		sample(15, 5000, 2, true, 1, 1, 6),
		sample(18, 120, 2, true, 0, 0.5, 7),
		sample(18, 120, 2, true, 0, 0.5, 8),
		sample(21, 120, 2, true, 0, 0.5, 9),
		sample(21, 120, 2, true, 0, 0.5, 10),
	}
	a := Analyze(in)

	wantLen := map[string]int{"short": 2, "medium": 5, "long": 1, "very_long": 2}
	for _, b := range a.CaptionLength {
		if wantLen[b.Name] != b.Count {
			t.Fatalf("length bucket %s = %d, want %d", b.Name, b.Count, wantLen[b.Name])
		}
	}
	wantSent := map[string]int{"negative": 2, "neutral": 6, "positive": 2}
	for _, b := range a.Sentiment {
		if wantSent[b.Name] != b.Count {
			t.Fatalf("sentiment bucket %s = %d, want %d", b.Name, b.Count, wantSent[b.Name])
		}
	}
	wantRel := map[string]int{"low": 2, "medium": 6, "high": 2}
	for _, b := range a.Relevance {
		if wantRel[b.Name] != b.Count {
			t.Fatalf("relevance bucket %s = %d, want %d", b.Name, b.Count, wantRel[b.Name])
		}
	}
	var tenPlus Bucket
	for _, b := range a.Hashtags {
		if b.Name == "10+" {
			tenPlus = b
		}
	}
	if tenPlus.Count != 2 || tenPlus.AvgEngagement != 3.5 {
		t.Fatalf("10+ bucket = %+v", tenPlus)
	}

	if got := a.Time.OptimalHours; len(got) != 3 || got[0] != 21 || got[1] != 18 || got[2] != 15 {
		t.Fatalf("optimal hours = %v", got)
	}
	if got := a.Time.AvoidHours; len(got) != 2 || got[0] != 12 || got[1] != 9 {
		t.Fatalf("avoid hours = %v", got)
	}
	rec, _ := findRec(a.Recommendations, "posting_time")
	if rec.Text != "Post during peak hours: 21, 18, 15" {
		t.Fatalf("posting_time text = %q", rec.Text)
	}
}

func TestBestTieKeepsCanonicalOrder(t *testing.T) {
	t.Parallel()
	b, ok := best([]Bucket{{Name: "short", AvgEngagement: 2}, {Name: "medium", AvgEngagement: 2}})
	if !ok || b.Name != "short" {
		t.Fatalf("best = %+v", b)
	}
}

// scorer predicts from a fixed rule so suggestions are easy to reason about.
type scorer struct{ base float64 }

func (s scorer) PredictE(f features.ContentFeatures) (predict.Prediction, error) {
	score := s.base
	if s.base > 0 {
		if f.HasImage {
			score += 0.2
		}
		if f.PostingHour == 18 {
			score += 0.1
		}
	}
	return predict.Prediction{Trained: true, Overall: score}, nil
}

func TestSuggest(t *testing.T) {
	t.Parallel()
	cur := features.ContentFeatures{PostingHour: 9, CaptionLength: 80}

	got, err := Suggest(scorer{base: 0.2}, cur, 0.2)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d suggestions: %+v", len(got), got)
	}
	if got[0].Text != "Add image to post" || got[0].ExpectedImprovement != "100.0%" || got[0].Confidence != 1 {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].Text != "Post at 6 PM" || got[1].Features.PostingHour != 18 {
		t.Fatalf("second = %+v", got[1])
	}
	if cur.PostingHour != 9 || cur.HasImage {
		t.Fatal("current features mutated")
	}
}

func TestSuggestZeroBaseline(t *testing.T) {
	t.Parallel()
	got, err := Suggest(scorer{}, features.ContentFeatures{}, 0.1)
	if err != nil || len(got) != 0 {
		t.Fatalf("zero baseline: %v, %v", got, err)
	}
	got, _ = Suggest(scorer{}, features.ContentFeatures{}, 0)
	if len(got) != MaxSuggestions || got[0].Text != "Post at 9 AM" {
		t.Fatalf("zero target: %+v", got)
	}
}

func TestSuggestUntrained(t *testing.T) {
	t.Parallel()
	_, err := Suggest(predict.New(), features.ContentFeatures{}, 0.2)
	if !errors.Is(err, errs.ErrPredictionUnavailable) {
		t.Fatalf("err = %v", err)
	}
}
