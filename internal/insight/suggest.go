package insight

import (
	"fmt"
	"sort"

	"postwise/internal/features"
	"postwise/internal/predict"
)

const MaxSuggestions = 5

// Predictor is the slice of *predict.Predictor that Suggest needs.
type Predictor interface {
	PredictE(features.ContentFeatures) (predict.Prediction, error)
}

type Suggestion struct {
	Text                string                   `json:"suggestion"`
	Improvement         float64                  `json:"improvement"`
	ExpectedImprovement string                   `json:"expected_improvement"`
	Confidence          float64                  `json:"confidence"`
	PredictedScore      float64                  `json:"predicted_score"`
	Features            features.ContentFeatures `json:"features"`
}

type variant struct {
	text string
	f    features.ContentFeatures
}

func variants(cur features.ContentFeatures) []variant {
	return []variant{
		{"Post at 9 AM", cur.WithPostingHour(9)},
		{"Post at 12 PM", cur.WithPostingHour(12)},
		{"Post at 6 PM", cur.WithPostingHour(18)},
		{"Optimize caption to 150 characters", cur.WithCaptionLength(150)},
		{"Optimize caption to 200 characters", cur.WithCaptionLength(200)},
		{"Add image to post", cur.WithImage(true)},
		{"Remove image from post", cur.WithImage(false)},
		{"Use 3 hashtags", cur.WithHashtagCount(3)},
		{"Use 5 hashtags", cur.WithHashtagCount(5)},
		{"Make content more positive", cur.WithSentiment(0.8)},
		{"Use more neutral tone", cur.WithSentiment(-0.2)},
	}
}

// Suggest predicts a fixed set of single-field variants of current and
// returns up to five whose relative improvement over current reaches target,
// best first. An untrained predictor yields errs.ErrPredictionUnavailable.
func Suggest(p Predictor, current features.ContentFeatures, target float64) ([]Suggestion, error) {
	base, err := p.PredictE(current)
	if err != nil {
		return nil, err
	}

	out := []Suggestion{}
	for _, v := range variants(current) {
		pr, err := p.PredictE(v.f)
		if err != nil {
			return nil, err
		}
		imp := 0.0
		if base.Overall > 0 {
			imp = (pr.Overall - base.Overall) / base.Overall
		}
		if imp < target {
			continue
		}
		conf := 1.0
		if target > 0 {
			conf = min(1, imp/target)
		}
		out = append(out, Suggestion{
			Text:                v.text,
			Improvement:         imp,
			ExpectedImprovement: fmt.Sprintf("%.1f%%", imp*100),
			Confidence:          conf,
			PredictedScore:      pr.Overall,
			Features:            v.f,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Improvement > out[j].Improvement })
	if len(out) > MaxSuggestions {
		out = out[:MaxSuggestions]
	}
	return out, nil
}
