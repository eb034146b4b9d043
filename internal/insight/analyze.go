// Package insight buckets historical post performance and turns the buckets
// and model what-if predictions into ranked recommendations.
//
// Expected-improvement ranges and confidences attached to recommendations
// are fixed heuristics, not statistical estimates.
package insight

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"postwise/internal/features"
)

const MinAnalysisSamples = 10

// Bucket is the mean engagement rate of the samples that fell into a range.
type Bucket struct {
	Name          string  `json:"name"`
	AvgEngagement float64 `json:"avg_engagement"`
	Count         int     `json:"count"`
}

type HourStat struct {
	Hour          int     `json:"hour"`
	AvgEngagement float64 `json:"avg_engagement"`
	Count         int     `json:"count"`
}

type TimeAnalysis struct {
	BestHours    []HourStat `json:"best_hours"` // top 5
	Weekdays     []Bucket   `json:"weekdays"`
	OptimalHours []int      `json:"optimal_hours"` // top 3
	AvoidHours   []int      `json:"avoid_hours"`   // bottom 2
}

type ImageImpact struct {
	WithImage    Bucket `json:"with_image"`
	WithoutImage Bucket `json:"without_image"`
}

// Analysis is the bucketed view of a sample set. When Insufficient is set
// only Reason and TotalPosts are filled in.
type Analysis struct {
	Insufficient    bool             `json:"insufficient,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	TotalPosts      int              `json:"total_posts"`
	Time            TimeAnalysis     `json:"time"`
	CaptionLength   []Bucket         `json:"caption_length"`
	Hashtags        []Bucket         `json:"hashtags"`
	Image           ImageImpact      `json:"image"`
	Sentiment       []Bucket         `json:"sentiment"`
	Relevance       []Bucket         `json:"relevance"`
	Recommendations []Recommendation `json:"recommendations"`
}

type span struct {
	name   string
	lo, hi float64
	closed bool // include hi
}

func (s span) contains(v float64) bool {
	if v < s.lo {
		return false
	}
	if s.closed {
		return v <= s.hi
	}
	return v < s.hi
}

var (
	lengthSpans = []span{
		{name: "short", lo: 0, hi: 100},
		{name: "medium", lo: 100, hi: 200},
		{name: "long", lo: 200, hi: 300},
		{name: "very_long", lo: 300, hi: math.Inf(1)},
	}
	sentimentSpans = []span{
		{name: "negative", lo: -1, hi: -0.3},
		{name: "neutral", lo: -0.3, hi: 0.3},
		{name: "positive", lo: 0.3, hi: 1, closed: true},
	}
	relevanceSpans = []span{
		{name: "low", lo: 0, hi: 0.3},
		{name: "medium", lo: 0.3, hi: 0.7},
		{name: "high", lo: 0.7, hi: 1, closed: true},
	}
)

const maxHashtagBucket = 10

// accum collects engagement rates for a fixed, ordered set of bucket names.
type accum struct {
	order []string
	sum   map[string]float64
	n     map[string]int
}

func newAccum(order []string) *accum {
	return &accum{order: order, sum: map[string]float64{}, n: map[string]int{}}
}

func (a *accum) add(name string, v float64) {
	a.sum[name] += v
	a.n[name]++
}

// buckets returns the non-empty buckets in canonical order.
func (a *accum) buckets() []Bucket {
	out := []Bucket{}
	for _, name := range a.order {
		n := a.n[name]
		if n == 0 {
			continue
		}
		out = append(out, Bucket{Name: name, AvgEngagement: a.sum[name] / float64(n), Count: n})
	}
	return out
}

func spanNames(spans []span) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.name
	}
	return out
}

func hashtagBucket(n int) string {
	if n >= maxHashtagBucket {
		return strconv.Itoa(maxHashtagBucket) + "+"
	}
	return strconv.Itoa(max(n, 0))
}

func hashtagNames() []string {
	out := make([]string, 0, maxHashtagBucket+1)
	for i := 0; i <= maxHashtagBucket; i++ {
		out = append(out, hashtagBucket(i))
	}
	return out
}

func weekdayNames() []string {
	out := make([]string, 7)
	for i := range out {
		out[i] = features.WeekdayName(i)
	}
	return out
}

// Analyze buckets samples by posting time, caption length, hashtags, image
// presence, sentiment and regional relevance, then derives recommendations.
// Fewer than MinAnalysisSamples samples yield an Insufficient result.
func Analyze(samples []features.Sample) Analysis {
	if len(samples) < MinAnalysisSamples {
		return Analysis{
			Insufficient: true,
			Reason: fmt.Sprintf("insufficient data for analysis: have %d posts, need %d",
				len(samples), MinAnalysisSamples),
			TotalPosts: len(samples),
		}
	}

	var (
		lengths   = newAccum(spanNames(lengthSpans))
		hashtags  = newAccum(hashtagNames())
		sentiment = newAccum(spanNames(sentimentSpans))
		relevance = newAccum(spanNames(relevanceSpans))
		weekdays  = newAccum(weekdayNames())
		images    = newAccum([]string{"with_image", "without_image"})
		hourSum   = map[int]float64{}
		hourN     = map[int]int{}
	)
	for _, s := range samples {
		f, eng := s.Features, s.Outcome.EngagementRate
		hourSum[f.PostingHour] += eng
		hourN[f.PostingHour]++
		if name := features.WeekdayName(f.PostingWeekday); name != "" {
			weekdays.add(name, eng)
		}
		if name, ok := classify(lengthSpans, float64(f.CaptionLength)); ok {
			lengths.add(name, eng)
		}
		hashtags.add(hashtagBucket(f.HashtagCount), eng)
		if f.HasImage {
			images.add("with_image", eng)
		} else {
			images.add("without_image", eng)
		}
		if name, ok := classify(sentimentSpans, f.SentimentScore); ok {
			sentiment.add(name, eng)
		}
		if name, ok := classify(relevanceSpans, f.RegionalRelevance); ok {
			relevance.add(name, eng)
		}
	}

	a := Analysis{
		TotalPosts:    len(samples),
		Time:          timeAnalysis(hourSum, hourN, weekdays.buckets()),
		CaptionLength: lengths.buckets(),
		Hashtags:      hashtags.buckets(),
		Image: ImageImpact{
			WithImage:    bucketOf(images, "with_image"),
			WithoutImage: bucketOf(images, "without_image"),
		},
		Sentiment: sentiment.buckets(),
		Relevance: relevance.buckets(),
	}
	a.Recommendations = recommend(a)
	return a
}

func classify(spans []span, v float64) (string, bool) {
	for _, s := range spans {
		if s.contains(v) {
			return s.name, true
		}
	}
	return "", false
}

func bucketOf(a *accum, name string) Bucket {
	b := Bucket{Name: name, Count: a.n[name]}
	if b.Count > 0 {
		b.AvgEngagement = a.sum[name] / float64(b.Count)
	}
	return b
}

func timeAnalysis(sum map[int]float64, n map[int]int, weekdays []Bucket) TimeAnalysis {
	hours := make([]HourStat, 0, len(n))
	for h, c := range n {
		hours = append(hours, HourStat{Hour: h, AvgEngagement: sum[h] / float64(c), Count: c})
	}
	sort.Slice(hours, func(i, j int) bool {
		if hours[i].AvgEngagement != hours[j].AvgEngagement {
			return hours[i].AvgEngagement > hours[j].AvgEngagement
		}
		return hours[i].Hour < hours[j].Hour
	})

	t := TimeAnalysis{
		BestHours:    hours[:min(5, len(hours))],
		Weekdays:     weekdays,
		OptimalHours: []int{},
		AvoidHours:   []int{},
	}
	for _, h := range hours[:min(3, len(hours))] {
		t.OptimalHours = append(t.OptimalHours, h.Hour)
	}
	for _, h := range hours[max(0, len(hours)-2):] {
		t.AvoidHours = append(t.AvoidHours, h.Hour)
	}
	return t
}

// best returns the bucket with the highest mean; earlier buckets win ties.
func best(bs []Bucket) (Bucket, bool) {
	if len(bs) == 0 {
		return Bucket{}, false
	}
	top := bs[0]
	for _, b := range bs[1:] {
		if b.AvgEngagement > top.AvgEngagement {
			top = b
		}
	}
	return top, true
}
