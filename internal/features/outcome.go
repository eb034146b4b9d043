package features

// Analytics are the raw counters reported by the publishing platform.
type Analytics struct {
	Impressions      int     `json:"impressions"`
	Reach            int     `json:"reach"`
	EngagedUsers     int     `json:"engaged_users"`
	Clicks           int     `json:"clicks"`
	Likes            int     `json:"likes"`
	TotalReactions   int     `json:"total_reactions"`
	Comments         int     `json:"comments"`
	Shares           int     `json:"shares"`
	PerformanceScore float64 `json:"performance_score"`
}

// Outcome converts counters into rates. Engagement is relative to reach,
// reach and CTR to impressions; a zero denominator yields 0. A supplied
// performance score wins unless it is zero.
func Outcome(a Analytics) PerformanceOutcome {
	reactions := a.TotalReactions
	if reactions <= 0 {
		reactions = a.Likes
	}
	o := PerformanceOutcome{
		EngagementRate:   pct(a.EngagedUsers, a.Reach),
		ReachRate:        pct(a.Reach, a.Impressions),
		ClickThroughRate: pct(a.Clicks, a.Impressions),
		TotalReactions:   reactions,
		Comments:         a.Comments,
		Shares:           a.Shares,
		PerformanceScore: a.PerformanceScore,
	}
	if o.PerformanceScore == 0 {
		o.PerformanceScore = CompositeScore(o.EngagementRate, o.ReachRate, o.ClickThroughRate,
			o.TotalReactions, o.Comments, o.Shares)
	}
	return o
}

func pct(num, denom int) float64 {
	if denom <= 0 {
		return 0
	}
	return float64(num) / float64(denom) * 100
}
