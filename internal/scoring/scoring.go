// Package scoring ranks enriched rows against a targeting profile. The score
// is a deterministic, explainable heuristic over structured fields and
// AI-derived free text; identical inputs always produce identical output.
package scoring

import (
	"math"
	"strconv"
	"strings"

	"github.com/selwynpear/growthgrid/internal/enrich"
)

// Priority levels derived from the total score.
const (
	LevelHot  = "hot"
	LevelWarm = "warm"
	LevelCold = "cold"
)

// Sub-score caps.
const (
	maxIndustry     = 30
	maxCompanySize  = 20
	maxSentiment    = 30
	maxCompleteness = 20
)

// sizeBuckets are the discrete employee-count ranges a profile may target.
var sizeBuckets = map[string][2]int{
	"1-10":      {1, 10},
	"11-50":     {11, 50},
	"51-200":    {51, 200},
	"201-500":   {201, 500},
	"501-1000":  {501, 1000},
	"1001-5000": {1001, 5000},
	"5000+":     {5000, math.MaxInt},
}

// completenessFields is the checklist of canonical structured fields counted
// toward data completeness.
var completenessFields = []string{
	"company", "website", "industry", "location", "employee_count", "description",
}

// Profile describes what the user is targeting. Empty constraints are not
// penalized; they award a flat partial credit instead.
type Profile struct {
	Industries   []string `mapstructure:"industries"`
	CompanySizes []string `mapstructure:"company-sizes"`
}

// Breakdown itemizes the contributions making up a score.
type Breakdown struct {
	IndustryMatch    int `json:"industryMatch"`
	CompanySizeMatch int `json:"companySizeMatch"`
	AISentiment      int `json:"aiSentiment"`
	DataCompleteness int `json:"dataCompleteness"`
}

// Score is the final per-row ranking.
type Score struct {
	Total     int       `json:"total"`
	Breakdown Breakdown `json:"breakdown"`
	Level     string    `json:"level"`
}

// Scorer blends structured-field matching with AI sentiment. The sentiment
// strategy is injected so the phrase vocabulary can be replaced.
type Scorer struct {
	sentiment Analyzer
}

// NewScorer creates a Scorer. A nil analyzer falls back to the built-in
// phrase analyzer.
func NewScorer(analyzer Analyzer) *Scorer {
	if analyzer == nil {
		analyzer = NewPhraseAnalyzer(nil, nil)
	}
	return &Scorer{sentiment: analyzer}
}

// Score rates the row against the profile. aiText holds AI-derived free text
// keyed by column id. The total is clamped to [0,100].
func (s *Scorer) Score(row *enrich.Row, profile *Profile, aiText map[string]string) Score {
	var b Breakdown

	b.IndustryMatch = industryMatch(row, profile)
	b.CompanySizeMatch = companySizeMatch(row, profile)
	b.AISentiment = int(math.Round(s.sentiment.Ratio(aiText) * maxSentiment))
	b.DataCompleteness = int(math.Round(completeness(row) * maxCompleteness))

	total := b.IndustryMatch + b.CompanySizeMatch + b.AISentiment + b.DataCompleteness
	total = max(0, min(100, total))

	return Score{Total: total, Breakdown: b, Level: level(total)}
}

func level(total int) string {
	switch {
	case total >= 80:
		return LevelHot
	case total >= 50:
		return LevelWarm
	default:
		return LevelCold
	}
}

// industryMatch awards full credit for a fuzzy match against any target
// industry, partial credit when the profile is unconstrained.
func industryMatch(row *enrich.Row, profile *Profile) int {
	if profile == nil || len(profile.Industries) == 0 {
		return maxIndustry / 2
	}

	industry := strings.ToLower(enrich.ResolveField(row.Fields, "industry"))
	if industry == "" {
		return 0
	}

	for _, target := range profile.Industries {
		t := strings.ToLower(strings.TrimSpace(target))
		if t == "" {
			continue
		}
		if strings.Contains(industry, t) || strings.Contains(t, industry) {
			return maxIndustry
		}
	}
	return 0
}

func companySizeMatch(row *enrich.Row, profile *Profile) int {
	if profile == nil || len(profile.CompanySizes) == 0 {
		return maxCompanySize / 2
	}

	count := parseEmployeeCount(enrich.ResolveField(row.Fields, "employee_count"))
	if count <= 0 {
		return 0
	}

	for _, bucket := range profile.CompanySizes {
		bounds, ok := sizeBuckets[strings.TrimSpace(bucket)]
		if !ok {
			continue
		}
		if count >= bounds[0] && count <= bounds[1] {
			return maxCompanySize
		}
	}
	return 0
}

// completeness is the filled fraction of the canonical field checklist plus
// all auxiliary cells.
func completeness(row *enrich.Row) float64 {
	total := len(completenessFields)
	filled := 0
	for _, field := range completenessFields {
		if strings.TrimSpace(enrich.ResolveField(row.Fields, field)) != "" {
			filled++
		}
	}

	for _, cell := range row.Cells {
		total++
		if strings.TrimSpace(cell.Value) != "" {
			filled++
		}
	}

	if total == 0 {
		return 0
	}
	return float64(filled) / float64(total)
}

// parseEmployeeCount reads the leading integer from values like "50",
// "1,200" or "250+".
func parseEmployeeCount(s string) int {
	s = strings.TrimSpace(s)
	digits := strings.Builder{}
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
			continue
		}
		if r == ',' {
			continue
		}
		break
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return n
}
