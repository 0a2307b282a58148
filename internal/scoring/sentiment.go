package scoring

import "strings"

// Analyzer estimates how positive the AI-derived free text is about a
// prospect. Implementations return a ratio in [0,1]; 0.5 means no signal.
type Analyzer interface {
	Ratio(texts map[string]string) float64
}

// Default vocabularies. These are a hand-curated approximation, not a
// classifier; deployments with different prompt styles should supply their
// own lists or a different Analyzer.
var (
	defaultPositives = []string{
		"good fit", "strong match", "would benefit", "ideal", "recommend",
		"perfect", "excellent", "highly relevant", "great opportunity",
		"strong candidate", "well-suited", "high potential",
	}
	defaultNegatives = []string{
		"not a fit", "poor match", "unlikely", "not recommended",
		"mismatch", "not suitable", "low potential", "does not align",
		"wrong size", "different market", "no indication",
	}
)

// PhraseAnalyzer scans text for fixed positive and negative signal phrases.
type PhraseAnalyzer struct {
	positives []string
	negatives []string
}

// NewPhraseAnalyzer builds an analyzer with the given vocabularies. Empty
// lists fall back to the built-in ones.
func NewPhraseAnalyzer(positives, negatives []string) *PhraseAnalyzer {
	if len(positives) == 0 {
		positives = defaultPositives
	}
	if len(negatives) == 0 {
		negatives = defaultNegatives
	}
	return &PhraseAnalyzer{positives: positives, negatives: negatives}
}

// Ratio counts signal phrases across all texts and returns
// positives/(positives+negatives), or 0.5 when nothing matched.
func (a *PhraseAnalyzer) Ratio(texts map[string]string) float64 {
	var all strings.Builder
	for _, text := range texts {
		all.WriteString(strings.ToLower(text))
		all.WriteString(" ")
	}
	joined := all.String()

	positives := 0
	for _, phrase := range a.positives {
		if strings.Contains(joined, phrase) {
			positives++
		}
	}

	negatives := 0
	for _, phrase := range a.negatives {
		if strings.Contains(joined, phrase) {
			negatives++
		}
	}

	total := positives + negatives
	if total == 0 {
		return 0.5
	}
	return float64(positives) / float64(total)
}
