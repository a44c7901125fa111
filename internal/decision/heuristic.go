package decision

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Heuristic weights. The score starts at baseConfidence and is adjusted by
// hedging, context sufficiency and specificity signals found in the answer.
const (
	baseConfidence    = 0.9
	hedgePenalty      = 0.15
	maxHedgePenalty   = 0.45
	maxContextPenalty = 0.25
	refusalCap        = 0.2
	longAnswerWords   = 150
	longAnswerPenalty = 0.1
	concreteBonus     = 0.05
)

// Score is a confidence value with the signals that produced it.
type Score struct {
	Confidence float64
	Reasons    []string
}

// Scorer derives confidence from a question and a model's answer.
type Scorer interface {
	Score(q Question, answer string) Score
}

// HeuristicScorer scores answers from their text alone. It never asks the
// model how confident it is. The same inputs always give the same score.
type HeuristicScorer struct{}

var (
	hedgePhrases = []string{
		"maybe", "perhaps", "possibly", "probably", "might", "could be",
		"i think", "i believe", "i guess", "not sure", "unsure", "unclear",
		"it depends", "likely", "seems", "uncertain", "assuming",
	}
	refusalPhrases = []string{
		"i don't know", "i do not know", "cannot determine", "can't determine",
		"unable to", "insufficient information", "not enough information",
		"no way to know", "cannot answer", "can't answer",
	}
	stopwords = map[string]bool{
		"what": true, "which": true, "when": true, "where": true, "who": true,
		"whom": true, "whose": true, "why": true, "how": true, "should": true,
		"would": true, "could": true, "does": true, "have": true, "this": true,
		"that": true, "these": true, "those": true, "with": true, "from": true,
		"into": true, "about": true, "there": true, "their": true, "they": true,
		"will": true, "shall": true, "must": true, "been": true, "being": true,
		"were": true, "your": true, "ours": true, "use": true, "the": true,
		"and": true, "for": true, "are": true, "our": true,
	}

	wordPattern     = regexp.MustCompile(`[a-z0-9][a-z0-9_\-]*`)
	concretePattern = regexp.MustCompile("\\d|\"[^\"]+\"|`[^`]+`|\\b[A-Za-z]+[_\\-./][A-Za-z0-9]+|\\b[a-z]+[A-Z][A-Za-z0-9]*\\b")
)

// Score implements Scorer.
func (HeuristicScorer) Score(q Question, answer string) Score {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return Score{Confidence: 0, Reasons: []string{"empty answer"}}
	}
	lower := strings.ToLower(answer)

	conf := baseConfidence
	var reasons []string

	if hedges := countPhrases(lower, hedgePhrases); hedges > 0 {
		p := math.Min(float64(hedges)*hedgePenalty, maxHedgePenalty)
		conf -= p
		reasons = append(reasons, fmt.Sprintf("%d hedging phrase(s) -%.2f", hedges, p))
	}

	if p := contextPenalty(q.Question, q.Context); p > 0 {
		conf -= p
		reasons = append(reasons, fmt.Sprintf("context gaps -%.2f", p))
	}

	if len(strings.Fields(answer)) > longAnswerWords {
		conf -= longAnswerPenalty
		reasons = append(reasons, fmt.Sprintf("long answer -%.2f", longAnswerPenalty))
	}

	if concretePattern.MatchString(answer) {
		conf += concreteBonus
		reasons = append(reasons, fmt.Sprintf("concrete detail +%.2f", concreteBonus))
	}

	if countPhrases(lower, refusalPhrases) > 0 && conf > refusalCap {
		conf = refusalCap
		reasons = append(reasons, fmt.Sprintf("refusal capped at %.2f", refusalCap))
	}

	conf = math.Max(0, math.Min(1, conf))
	return Score{Confidence: math.Round(conf*100) / 100, Reasons: reasons}
}

// countPhrases counts whole-word occurrences of each phrase in text.
func countPhrases(text string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		for i := 0; ; {
			j := strings.Index(text[i:], p)
			if j < 0 {
				break
			}
			start := i + j
			end := start + len(p)
			if isBoundary(text, start-1) && isBoundary(text, end) {
				n++
			}
			i = end
		}
	}
	return n
}

func isBoundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	c := text[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_')
}

// contextPenalty is the share of question keywords missing from context,
// scaled to maxContextPenalty. No context at all takes the full penalty.
func contextPenalty(question, context string) float64 {
	context = strings.ToLower(strings.TrimSpace(context))
	if context == "" {
		return maxContextPenalty
	}
	keywords := keywordsOf(question)
	if len(keywords) == 0 {
		return 0
	}
	missing := 0
	for _, k := range keywords {
		if !strings.Contains(context, k) {
			missing++
		}
	}
	return maxContextPenalty * float64(missing) / float64(len(keywords))
}

func keywordsOf(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
