package main

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/jbrukh/bayesian"
	"github.com/rs/zerolog"
)

// suggester learns category assignments from the already-categorized part
// of the register and proposes categories for rows that have none. Purely
// advisory: suggestions go to the log and never change what is submitted.
type suggester struct {
	classes []bayesian.Class
	cl      *bayesian.Classifier
	log     zerolog.Logger
}

var nonLetters = regexp.MustCompile(`[^a-z]+`)

func classificationTerms(payee, memo string) []string {
	text := strings.ToLower(payee + " " + memo)
	var terms []string
	for _, t := range strings.Fields(nonLetters.ReplaceAllString(text, " ")) {
		if len(t) > 2 {
			terms = append(terms, t)
		}
	}
	return terms
}

// newSuggester trains on categorized non-transfer rows. Returns nil when
// fewer than two categories exist, which is too little signal to classify.
func newSuggester(cfg *config, rows []RegisterRow, log zerolog.Logger) *suggester {
	seen := make(map[string]bool)
	for _, r := range rows {
		if r.SubCategory == "" || r.IsStartingBalance() ||
			strings.HasPrefix(r.Category, cfg.TransferMarker) {
			continue
		}
		seen[r.SubCategory] = true
	}
	if len(seen) < 2 {
		return nil
	}

	s := &suggester{log: log}
	for class := range seen {
		s.classes = append(s.classes, bayesian.Class(class))
	}
	sort.Slice(s.classes, func(i, j int) bool { return s.classes[i] < s.classes[j] })
	s.cl = bayesian.NewClassifierTfIdf(s.classes...)
	for _, r := range rows {
		if !seen[r.SubCategory] {
			continue
		}
		terms := classificationTerms(r.Payee, r.Memo)
		if len(terms) > 0 {
			s.cl.Learn(terms, bayesian.Class(r.SubCategory))
		}
	}
	s.cl.ConvertTermsFreqToTfIdf()
	return s
}

// best returns the strongest class and its softmax confidence.
func (s *suggester) best(payee, memo string) (string, float64) {
	terms := classificationTerms(payee, memo)
	if len(terms) == 0 {
		return "", 0
	}
	scores, _, _ := s.cl.LogScores(terms)

	top, max := 0, scores[0]
	for i, score := range scores {
		if score > max {
			top, max = i, score
		}
	}
	var sumExp float64
	for _, score := range scores {
		sumExp += math.Exp(score - max)
	}
	return string(s.classes[top]), 1 / sumExp
}

// Advise logs a category suggestion for every uncategorized row.
func (s *suggester) Advise(cfg *config, rows []RegisterRow) {
	for _, r := range rows {
		if r.SubCategory != "" || r.IsStartingBalance() {
			continue
		}
		if strings.HasPrefix(r.Category, cfg.TransferMarker) ||
			strings.HasPrefix(r.Payee, cfg.TransferMarker) {
			continue
		}
		class, confidence := s.best(r.Payee, r.Memo)
		if class == "" {
			continue
		}
		s.log.Info().
			Str("account", r.Account).
			Str("date", r.Date.Format(dateStamp)).
			Str("payee", r.Payee).
			Str("suggestion", class).
			Float64("confidence", confidence).
			Msg("uncategorized row, consider a category")
	}
}
