// Package eot provides a lightweight linguistic end-of-turn predictor.
//
// The predictor looks at how a transcript ends: terminal punctuation means the
// user probably finished, while a trailing comma, ellipsis, or connective
// ("and", "pero", "parce que") means they are likely to continue. It is
// language-agnostic apart from a small connective table.
package eot

import (
	"context"
	"strings"
	"unicode"

	"github.com/MrWong99/linguavox/pkg/provider/vad"
)

// connectives are lower-case words that rarely end a finished sentence.
var connectives = map[string]bool{
	// en
	"and": true, "but": true, "or": true, "so": true, "because": true, "the": true, "a": true, "um": true, "uh": true,
	// es
	"y": true, "pero": true, "o": true, "porque": true, "que": true, "el": true, "la": true,
	// fr
	"et": true, "mais": true, "ou": true, "donc": true, "parce": true, "le": true,
	// de
	"und": true, "aber": true, "oder": true, "weil": true, "dass": true, "der": true, "die": true,
	// it, pt
	"e": true, "ma": true, "perché": true, "mas": true,
}

// Predictor implements vad.EndOfTurnPredictor with punctuation and connective
// heuristics.
type Predictor struct{}

// New returns a Predictor.
func New() *Predictor { return &Predictor{} }

var _ vad.EndOfTurnPredictor = (*Predictor)(nil)

// ProbableEndOfTurn implements vad.EndOfTurnPredictor.
func (*Predictor) ProbableEndOfTurn(_ context.Context, text string) (bool, error) {
	return probableEnd(text), nil
}

func probableEnd(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	if strings.HasSuffix(t, "...") || strings.HasSuffix(t, "…") {
		return false
	}
	last := []rune(t)[len([]rune(t))-1]
	switch last {
	case '.', '!', '?', '。', '！', '？':
		return true
	case ',', ';', ':', '-', '、', '，':
		return false
	}
	fields := strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len(fields) == 0 {
		return true
	}
	return !connectives[fields[len(fields)-1]]
}
