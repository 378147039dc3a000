package eot_test

import (
	"context"
	"testing"

	"github.com/MrWong99/linguavox/pkg/provider/vad/eot"
)

func TestProbableEndOfTurn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want bool
	}{
		{"", true},
		{"Je voudrais un café.", true},
		{"¿Dónde está la biblioteca?", true},
		{"I went to the store and", false},
		{"Ich habe keine Zeit, aber", false},
		{"so I was thinking,", false},
		{"well...", false},
		{"我想喝茶。", true},
		{"hello there", true},
	}
	p := eot.New()
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()
			got, err := p.ProbableEndOfTurn(context.Background(), tc.text)
			if err != nil {
				t.Fatalf("ProbableEndOfTurn: %v", err)
			}
			if got != tc.want {
				t.Errorf("ProbableEndOfTurn(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}
