package observe

import (
	"strings"
	"testing"
)

func TestProviderConfig_Sampler(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ratio float64
		want  string
	}{
		{ratio: 0, want: "AlwaysOnSampler"},
		{ratio: 1, want: "AlwaysOnSampler"},
		{ratio: 0.25, want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := ProviderConfig{SampleRatio: tt.ratio}.sampler().Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, tt.want) {
			t.Errorf("ratio %v: sampler = %q, want parent-based %s", tt.ratio, desc, tt.want)
		}
	}
}
