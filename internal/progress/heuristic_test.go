package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapOutputChunk_DefaultMarkers(t *testing.T) {
	h := New(nil)

	tests := []struct {
		name    string
		chunk   string
		percent int
		ok      bool
	}{
		{"processing", "Processing batch 1/10", 30, true},
		{"training", "🔄 Starting model training...", 60, true},
		{"completed", "Stage completed in 3.2s", 90, true},
		{"unknown", "loading libraries", 0, false},
		{"empty", "", 0, false},
		{"vocabulary order wins", "training completed", 60, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := h.MapOutputChunk(tt.chunk)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.percent, p)
		})
	}
}

func TestNew_CustomMarkers(t *testing.T) {
	h := New([]Marker{
		{Substring: "Evaluating", Percent: 80},
		{Substring: "", Percent: 10},
		{Substring: "overflow", Percent: 150},
	})

	p, ok := h.MapOutputChunk("evaluating model")
	assert.True(t, ok)
	assert.Equal(t, 80, p)

	p, ok = h.MapOutputChunk("OVERFLOW")
	assert.True(t, ok)
	assert.Equal(t, 100, p)

	assert.Len(t, h.Markers(), 2)
}
