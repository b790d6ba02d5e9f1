package followup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
)

func TestWindow_InclusiveBoundaries(t *testing.T) {
	w := NewWindow(caldate.MustParse("2024-02-15"), 30)

	tests := []struct {
		day  string
		want bool
	}{
		{"2024-01-15", false},
		{"2024-01-16", true},
		{"2024-02-15", true},
		{"2024-03-16", true},
		{"2024-03-17", false},
	}
	for _, tt := range tests {
		t.Run(tt.day, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Contains(caldate.MustParse(tt.day)))
		})
	}
}

func TestWindow_NegativeToleranceIsZero(t *testing.T) {
	w := NewWindow(caldate.MustParse("2024-05-01"), -3)
	assert.Equal(t, "2024-05-01", w.From.String())
	assert.Equal(t, "2024-05-01", w.To.String())
	assert.True(t, w.Contains(caldate.MustParse("2024-05-01")))
	assert.False(t, w.Contains(caldate.MustParse("2024-05-02")))
}

func TestWindow_StateOn(t *testing.T) {
	w := NewWindow(caldate.MustParse("2024-05-01"), 7)
	assert.Equal(t, WindowUpcoming, w.StateOn(caldate.MustParse("2024-04-23")))
	assert.Equal(t, WindowOpen, w.StateOn(caldate.MustParse("2024-04-24")))
	assert.Equal(t, WindowOpen, w.StateOn(caldate.MustParse("2024-05-08")))
	assert.Equal(t, WindowOverdue, w.StateOn(caldate.MustParse("2024-05-09")))
}

func TestValidUntil(t *testing.T) {
	assert.Equal(t, "2024-03-01", ValidUntil(caldate.MustParse("2024-02-23"), 7).String())
}
