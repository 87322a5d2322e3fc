package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeadline(t *testing.T) {
	now := time.Date(2025, 2, 10, 14, 30, 0, 0, time.UTC)

	date := func(y int, m time.Month, d int) *time.Time {
		dt := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return &dt
	}

	tests := []struct {
		text string
		want *time.Time
	}{
		{"15.3.2025", date(2025, time.March, 15)},
		{"do 15. 3. 2025", date(2025, time.March, 15)},
		{"dodání 2025-03-15", date(2025, time.March, 15)},
		{"6 týdnů", date(2025, time.March, 24)},
		{"do 2 týdnů", date(2025, time.February, 24)},
		{"3 weeks", date(2025, time.March, 3)},
		{"2 měsíce", date(2025, time.April, 10)},
		{"1 month", date(2025, time.March, 10)},
		{"10 dnů", date(2025, time.February, 20)},
		{"5 days", date(2025, time.February, 15)},
		{"co nejdříve", nil},
		{"ASAP", nil},
		{"dle domluvy", nil},
		{"obratem prosím", nil},
		{"", nil},
		{"během jara", nil},
		{"31.4.2025", nil}, // April has no 31st
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := ParseDeadline(tt.text, now)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}
