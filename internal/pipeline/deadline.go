package pipeline

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/masserfx/steelflow/internal/textutil"
)

// Customers write deadlines in Czech free text. The parser handles
// absolute dates and simple relative spans; everything vague stays nil so
// production planning never works against a guessed date.

var vagueDeadlines = []string{
	"co nejdrive",
	"asap",
	"as soon as possible",
	"ihned",
	"obratem",
	"dle domluvy",
	"neurcito",
}

var (
	// 15.3.2025, 15. 3. 2025
	dottedDateRe = regexp.MustCompile(`(\d{1,2})\.\s*(\d{1,2})\.\s*(\d{4})`)
	// 2025-03-15
	isoDateRe = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
	// 6 tydnu, 3 weeks, 2 mesice, 10 dnu
	relativeRe = regexp.MustCompile(`(\d+)\s*(tydn\w*|week\w*|mesic\w*|month\w*|dni|dnu|dny|den|day\w*)`)
)

// ParseDeadline interprets a free-text deadline relative to now. It
// returns nil when the text is empty, vague, or unparseable; absence of a
// deadline is not an error.
func ParseDeadline(text string, now time.Time) *time.Time {
	folded := strings.ToLower(textutil.Fold(strings.TrimSpace(text)))
	if folded == "" {
		return nil
	}

	for _, phrase := range vagueDeadlines {
		if strings.Contains(folded, phrase) {
			return nil
		}
	}

	if m := dottedDateRe.FindStringSubmatch(folded); m != nil {
		return dateOf(atoi(m[3]), atoi(m[1]), atoi(m[2]))
	}
	if m := isoDateRe.FindStringSubmatch(folded); m != nil {
		return dateOf(atoi(m[1]), atoi(m[3]), atoi(m[2]))
	}

	if m := relativeRe.FindStringSubmatch(folded); m != nil {
		n := atoi(m[1])
		var d time.Time
		switch {
		case strings.HasPrefix(m[2], "tydn"), strings.HasPrefix(m[2], "week"):
			d = now.AddDate(0, 0, n*7)
		case strings.HasPrefix(m[2], "mesic"), strings.HasPrefix(m[2], "month"):
			d = now.AddDate(0, n, 0)
		default:
			d = now.AddDate(0, 0, n)
		}
		out := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		return &out
	}

	return nil
}

func dateOf(year, day, month int) *time.Time {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (31.4. becomes 1.5.); reject that.
	if d.Day() != day || int(d.Month()) != month {
		return nil
	}
	return &d
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
