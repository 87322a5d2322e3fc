package pipeline

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/masserfx/steelflow/internal/model"
)

// OperationTemplate is one production step of the default routing, with
// its planned duration in working days.
type OperationTemplate struct {
	Name         string `yaml:"name"`
	DurationDays int    `yaml:"duration_days"`
}

// DefaultOperationTemplate is the shop's standard fabrication routing,
// used when no template file is configured.
func DefaultOperationTemplate() []OperationTemplate {
	return []OperationTemplate{
		{Name: "Příprava výroby", DurationDays: 2},
		{Name: "Dělení materiálu", DurationDays: 2},
		{Name: "Obrábění", DurationDays: 3},
		{Name: "Svařování", DurationDays: 4},
		{Name: "Povrchová úprava", DurationDays: 2},
		{Name: "Kontrola a expedice", DurationDays: 1},
	}
}

// LoadOperationTemplate reads a routing template from a YAML file.
func LoadOperationTemplate(path string) ([]OperationTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read operation template %s", path)
	}

	var tmpl []OperationTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse operation template %s", path)
	}
	if len(tmpl) == 0 {
		return nil, eris.Errorf("pipeline: operation template %s is empty", path)
	}
	for i, op := range tmpl {
		if op.Name == "" {
			return nil, eris.Errorf("pipeline: operation template %s: step %d has no name", path, i+1)
		}
		if op.DurationDays < 1 {
			// Fractional or missing durations round up to one working day.
			tmpl[i].DurationDays = 1
		}
	}
	return tmpl, nil
}

// ScheduleBackward lays out the template against a due date: the last
// operation ends on the due date (or the preceding working day when the
// due date falls on a weekend), each earlier operation ends the working
// day before its successor starts. Weekends are never scheduled.
func ScheduleBackward(orderID string, due time.Time, tmpl []OperationTemplate) []model.Operation {
	ops := make([]model.Operation, len(tmpl))

	end := atMidnight(due)
	for !isWorkday(end) {
		end = end.AddDate(0, 0, -1)
	}

	for i := len(tmpl) - 1; i >= 0; i-- {
		step := tmpl[i]
		start := backWorkdays(end, step.DurationDays-1)
		ops[i] = model.Operation{
			ID:           uuid.NewString(),
			OrderID:      orderID,
			Seq:          i + 1,
			Name:         step.Name,
			DurationDays: step.DurationDays,
			PlannedStart: start,
			PlannedEnd:   end,
			Status:       model.OperationStatusPlanned,
		}
		end = backWorkdays(start, 1)
	}
	return ops
}

func atMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func isWorkday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// backWorkdays steps n working days backward from t, skipping weekends.
func backWorkdays(t time.Time, n int) time.Time {
	for i := 0; i < n; i++ {
		t = t.AddDate(0, 0, -1)
		for !isWorkday(t) {
			t = t.AddDate(0, 0, -1)
		}
	}
	return t
}
