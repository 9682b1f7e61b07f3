// Package compiler turns heterogeneous rule submissions into canonical,
// validated domain.Rule values.
package compiler

import (
	"encoding/json"

	"watchalert/internal/domain"
)

// WindowSubmission is the wall-clock form of an effective window.
type WindowSubmission struct {
	Weekdays  []domain.Weekday `json:"weekdays"`
	StartTime string           `json:"startTime"`
	EndTime   string           `json:"endTime"`
}

// Submission is a rule as entered by a user. Config is kept raw until the
// datasource kind has selected its shape.
type Submission struct {
	ID              string                 `json:"id,omitempty"`
	Name            string                 `json:"name"`
	DatasourceIDs   []string               `json:"datasourceIds"`
	DatasourceKind  domain.DatasourceKind  `json:"datasourceKind"`
	Config          json.RawMessage        `json:"config"`
	Thresholds      []domain.ThresholdRule `json:"thresholds"`
	ForDuration     int                    `json:"forDuration"`
	EvalInterval    int                    `json:"evalInterval"`
	EvalUnit        domain.EvalUnit        `json:"evalUnit"`
	EffectiveWindow *WindowSubmission      `json:"effectiveWindow,omitempty"`
	FaultCenterID   string                 `json:"faultCenterId"`
	Enabled         bool                   `json:"enabled"`
}

// Decompile re-serializes a canonical rule into its submission form.
func Decompile(r *domain.Rule) (Submission, error) {
	var cfg json.RawMessage
	if r.Config != nil {
		b, err := json.Marshal(r.Config)
		if err != nil {
			return Submission{}, err
		}
		cfg = b
	}

	return Submission{
		ID:              r.ID,
		Name:            r.Name,
		DatasourceIDs:   append([]string(nil), r.DatasourceIDs...),
		DatasourceKind:  r.DatasourceKind,
		Config:          cfg,
		Thresholds:      append([]domain.ThresholdRule(nil), r.Thresholds...),
		ForDuration:     r.ForDuration,
		EvalInterval:    r.EvalInterval,
		EvalUnit:        r.EvalUnit,
		EffectiveWindow: decompileWindow(r.EffectiveWindow),
		FaultCenterID:   r.FaultCenterID,
		Enabled:         r.Enabled,
	}, nil
}

// decompileWindow returns nil for a window with no weekdays and no times,
// which is what an omitted effectiveWindow compiles to.
func decompileWindow(w domain.EffectiveWindow) *WindowSubmission {
	if w.Always() && w.StartOfDaySeconds == 0 && w.EndOfDaySeconds == 0 {
		return nil
	}
	return &WindowSubmission{
		Weekdays:  append([]domain.Weekday{}, w.Weekdays...),
		StartTime: domain.FormatClock(w.StartOfDaySeconds),
		EndTime:   domain.FormatClock(w.EndOfDaySeconds),
	}
}
