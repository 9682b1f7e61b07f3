package compiler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/prometheus/promql/parser"

	"watchalert/internal/domain"
)

// variantFields maps every config key to the kinds that declare it.
var variantFields = buildVariantFields()

func buildVariantFields() map[string][]domain.DatasourceKind {
	out := make(map[string][]domain.DatasourceKind)
	for _, k := range domain.DatasourceKinds {
		cfg, _ := domain.NewDatasourceConfig(k)
		for _, f := range jsonFields(cfg) {
			out[f] = append(out[f], k)
		}
	}
	return out
}

func jsonFields(cfg domain.DatasourceConfig) []string {
	t := reflect.TypeOf(cfg).Elem()
	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			fields = append(fields, name)
		}
	}
	return fields
}

func declares(kind domain.DatasourceKind, key string) bool {
	for _, k := range variantFields[key] {
		if k == kind {
			return true
		}
	}
	return false
}

// CompileJSON decodes a submission strictly and compiles it.
func CompileJSON(data []byte) (*domain.Rule, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var sub Submission
	if err := dec.Decode(&sub); err != nil {
		return nil, decodeError(err)
	}
	return Compile(sub)
}

var unknownFieldPattern = regexp.MustCompile(`unknown field "([^"]+)"`)

func decodeError(err error) *domain.ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return domain.NewValidationError(typeErr.Field, "expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	if m := unknownFieldPattern.FindStringSubmatch(err.Error()); m != nil {
		return domain.NewValidationError(m[1], "unknown field")
	}
	return domain.NewValidationError("", "malformed submission: %v", err)
}

// Compile validates sub and returns the canonical rule. Any failure is a
// *domain.ValidationError naming the first offending field; the whole rule is
// rejected.
func Compile(sub Submission) (*domain.Rule, error) {
	if strings.TrimSpace(sub.Name) == "" {
		return nil, domain.NewValidationError("name", "name is required")
	}
	if !sub.DatasourceKind.IsValid() {
		return nil, domain.NewValidationError("datasourceKind", "unsupported datasourceKind %q", sub.DatasourceKind)
	}
	for i, id := range sub.DatasourceIDs {
		if strings.TrimSpace(id) == "" {
			return nil, domain.NewValidationError(fmt.Sprintf("datasourceIds[%d]", i), "datasource id must not be empty")
		}
	}

	cfg, verr := compileConfig(sub.DatasourceKind, sub.Config)
	if verr != nil {
		return nil, verr
	}

	thresholds := domain.ThresholdRuleSet(sub.Thresholds)
	if verr := thresholds.Validate(); verr != nil {
		return nil, verr
	}

	if sub.ForDuration < 0 {
		return nil, domain.NewValidationError("forDuration", "forDuration must not be negative")
	}
	if sub.EvalInterval <= 0 {
		return nil, domain.NewValidationError("evalInterval", "evalInterval must be positive")
	}
	unit := sub.EvalUnit
	if unit == "" {
		unit = domain.EvalUnitSecond
	}
	if !unit.IsValid() {
		return nil, domain.NewValidationError("evalUnit", "evalUnit must be second or millisecond")
	}

	window, verr := compileWindow(sub.EffectiveWindow)
	if verr != nil {
		return nil, verr.Prefixed("effectiveWindow")
	}

	if strings.TrimSpace(sub.FaultCenterID) == "" {
		return nil, domain.NewValidationError("faultCenterId", "faultCenterId is required")
	}

	return &domain.Rule{
		ID:              sub.ID,
		Name:            sub.Name,
		DatasourceIDs:   append([]string(nil), sub.DatasourceIDs...),
		DatasourceKind:  sub.DatasourceKind,
		Config:          cfg,
		Thresholds:      thresholds.Normalized(),
		ForDuration:     sub.ForDuration,
		EvalInterval:    sub.EvalInterval,
		EvalUnit:        unit,
		EffectiveWindow: window,
		FaultCenterID:   sub.FaultCenterID,
		Enabled:         sub.Enabled,
	}, nil
}

func compileConfig(kind domain.DatasourceKind, raw json.RawMessage) (domain.DatasourceConfig, *domain.ValidationError) {
	cfg, _ := domain.NewDatasourceConfig(kind)

	values := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return nil, domain.NewValidationError("config", "config must be a JSON object: %v", err)
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if declares(kind, k) {
			continue
		}
		if owners := variantFields[k]; len(owners) > 0 {
			return nil, domain.NewValidationError("config."+k, "field belongs to %s config, not %s", owners[0], kind)
		}
		return nil, domain.NewValidationError("config."+k, "unknown field for %s config", kind)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		Result:      cfg,
	})
	if err != nil {
		return nil, domain.NewValidationError("config", "%v", err)
	}
	if err := dec.Decode(values); err != nil {
		return nil, mapstructureError(err)
	}

	if verr := cfg.Validate(); verr != nil {
		return nil, verr.Prefixed("config")
	}

	switch c := cfg.(type) {
	case *domain.PrometheusConfig:
		if verr := validatePromQL(c.PromQL); verr != nil {
			return nil, verr
		}
	case *domain.VictoriaMetricsConfig:
		if verr := validatePromQL(c.PromQL); verr != nil {
			return nil, verr
		}
	}
	return cfg, nil
}

var quotedName = regexp.MustCompile(`'([^']+)'`)

func mapstructureError(err error) *domain.ValidationError {
	msg := err.Error()
	var merr *mapstructure.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		msg = merr.Errors[0]
	}
	field := "config"
	if m := quotedName.FindStringSubmatch(msg); m != nil {
		field += "." + m[1]
	}
	return domain.NewValidationError(field, "%s", msg)
}

func validatePromQL(q string) *domain.ValidationError {
	if _, err := parser.ParseExpr(q); err != nil {
		return domain.NewValidationError("config.promQL", "invalid PromQL: %v", err)
	}
	return nil
}

func compileWindow(w *WindowSubmission) (domain.EffectiveWindow, *domain.ValidationError) {
	if w == nil {
		return domain.EffectiveWindow{}, nil
	}
	for i, d := range w.Weekdays {
		if !d.IsValid() {
			return domain.EffectiveWindow{}, domain.NewValidationError(fmt.Sprintf("weekdays[%d]", i), "unknown weekday %q", d)
		}
	}

	var start, end int
	if w.StartTime != "" {
		s, err := domain.ParseClock(w.StartTime)
		if err != nil {
			return domain.EffectiveWindow{}, domain.NewValidationError("startTime", "%v", err)
		}
		start = s
	}
	if w.EndTime != "" {
		e, err := domain.ParseClock(w.EndTime)
		if err != nil {
			return domain.EffectiveWindow{}, domain.NewValidationError("endTime", "%v", err)
		}
		end = e
	}

	if len(w.Weekdays) == 0 {
		return domain.EffectiveWindow{StartOfDaySeconds: start, EndOfDaySeconds: end}, nil
	}
	if start == end {
		return domain.EffectiveWindow{}, domain.NewValidationError("endTime", "endTime must differ from startTime")
	}
	return domain.EffectiveWindow{
		Weekdays:          domain.SortWeekdays(w.Weekdays),
		StartOfDaySeconds: start,
		EndOfDaySeconds:   end,
	}, nil
}
