package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DatasourceKind identifies the backend a rule evaluates against. It also
// selects the shape of the rule's config.
type DatasourceKind string

const (
	KindPrometheus      DatasourceKind = "Prometheus"
	KindLoki            DatasourceKind = "Loki"
	KindAliCloudSLS     DatasourceKind = "AliCloudSLS"
	KindJaeger          DatasourceKind = "Jaeger"
	KindCloudWatch      DatasourceKind = "CloudWatch"
	KindVictoriaMetrics DatasourceKind = "VictoriaMetrics"
	KindKubernetesEvent DatasourceKind = "KubernetesEvent"
	KindElasticSearch   DatasourceKind = "ElasticSearch"
	KindVictoriaLogs    DatasourceKind = "VictoriaLogs"
	KindClickHouse      DatasourceKind = "ClickHouse"
)

// DatasourceKinds lists every supported kind.
var DatasourceKinds = []DatasourceKind{
	KindPrometheus, KindLoki, KindAliCloudSLS, KindJaeger, KindCloudWatch,
	KindVictoriaMetrics, KindKubernetesEvent, KindElasticSearch, KindVictoriaLogs, KindClickHouse,
}

// IsValid returns true if the kind is supported.
func (k DatasourceKind) IsValid() bool {
	_, ok := NewDatasourceConfig(k)
	return ok
}

// DatasourceConfig is the datasource-specific part of a rule. Exactly one
// concrete type exists per DatasourceKind.
type DatasourceConfig interface {
	Kind() DatasourceKind
	// Validate returns the first violation with Field relative to the config object.
	Validate() *ValidationError
}

// NewDatasourceConfig returns an empty config for kind.
func NewDatasourceConfig(kind DatasourceKind) (DatasourceConfig, bool) {
	switch kind {
	case KindPrometheus:
		return &PrometheusConfig{}, true
	case KindVictoriaMetrics:
		return &VictoriaMetricsConfig{}, true
	case KindLoki:
		return &LokiConfig{}, true
	case KindAliCloudSLS:
		return &AliCloudSLSConfig{}, true
	case KindJaeger:
		return &JaegerConfig{}, true
	case KindCloudWatch:
		return &CloudWatchConfig{}, true
	case KindKubernetesEvent:
		return &KubernetesEventConfig{}, true
	case KindElasticSearch:
		return &ElasticSearchConfig{}, true
	case KindVictoriaLogs:
		return &VictoriaLogsConfig{}, true
	case KindClickHouse:
		return &ClickHouseConfig{}, true
	default:
		return nil, false
	}
}

func required(field, v string) *ValidationError {
	if strings.TrimSpace(v) == "" {
		return NewValidationError(field, "%s is required", field)
	}
	return nil
}

func nonNegative(field string, v int) *ValidationError {
	if v < 0 {
		return NewValidationError(field, "%s must not be negative", field)
	}
	return nil
}

func firstViolation(errs ...*ValidationError) *ValidationError {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// PrometheusConfig queries a Prometheus-compatible HTTP API.
type PrometheusConfig struct {
	PromQL string `json:"promQL"`
}

func (*PrometheusConfig) Kind() DatasourceKind { return KindPrometheus }

func (c *PrometheusConfig) Validate() *ValidationError {
	return required("promQL", c.PromQL)
}

// VictoriaMetricsConfig shares the PromQL dialect with Prometheus.
type VictoriaMetricsConfig struct {
	PromQL string `json:"promQL"`
}

func (*VictoriaMetricsConfig) Kind() DatasourceKind { return KindVictoriaMetrics }

func (c *VictoriaMetricsConfig) Validate() *ValidationError {
	return required("promQL", c.PromQL)
}

// LokiConfig counts log lines matched by a LogQL query over the last
// LogScope minutes.
type LokiConfig struct {
	LogQL    string `json:"logQL"`
	LogScope int    `json:"logScope"`
}

func (*LokiConfig) Kind() DatasourceKind { return KindLoki }

func (c *LokiConfig) Validate() *ValidationError {
	return firstViolation(required("logQL", c.LogQL), nonNegative("logScope", c.LogScope))
}

type AliCloudSLSConfig struct {
	Project  string `json:"project"`
	Logstore string `json:"logstore"`
	LogQL    string `json:"logQL"`
	LogScope int    `json:"logScope"`
}

func (*AliCloudSLSConfig) Kind() DatasourceKind { return KindAliCloudSLS }

func (c *AliCloudSLSConfig) Validate() *ValidationError {
	return firstViolation(
		required("project", c.Project),
		required("logstore", c.Logstore),
		required("logQL", c.LogQL),
		nonNegative("logScope", c.LogScope),
	)
}

// JaegerConfig alerts on traces of Service found within Scope minutes.
// Tags is a logfmt filter such as `error=true http.status_code=500`.
type JaegerConfig struct {
	Service string `json:"service"`
	Scope   int    `json:"scope"`
	Tags    string `json:"tags"`
}

func (*JaegerConfig) Kind() DatasourceKind { return KindJaeger }

func (c *JaegerConfig) Validate() *ValidationError {
	return firstViolation(required("service", c.Service), nonNegative("scope", c.Scope))
}

// CloudWatchDimension narrows a CloudWatch metric.
type CloudWatchDimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var cloudWatchStatistics = map[string]struct{}{
	"Average": {}, "Sum": {}, "Minimum": {}, "Maximum": {}, "SampleCount": {},
}

type CloudWatchConfig struct {
	Namespace  string                `json:"namespace"`
	MetricName string                `json:"metricName"`
	Statistic  string                `json:"statistic"`
	Period     int                   `json:"period"`
	Dimensions []CloudWatchDimension `json:"dimensions"`
}

func (*CloudWatchConfig) Kind() DatasourceKind { return KindCloudWatch }

func (c *CloudWatchConfig) Validate() *ValidationError {
	if err := firstViolation(
		required("namespace", c.Namespace),
		required("metricName", c.MetricName),
		required("statistic", c.Statistic),
		nonNegative("period", c.Period),
	); err != nil {
		return err
	}
	if _, ok := cloudWatchStatistics[c.Statistic]; !ok {
		return NewValidationError("statistic", "unsupported statistic %q", c.Statistic)
	}
	for i, d := range c.Dimensions {
		if err := required("name", d.Name); err != nil {
			return err.Prefixed(fmt.Sprintf("dimensions[%d]", i))
		}
	}
	return nil
}

// KubernetesEventConfig alerts on cluster events with Reason on Resource.
type KubernetesEventConfig struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
	Scope    int    `json:"scope"`
}

func (*KubernetesEventConfig) Kind() DatasourceKind { return KindKubernetesEvent }

func (c *KubernetesEventConfig) Validate() *ValidationError {
	return firstViolation(
		required("resource", c.Resource),
		required("reason", c.Reason),
		nonNegative("scope", c.Scope),
	)
}

// ElasticSearch query modes.
const (
	ESQueryField   = "Field"
	ESQueryRawJSON = "RawJson"
)

type ElasticSearchFilter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// ElasticSearchConfig either builds a bool query from Filters or sends RawJSON as is.
type ElasticSearchConfig struct {
	Index     string                `json:"index"`
	Scope     int                   `json:"scope"`
	QueryType string                `json:"queryType"`
	Filters   []ElasticSearchFilter `json:"filters"`
	RawJSON   string                `json:"rawJson"`
}

func (*ElasticSearchConfig) Kind() DatasourceKind { return KindElasticSearch }

func (c *ElasticSearchConfig) Validate() *ValidationError {
	if err := firstViolation(required("index", c.Index), nonNegative("scope", c.Scope)); err != nil {
		return err
	}
	switch c.QueryType {
	case "", ESQueryField:
		for i, f := range c.Filters {
			if err := required("field", f.Field); err != nil {
				return err.Prefixed(fmt.Sprintf("filters[%d]", i))
			}
		}
	case ESQueryRawJSON:
		if err := required("rawJson", c.RawJSON); err != nil {
			return err
		}
		if !json.Valid([]byte(c.RawJSON)) {
			return NewValidationError("rawJson", "rawJson is not valid JSON")
		}
	default:
		return NewValidationError("queryType", "queryType must be %s or %s", ESQueryField, ESQueryRawJSON)
	}
	return nil
}

type VictoriaLogsConfig struct {
	LogQL    string `json:"logQL"`
	LogScope int    `json:"logScope"`
	Limit    int    `json:"limit"`
}

func (*VictoriaLogsConfig) Kind() DatasourceKind { return KindVictoriaLogs }

func (c *VictoriaLogsConfig) Validate() *ValidationError {
	return firstViolation(
		required("logQL", c.LogQL),
		nonNegative("logScope", c.LogScope),
		nonNegative("limit", c.Limit),
	)
}

type ClickHouseConfig struct {
	SQL string `json:"sql"`
}

func (*ClickHouseConfig) Kind() DatasourceKind { return KindClickHouse }

func (c *ClickHouseConfig) Validate() *ValidationError {
	return required("sql", c.SQL)
}

// EvalUnit is the unit of Rule.EvalInterval.
type EvalUnit string

const (
	EvalUnitSecond      EvalUnit = "second"
	EvalUnitMillisecond EvalUnit = "millisecond"
)

// IsValid returns true if the unit is known.
func (u EvalUnit) IsValid() bool {
	return u == EvalUnitSecond || u == EvalUnitMillisecond
}

// Rule is the canonical, validated alert rule produced by the compiler.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"id"`

	// Name is a human-readable name shown in notifications.
	Name string `json:"name"`

	// DatasourceIDs lists the datasource instances the rule is evaluated against.
	DatasourceIDs []string `json:"datasourceIds"`

	// DatasourceKind selects the concrete type of Config.
	DatasourceKind DatasourceKind `json:"datasourceKind"`

	Config DatasourceConfig `json:"config"`

	Thresholds ThresholdRuleSet `json:"thresholds"`

	// ForDuration is how long, in seconds, a breach must persist before firing.
	ForDuration int `json:"forDuration"`

	EvalInterval int      `json:"evalInterval"`
	EvalUnit     EvalUnit `json:"evalUnit"`

	EffectiveWindow EffectiveWindow `json:"effectiveWindow"`

	// FaultCenterID references the FaultCenter that owns events of this rule.
	FaultCenterID string `json:"faultCenterId"`

	Enabled bool `json:"enabled"`
}

// For returns ForDuration as a time.Duration.
func (r *Rule) For() time.Duration {
	return time.Duration(r.ForDuration) * time.Second
}

// EvalPeriod returns the evaluation interval as a time.Duration.
func (r *Rule) EvalPeriod() time.Duration {
	if r.EvalUnit == EvalUnitMillisecond {
		return time.Duration(r.EvalInterval) * time.Millisecond
	}
	return time.Duration(r.EvalInterval) * time.Second
}

// UnmarshalJSON decodes config into the concrete type selected by datasourceKind.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	var raw struct {
		plain
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Rule(raw.plain)

	cfg, ok := NewDatasourceConfig(r.DatasourceKind)
	if !ok {
		return fmt.Errorf("unknown datasourceKind %q", r.DatasourceKind)
	}
	if len(raw.Config) > 0 && string(raw.Config) != "null" {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("decode %s config: %w", r.DatasourceKind, err)
		}
	}
	r.Config = cfg
	return nil
}
