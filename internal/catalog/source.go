package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/yaml.v3"

	"watchalert/internal/compiler"
	"watchalert/internal/config"
	"watchalert/internal/domain"
	"watchalert/internal/metrics"
	"watchalert/internal/store"
)

// Source loads a fresh snapshot into the catalog.
type Source interface {
	Reload(ctx context.Context) error
}

// File is the YAML layout of a catalog file. Rules use the submission form
// so the compiler validates them exactly like API submissions.
type File struct {
	Rules         []map[string]any        `yaml:"rules"`
	FaultCenters  []domain.FaultCenter    `yaml:"faultCenters"`
	NoticeObjects []domain.NoticeObject   `yaml:"noticeObjects"`
	Silences      []domain.Silence        `yaml:"silences"`
	Templates     []domain.NoticeTemplate `yaml:"templates"`
}

// ParseFile decodes and validates catalog YAML.
func ParseFile(data []byte) (Contents, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Contents{}, fmt.Errorf("failed to parse catalog: %w", err)
	}

	var c Contents
	for i, raw := range f.Rules {
		payload, err := json.Marshal(raw)
		if err != nil {
			return Contents{}, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rule, err := compiler.CompileJSON(payload)
		if err != nil {
			return Contents{}, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if rule.ID == "" {
			return Contents{}, fmt.Errorf("rules[%d]: id is required in a catalog file", i)
		}
		c.Rules = append(c.Rules, rule)
	}
	for i := range f.FaultCenters {
		if err := f.FaultCenters[i].Validate(); err != nil {
			return Contents{}, fmt.Errorf("faultCenters[%d]: %w", i, err)
		}
		c.FaultCenters = append(c.FaultCenters, &f.FaultCenters[i])
	}
	for i := range f.NoticeObjects {
		if err := f.NoticeObjects[i].Validate(); err != nil {
			return Contents{}, fmt.Errorf("noticeObjects[%d]: %w", i, err)
		}
		c.NoticeObjects = append(c.NoticeObjects, &f.NoticeObjects[i])
	}
	for i := range f.Silences {
		if err := f.Silences[i].Validate(); err != nil {
			return Contents{}, fmt.Errorf("silences[%d]: %w", i, err)
		}
		c.Silences = append(c.Silences, &f.Silences[i])
	}
	for i := range f.Templates {
		if err := f.Templates[i].Validate(); err != nil {
			return Contents{}, fmt.Errorf("templates[%d]: %w", i, err)
		}
		c.Templates = append(c.Templates, &f.Templates[i])
	}
	return c, nil
}

// FileSource feeds the catalog from a YAML file.
type FileSource struct {
	path    string
	catalog *Catalog
	clock   clock.Clock
	logger  *slog.Logger
}

// NewFileSource creates a source reading path.
func NewFileSource(path string, c *Catalog, clk clock.Clock, logger *slog.Logger) *FileSource {
	return &FileSource{path: filepath.Clean(path), catalog: c, clock: clk, logger: logger}
}

// Reload parses the file and swaps the snapshot. On failure the previous
// snapshot stays in place.
func (s *FileSource) Reload(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("file", "failure").Inc()
		return fmt.Errorf("failed to read catalog file: %w", err)
	}
	contents, err := ParseFile(data)
	if err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("file", "failure").Inc()
		return err
	}
	s.catalog.Swap(NewSnapshot(contents, s.clock.Now()))
	metrics.CatalogReloadsTotal.WithLabelValues("file", "success").Inc()
	s.logger.Info("catalog loaded", "path", s.path, "rules", len(contents.Rules))
	return nil
}

// Watch reloads the file on every change until ctx is cancelled.
func (s *FileSource) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, s.path, s.logger, func() error {
		return s.Reload(ctx)
	})
}

// RepositorySource feeds the catalog from the configured repositories.
type RepositorySource struct {
	rules   store.RuleRepository
	configs store.ConfigRepositories
	catalog *Catalog
	clock   clock.Clock
	logger  *slog.Logger
}

// NewRepositorySource creates a source reading rules and configs.
func NewRepositorySource(rules store.RuleRepository, configs store.ConfigRepositories, c *Catalog, clk clock.Clock, logger *slog.Logger) *RepositorySource {
	return &RepositorySource{rules: rules, configs: configs, catalog: c, clock: clk, logger: logger}
}

// Reload reads every repository and swaps the snapshot.
func (s *RepositorySource) Reload(ctx context.Context) error {
	contents, err := s.load(ctx)
	if err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("repository", "failure").Inc()
		return err
	}
	s.catalog.Swap(NewSnapshot(contents, s.clock.Now()))
	metrics.CatalogReloadsTotal.WithLabelValues("repository", "success").Inc()
	return nil
}

func (s *RepositorySource) load(ctx context.Context) (Contents, error) {
	var (
		c   Contents
		err error
	)
	if c.Rules, err = s.rules.List(ctx); err != nil {
		return Contents{}, fmt.Errorf("failed to load rules: %w", err)
	}
	if c.FaultCenters, err = s.configs.FaultCenters.List(ctx); err != nil {
		return Contents{}, fmt.Errorf("failed to load fault centers: %w", err)
	}
	if c.NoticeObjects, err = s.configs.NoticeObjects.List(ctx); err != nil {
		return Contents{}, fmt.Errorf("failed to load notice objects: %w", err)
	}
	if c.Silences, err = s.configs.Silences.List(ctx); err != nil {
		return Contents{}, fmt.Errorf("failed to load silences: %w", err)
	}
	if c.Templates, err = s.configs.Templates.List(ctx); err != nil {
		return Contents{}, fmt.Errorf("failed to load templates: %w", err)
	}
	return c, nil
}

// Run reloads every interval until ctx is cancelled. Failed reloads are
// logged and retried on the next tick.
func (s *RepositorySource) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error("catalog refresh failed", "error", err)
			}
		}
	}
}
