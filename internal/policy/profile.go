package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"gpuwatch/internal/schema"
)

// Severity is carried through to audit records and metrics unchanged.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Document is the YAML form of an efficiency profile.
type Document struct {
	APIVersion string       `yaml:"apiVersion" json:"apiVersion"`
	Kind       string       `yaml:"kind" json:"kind"`
	Metadata   Metadata     `yaml:"metadata" json:"metadata"`
	Selectors  Selectors    `yaml:"selectors,omitempty" json:"selectors"`
	Policies   []PolicySpec `yaml:"policies" json:"policies"`
}

// Metadata describes a profile.
type Metadata struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
}

// Selectors restrict a profile to agents carrying matching tags and labels.
type Selectors struct {
	MatchTags   map[string]string `yaml:"match_tags,omitempty" json:"match_tags,omitempty"`
	MatchLabels map[string]string `yaml:"match_labels,omitempty" json:"match_labels,omitempty"`
}

// Matches reports whether every selector key is present with the same value.
func (s Selectors) Matches(tags, labels map[string]string) bool {
	for k, v := range s.MatchTags {
		if tags[k] != v {
			return false
		}
	}
	for k, v := range s.MatchLabels {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// PolicySpec is the document form of one policy.
type PolicySpec struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Target      string     `yaml:"target" json:"target"`
	Condition   string     `yaml:"condition" json:"condition"`
	Duration    string     `yaml:"duration,omitempty" json:"duration,omitempty"`
	Cooldown    string     `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
	Action      ActionSpec `yaml:"action" json:"action"`
	Severity    Severity   `yaml:"severity" json:"severity"`
}

// Policy is a compiled, immutable rule.
type Policy struct {
	Name        string
	Description string
	Target      string
	Condition   Condition
	Duration    time.Duration
	Cooldown    time.Duration
	Action      Action
	Severity    Severity

	metric    Metric
	metricErr error
}

// Resolve returns the metric for the target, or the configuration error
// recorded when the path did not resolve at load.
func (p *Policy) Resolve() (Metric, error) {
	return p.metric, p.metricErr
}

// Profile is a compiled document.
type Profile struct {
	Name        string
	Version     string
	Description string
	Selectors   Selectors
	Policies    []*Policy
	// Digest is the SHA-256 of the source document.
	Digest string
}

// Policy returns the named policy.
func (p *Profile) Policy(name string) (*Policy, bool) {
	for _, pol := range p.Policies {
		if pol.Name == name {
			return pol, true
		}
	}
	return nil, false
}

// Load reads, validates and compiles the profile at path. schemaPath may be
// empty to use the embedded schema.
func Load(path, schemaPath string) (*Profile, error) {
	data, err := schema.ValidateFile(path, schemaPath, schema.Profile(), schema.ProfileDefinition)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	p, err := compile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Parse validates and compiles a profile held in memory.
func Parse(data []byte) (*Profile, error) {
	if err := schema.Validate(data, "profile.yaml", schema.Profile(), schema.ProfileDefinition); err != nil {
		return nil, err
	}
	return compile(data)
}

func compile(data []byte) (*Profile, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}

	sum := sha256.Sum256(data)
	prof := &Profile{
		Name:        doc.Metadata.Name,
		Version:     doc.Metadata.Version,
		Description: doc.Metadata.Description,
		Selectors:   doc.Selectors,
		Digest:      hex.EncodeToString(sum[:]),
	}
	seen := map[string]bool{}
	var errs []error
	for _, spec := range doc.Policies {
		if seen[spec.Name] {
			errs = append(errs, &ConfigError{Policy: spec.Name, Err: errors.New("duplicate policy name")})
			continue
		}
		seen[spec.Name] = true
		pol, err := compilePolicy(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		prof.Policies = append(prof.Policies, pol)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return prof, nil
}

func compilePolicy(spec PolicySpec) (*Policy, error) {
	cfgErr := func(field string, err error) error {
		return &ConfigError{Policy: spec.Name, Field: field, Err: err}
	}
	cond, err := ParseCondition(spec.Condition)
	if err != nil {
		return nil, cfgErr("condition", err)
	}
	dur, err := parseDuration(spec.Duration)
	if err != nil {
		return nil, cfgErr("duration", err)
	}
	cool, err := parseDuration(spec.Cooldown)
	if err != nil {
		return nil, cfgErr("cooldown", err)
	}
	act, err := DecodeAction(spec.Action)
	if err != nil {
		return nil, cfgErr("action", err)
	}
	switch spec.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return nil, cfgErr("severity", fmt.Errorf("unknown severity %q", spec.Severity))
	}

	pol := &Policy{
		Name:        spec.Name,
		Description: spec.Description,
		Target:      spec.Target,
		Condition:   cond,
		Duration:    dur,
		Cooldown:    cool,
		Action:      act,
		Severity:    spec.Severity,
	}
	if m, ok := LookupMetric(spec.Target); ok {
		pol.metric = m
	} else {
		pol.metricErr = cfgErr("target", fmt.Errorf("%w %q", ErrUnknownMetric, spec.Target))
	}
	return pol, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
