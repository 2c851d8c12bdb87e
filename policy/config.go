// Package policy loads and evaluates anonymization policies. A policy
// selects which entity types to detect, the minimum confidence per type, and
// the operator applied to each detected range.
package policy

import (
	"github.com/pithecene-io/veil/types"
)

// DefaultThreshold is the confidence floor of the default policy.
const DefaultThreshold = 0.8

// defaultEntities are the entity types the default policy detects when a job
// carries no policy id or an unknown one.
var defaultEntities = []string{
	"PERSON",
	"EMAIL_ADDRESS",
	"PHONE_NUMBER",
	"CREDIT_CARD",
	"IBAN_CODE",
	"US_SSN",
	"IP_ADDRESS",
	"LOCATION",
}

// EntityConfig is the per-entity detection and anonymization configuration.
type EntityConfig struct {
	// Threshold is the minimum confidence for findings of this type.
	Threshold float64
	// Action is the operator applied to findings of this type.
	Action types.Action
	// Replacement is the literal substitute for the replace action.
	Replacement string
	// MaskChar, MaskCount and MaskFromEnd parameterize the mask action.
	MaskChar    string
	MaskCount   int
	MaskFromEnd bool
	// HashType selects the digest for the hash action, default sha256.
	HashType string
	// EncryptKey is the key for the encrypt action.
	EncryptKey string
}

// AnonymizationConfig holds the policy's anonymization section.
type AnonymizationConfig struct {
	// Enabled controls whether an Anonymization stage runs at all.
	Enabled bool
	// DefaultAction applies to entity types without per-entity config.
	DefaultAction types.Action
	// PreserveFormat asks operators to keep the shape of the original value.
	PreserveFormat bool
	// AuditTrail records each applied operation in the audit log.
	AuditTrail bool
}

// Scope restricts which files a policy accepts.
type Scope struct {
	// FileTypes whitelists extensions. Empty means all types.
	FileTypes []string
	// MaxFileSize is a per-policy byte ceiling. Zero means no policy limit.
	MaxFileSize int64
}

// Config is a normalized policy, the single shape the pipeline consumes
// regardless of which document form it was parsed from.
type Config struct {
	ID          string
	Name        string
	Version     int
	Description string

	// Entities is the set of enabled entity types.
	Entities map[string]struct{}
	// Threshold is the global confidence floor, the minimum of all
	// per-entity thresholds.
	Threshold float64
	// EntityConfigs carries per-entity overrides keyed by entity type.
	EntityConfigs map[string]EntityConfig

	Anonymization AnonymizationConfig
	Scope         Scope
}

// Default returns the policy applied when a job names no policy or an
// unknown one.
func Default() *Config {
	entities := make(map[string]struct{}, len(defaultEntities))
	for _, e := range defaultEntities {
		entities[e] = struct{}{}
	}
	return &Config{
		ID:        "default",
		Name:      "default",
		Version:   1,
		Entities:  entities,
		Threshold: DefaultThreshold,
		Anonymization: AnonymizationConfig{
			Enabled:       true,
			DefaultAction: types.ActionRedact,
			AuditTrail:    true,
		},
	}
}

// ThresholdFor returns the confidence floor for an entity type, falling back
// to the global threshold without per-entity config.
func (c *Config) ThresholdFor(entityType string) float64 {
	if ec, ok := c.EntityConfigs[entityType]; ok && ec.Threshold > 0 {
		return ec.Threshold
	}
	return c.Threshold
}

// ShouldProcessEntity reports whether a detection of the given type and
// confidence passes the policy.
func (c *Config) ShouldProcessEntity(entityType string, confidence float64) bool {
	if _, ok := c.Entities[entityType]; !ok {
		return false
	}
	return confidence >= c.ThresholdFor(entityType)
}

// OperatorFor returns the configured operator for an entity type, or the
// policy default.
func (c *Config) OperatorFor(entityType string) EntityConfig {
	if ec, ok := c.EntityConfigs[entityType]; ok && ec.Action != "" {
		return ec
	}
	action := c.Anonymization.DefaultAction
	if action == "" {
		action = types.ActionRedact
	}
	return EntityConfig{Threshold: c.Threshold, Action: action}
}

// AllowsFileType reports whether the policy scope admits the extension.
func (c *Config) AllowsFileType(fileType string) bool {
	if len(c.Scope.FileTypes) == 0 {
		return true
	}
	for _, t := range c.Scope.FileTypes {
		if t == fileType {
			return true
		}
	}
	return false
}

// AllowsFileSize reports whether the policy scope admits the size.
func (c *Config) AllowsFileSize(size int64) bool {
	return c.Scope.MaxFileSize <= 0 || size <= c.Scope.MaxFileSize
}
