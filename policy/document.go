package policy

import (
	"math"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/veil/types"
)

// structuredDocument is the current policy document shape.
type structuredDocument struct {
	Name        string `yaml:"name" json:"name"`
	Version     int    `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description"`

	Detection struct {
		Entities []entityEntry `yaml:"entities" json:"entities"`
	} `yaml:"detection" json:"detection"`

	Anonymization struct {
		Enabled        *bool  `yaml:"enabled" json:"enabled"`
		DefaultAction  string `yaml:"default_action" json:"default_action"`
		PreserveFormat bool   `yaml:"preserve_format" json:"preserve_format"`
		AuditTrail     bool   `yaml:"audit_trail" json:"audit_trail"`
	} `yaml:"anonymization" json:"anonymization"`

	Scope struct {
		FileTypes   []string `yaml:"file_types" json:"file_types"`
		MaxFileSize int64    `yaml:"max_file_size" json:"max_file_size"`
	} `yaml:"scope" json:"scope"`
}

type entityEntry struct {
	Type        string  `yaml:"type" json:"type"`
	Threshold   float64 `yaml:"threshold" json:"threshold"`
	Action      string  `yaml:"action" json:"action"`
	Replacement string  `yaml:"replacement" json:"replacement"`
	MaskChar    string  `yaml:"mask_char" json:"mask_char"`
	MaskCount   int     `yaml:"mask_count" json:"mask_count"`
	MaskFromEnd bool    `yaml:"mask_from_end" json:"mask_from_end"`
	HashType    string  `yaml:"hash_type" json:"hash_type"`
	EncryptKey  string  `yaml:"encrypt_key" json:"encrypt_key"`
}

// legacyDocument is the flat shape older policies were stored in.
type legacyDocument struct {
	Entities            []string `yaml:"entities" json:"entities"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" json:"confidence_threshold"`

	Anonymization struct {
		DefaultAnonymizer string `yaml:"default_anonymizer" json:"default_anonymizer"`
	} `yaml:"anonymization" json:"anonymization"`
}

// Parse normalizes a raw policy document into a Config. Both YAML and JSON
// encodings are accepted, in either the structured or the legacy flat shape.
// Malformed documents return KindPolicyInvalid.
func Parse(id string, doc []byte) (*Config, error) {
	var structured structuredDocument
	if err := yaml.Unmarshal(doc, &structured); err != nil {
		return nil, types.WrapStageError(types.KindPolicyInvalid, err, "policy %s: unparseable document", id)
	}
	if len(structured.Detection.Entities) > 0 {
		return normalizeStructured(id, &structured)
	}

	var legacy legacyDocument
	if err := yaml.Unmarshal(doc, &legacy); err != nil {
		return nil, types.WrapStageError(types.KindPolicyInvalid, err, "policy %s: unparseable document", id)
	}
	if len(legacy.Entities) > 0 {
		return normalizeLegacy(id, &legacy)
	}

	return nil, types.NewStageError(types.KindPolicyInvalid, "policy %s: document declares no entities", id)
}

func normalizeStructured(id string, doc *structuredDocument) (*Config, error) {
	cfg := &Config{
		ID:            id,
		Name:          doc.Name,
		Version:       doc.Version,
		Description:   doc.Description,
		Entities:      make(map[string]struct{}, len(doc.Detection.Entities)),
		EntityConfigs: make(map[string]EntityConfig, len(doc.Detection.Entities)),
	}

	globalMin := math.Inf(1)
	for _, e := range doc.Detection.Entities {
		if e.Type == "" {
			return nil, types.NewStageError(types.KindPolicyInvalid, "policy %s: entity entry without a type", id)
		}
		if e.Threshold < 0 || e.Threshold > 1 {
			return nil, types.NewStageError(types.KindPolicyInvalid,
				"policy %s: entity %s: threshold %v outside [0,1]", id, e.Type, e.Threshold)
		}
		action := types.Action(e.Action)
		if action != "" && !action.Valid() {
			return nil, types.NewStageError(types.KindPolicyInvalid,
				"policy %s: entity %s: unknown action %q", id, e.Type, e.Action)
		}

		threshold := e.Threshold
		if threshold == 0 {
			threshold = DefaultThreshold
		}
		cfg.Entities[e.Type] = struct{}{}
		cfg.EntityConfigs[e.Type] = EntityConfig{
			Threshold:   threshold,
			Action:      action,
			Replacement: e.Replacement,
			MaskChar:    e.MaskChar,
			MaskCount:   e.MaskCount,
			MaskFromEnd: e.MaskFromEnd,
			HashType:    e.HashType,
			EncryptKey:  e.EncryptKey,
		}
		globalMin = math.Min(globalMin, threshold)
	}
	cfg.Threshold = globalMin

	defaultAction := types.Action(doc.Anonymization.DefaultAction)
	if defaultAction == "" {
		defaultAction = types.ActionRedact
	}
	if !defaultAction.Valid() {
		return nil, types.NewStageError(types.KindPolicyInvalid,
			"policy %s: unknown default action %q", id, doc.Anonymization.DefaultAction)
	}
	enabled := true
	if doc.Anonymization.Enabled != nil {
		enabled = *doc.Anonymization.Enabled
	}
	cfg.Anonymization = AnonymizationConfig{
		Enabled:        enabled,
		DefaultAction:  defaultAction,
		PreserveFormat: doc.Anonymization.PreserveFormat,
		AuditTrail:     doc.Anonymization.AuditTrail,
	}
	cfg.Scope = Scope{
		FileTypes:   doc.Scope.FileTypes,
		MaxFileSize: doc.Scope.MaxFileSize,
	}
	return cfg, nil
}

func normalizeLegacy(id string, doc *legacyDocument) (*Config, error) {
	threshold := doc.ConfidenceThreshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, types.NewStageError(types.KindPolicyInvalid,
			"policy %s: confidence_threshold %v outside [0,1]", id, doc.ConfidenceThreshold)
	}
	action := types.Action(doc.Anonymization.DefaultAnonymizer)
	if action == "" {
		action = types.ActionRedact
	}
	if !action.Valid() {
		return nil, types.NewStageError(types.KindPolicyInvalid,
			"policy %s: unknown default anonymizer %q", id, doc.Anonymization.DefaultAnonymizer)
	}

	cfg := &Config{
		ID:        id,
		Name:      id,
		Version:   1,
		Entities:  make(map[string]struct{}, len(doc.Entities)),
		Threshold: threshold,
		Anonymization: AnonymizationConfig{
			Enabled:       true,
			DefaultAction: action,
		},
	}
	for _, e := range doc.Entities {
		if e == "" {
			return nil, types.NewStageError(types.KindPolicyInvalid, "policy %s: empty entity type", id)
		}
		cfg.Entities[e] = struct{}{}
	}
	return cfg, nil
}
