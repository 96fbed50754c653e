package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// Source feeds definitions into the resolver. Version must change whenever
// Load would return something different.
type Source interface {
	Name() enums.PolicySource
	Version(ctx context.Context) (string, error)
	Load(ctx context.Context) (map[string]definition, error)
}

// SettingsSource holds the static defaults applied to every configured form kind.
type SettingsSource struct {
	FormKinds        []string
	Required         []string
	Optional         []string
	Ignored          []string
	RequireSignature bool
}

func (s SettingsSource) Name() enums.PolicySource { return enums.PolicySourceSettings }

func (s SettingsSource) Version(context.Context) (string, error) { return "static", nil }

func (s SettingsSource) Load(context.Context) (map[string]definition, error) {
	out := make(map[string]definition, len(s.FormKinds))
	requireSig := s.RequireSignature
	for _, kind := range s.FormKinds {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		out[kind] = definition{
			Required:         append([]string{}, s.Required...),
			Optional:         append([]string{}, s.Optional...),
			Ignored:          append([]string{}, s.Ignored...),
			RequireSignature: &requireSig,
		}
	}
	return out, nil
}

// YAMLSource reads a policy file; edits are picked up through its mtime and size.
//
//	forms:
//	  email_ebook:
//	    required: [email]
//	    ignored_for_signature: [context]
//	    require_signature: true
type YAMLSource struct {
	Path string
}

type yamlFile struct {
	Forms map[string]yamlForm `yaml:"forms"`
}

type yamlForm struct {
	Required         []string `yaml:"required"`
	Optional         []string `yaml:"optional"`
	Ignored          []string `yaml:"ignored_for_signature"`
	RequireSignature *bool    `yaml:"require_signature"`
}

func (s YAMLSource) Name() enums.PolicySource { return enums.PolicySourceYAML }

func (s YAMLSource) Version(context.Context) (string, error) {
	info, err := os.Stat(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "absent", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat policy yaml: %w", err)
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()), nil
}

func (s YAMLSource) Load(context.Context) (map[string]definition, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]definition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy yaml: %w", err)
	}
	var file yamlFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse policy yaml: %w", err)
	}
	out := make(map[string]definition, len(file.Forms))
	for kind, form := range file.Forms {
		out[strings.TrimSpace(kind)] = definition{
			Required:         form.Required,
			Optional:         form.Optional,
			Ignored:          form.Ignored,
			RequireSignature: form.RequireSignature,
		}
	}
	return out, nil
}

// DBSource reads the form_policies table.
type DBSource struct {
	DB *gorm.DB
}

func (s DBSource) Name() enums.PolicySource { return enums.PolicySourceDB }

func (s DBSource) Version(ctx context.Context) (string, error) {
	var (
		count  int64
		latest sql.NullString
	)
	row := s.DB.WithContext(ctx).Raw("SELECT COUNT(*), MAX(updated_at) FROM form_policies").Row()
	if err := row.Scan(&count, &latest); err != nil {
		return "", fmt.Errorf("form policy version: %w", err)
	}
	return fmt.Sprintf("%d:%s", count, latest.String), nil
}

func (s DBSource) Load(ctx context.Context) (map[string]definition, error) {
	var rows []models.FormPolicy
	if err := s.DB.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load form policies: %w", err)
	}
	out := make(map[string]definition, len(rows))
	for _, row := range rows {
		required, err := decodeSet(row.Required)
		if err != nil {
			return nil, fmt.Errorf("form policy %s required: %w", row.FormKind, err)
		}
		optional, err := decodeSet(row.Optional)
		if err != nil {
			return nil, fmt.Errorf("form policy %s optional: %w", row.FormKind, err)
		}
		ignored, err := decodeSet(row.IgnoredForSignature)
		if err != nil {
			return nil, fmt.Errorf("form policy %s ignored_for_signature: %w", row.FormKind, err)
		}
		out[row.FormKind] = definition{
			Required:         required,
			Optional:         optional,
			Ignored:          ignored,
			RequireSignature: row.RequireSignature,
		}
	}
	return out, nil
}

// decodeSet maps SQL NULL and JSON null to an undefined (nil) set.
func decodeSet(raw []byte) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, err
	}
	return out, nil
}
