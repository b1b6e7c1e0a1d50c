package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type namespaceFile struct {
	Namespaces []namespaceSpec `yaml:"namespaces"`
}

type namespaceSpec struct {
	Name            string       `yaml:"name"`
	Table           string       `yaml:"table"`
	IDColumn        string       `yaml:"id_column"`
	TitleColumn     string       `yaml:"title_column"`
	TitleWeight     float64      `yaml:"title_weight"`
	UpdatedColumn   string       `yaml:"updated_column"`
	TextColumns     []columnSpec `yaml:"text_columns"`
	MetadataColumns []string     `yaml:"metadata_columns"`
	LongForm        bool         `yaml:"long_form"`
	CacheTTLSeconds int          `yaml:"cache_ttl_seconds"`
	LinkTemplate    string       `yaml:"link_template"`
}

type columnSpec struct {
	Name   string  `yaml:"name"`
	Label  string  `yaml:"label"`
	Weight float64 `yaml:"weight"`
}

// LoadNamespaces reads the catalog from path, or returns the built-in
// catalog when path is empty.
func LoadNamespaces(path string) (*domain.NamespaceCatalog, error) {
	if path == "" {
		return domain.NewNamespaceCatalog(DefaultNamespaces()...), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read namespaces file: %w", err)
	}
	return ParseNamespaces(raw)
}

func ParseNamespaces(raw []byte) (*domain.NamespaceCatalog, error) {
	var file namespaceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse namespaces: %w", err)
	}
	if len(file.Namespaces) == 0 {
		return nil, errors.New("parse namespaces: no namespaces defined")
	}

	seen := make(map[string]struct{}, len(file.Namespaces))
	out := make([]domain.Namespace, 0, len(file.Namespaces))
	for _, spec := range file.Namespaces {
		ns, err := spec.toDomain()
		if err != nil {
			return nil, fmt.Errorf("namespace %q: %w", spec.Name, err)
		}
		if _, dup := seen[ns.Name]; dup {
			return nil, fmt.Errorf("namespace %q: defined twice", ns.Name)
		}
		seen[ns.Name] = struct{}{}
		out = append(out, ns)
	}
	return domain.NewNamespaceCatalog(out...), nil
}

func (s namespaceSpec) toDomain() (domain.Namespace, error) {
	ns := domain.Namespace{
		Name:            s.Name,
		Table:           s.Table,
		IDColumn:        orDefault(s.IDColumn, "id"),
		TitleColumn:     orDefault(s.TitleColumn, "title"),
		TitleWeight:     s.TitleWeight,
		UpdatedColumn:   orDefault(s.UpdatedColumn, "updated_at"),
		MetadataColumns: s.MetadataColumns,
		LongForm:        s.LongForm,
		CacheTTL:        time.Duration(s.CacheTTLSeconds) * time.Second,
		LinkTemplate:    s.LinkTemplate,
	}
	if ns.Table == "" {
		ns.Table = ns.Name
	}
	if ns.TitleWeight <= 0 {
		ns.TitleWeight = 1
	}

	idents := []string{ns.Name, ns.Table, ns.IDColumn, ns.TitleColumn, ns.UpdatedColumn}
	idents = append(idents, ns.MetadataColumns...)
	if len(s.TextColumns) == 0 {
		return domain.Namespace{}, errors.New("at least one text column is required")
	}
	for _, col := range s.TextColumns {
		weight := col.Weight
		if weight <= 0 {
			weight = 1
		}
		ns.TextColumns = append(ns.TextColumns, domain.TextColumn{
			Name:   col.Name,
			Label:  orDefault(col.Label, col.Name),
			Weight: weight,
		})
		idents = append(idents, col.Name)
	}
	for _, ident := range idents {
		if !identifierRe.MatchString(ident) {
			return domain.Namespace{}, fmt.Errorf("invalid identifier %q", ident)
		}
	}
	return ns, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// DefaultNamespaces is the catalog used when no namespaces file is configured.
func DefaultNamespaces() []domain.Namespace {
	return []domain.Namespace{
		{
			Name:          domain.NamespaceRisks,
			Table:         "risks",
			IDColumn:      "id",
			TitleColumn:   "title",
			TitleWeight:   2,
			UpdatedColumn: "updated_at",
			TextColumns: []domain.TextColumn{
				{Name: "description", Label: "Description", Weight: 1},
				{Name: "category", Label: "Category", Weight: 0.5},
				{Name: "mitigation_plan", Label: "Mitigation", Weight: 0.5},
			},
			MetadataColumns: []string{"category", "status", "likelihood", "impact", "owner"},
			CacheTTL:        10 * time.Minute,
			LinkTemplate:    "/risks/{id}",
		},
		{
			Name:          domain.NamespaceIncidents,
			Table:         "incidents",
			IDColumn:      "id",
			TitleColumn:   "title",
			TitleWeight:   2,
			UpdatedColumn: "updated_at",
			TextColumns: []domain.TextColumn{
				{Name: "description", Label: "Description", Weight: 1},
				{Name: "root_cause", Label: "Root cause", Weight: 0.75},
				{Name: "resolution", Label: "Resolution", Weight: 0.5},
			},
			MetadataColumns: []string{"severity", "status", "category"},
			CacheTTL:        2 * time.Minute,
			LinkTemplate:    "/incidents/{id}",
		},
		{
			Name:          domain.NamespaceCompliance,
			Table:         "compliance_requirements",
			IDColumn:      "id",
			TitleColumn:   "title",
			TitleWeight:   2,
			UpdatedColumn: "updated_at",
			TextColumns: []domain.TextColumn{
				{Name: "description", Label: "Requirement", Weight: 1},
				{Name: "framework", Label: "Framework", Weight: 0.75},
				{Name: "control_reference", Label: "Control", Weight: 0.75},
			},
			MetadataColumns: []string{"framework", "status"},
			CacheTTL:        30 * time.Minute,
			LinkTemplate:    "/compliance/{id}",
		},
		{
			Name:          domain.NamespaceDocuments,
			Table:         "documents",
			IDColumn:      "id",
			TitleColumn:   "title",
			TitleWeight:   2,
			UpdatedColumn: "updated_at",
			TextColumns: []domain.TextColumn{
				{Name: "summary", Label: "Summary", Weight: 0.75},
				{Name: "content", Label: "Content", Weight: 1},
			},
			MetadataColumns: []string{"document_type", "version"},
			LongForm:        true,
			CacheTTL:        time.Hour,
			LinkTemplate:    "/documents/{id}",
		},
	}
}
