package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	NamespaceRisks      = "risks"
	NamespaceIncidents  = "incidents"
	NamespaceCompliance = "compliance"
	NamespaceDocuments  = "documents"
)

// TextColumn is a searchable text column with its keyword weight and prompt label.
type TextColumn struct {
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// Namespace describes how the records of one logical partition are stored,
// rendered to text and linked back to the surrounding application.
type Namespace struct {
	Name            string        `json:"name"`
	Table           string        `json:"table"`
	IDColumn        string        `json:"id_column"`
	TitleColumn     string        `json:"title_column"`
	TitleWeight     float64       `json:"title_weight"`
	UpdatedColumn   string        `json:"updated_column"`
	TextColumns     []TextColumn  `json:"text_columns"`
	MetadataColumns []string      `json:"metadata_columns,omitempty"`
	LongForm        bool          `json:"long_form"`
	CacheTTL        time.Duration `json:"cache_ttl"`
	LinkTemplate    string        `json:"link_template"`
}

// Link renders the deep link for a record id.
func (n Namespace) Link(recordID string) string {
	if n.LinkTemplate == "" {
		return fmt.Sprintf("/%s/%s", n.Name, recordID)
	}
	return strings.ReplaceAll(n.LinkTemplate, "{id}", recordID)
}

type NamespaceCatalog struct {
	byName map[string]Namespace
	names  []string
}

func NewNamespaceCatalog(namespaces ...Namespace) *NamespaceCatalog {
	c := &NamespaceCatalog{byName: make(map[string]Namespace, len(namespaces))}
	for _, ns := range namespaces {
		if _, exists := c.byName[ns.Name]; !exists {
			c.names = append(c.names, ns.Name)
		}
		c.byName[ns.Name] = ns
	}
	sort.Strings(c.names)
	return c
}

func (c *NamespaceCatalog) Lookup(name string) (Namespace, error) {
	ns, ok := c.byName[name]
	if !ok {
		return Namespace{}, WrapError(ErrNamespaceUnknown, "lookup namespace", fmt.Errorf("%q", name))
	}
	return ns, nil
}

// Names returns namespace names in a stable order.
func (c *NamespaceCatalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Record is a business entity owned by the surrounding domain layer.
type Record struct {
	Namespace string            `json:"namespace"`
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Fields    map[string]string `json:"fields,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RecordRef identifies a record discovered by the polling sweep.
type RecordRef struct {
	Namespace string    `json:"namespace"`
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EstimateTokens approximates language-model tokens as ceil(chars/4).
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
