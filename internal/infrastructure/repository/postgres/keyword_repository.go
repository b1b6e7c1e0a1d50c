package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

const maxKeywordTerms = 8

// KeywordRepository scores records with ILIKE phrase and term matches over
// the weighted text columns of each namespace.
type KeywordRepository struct {
	db      *sql.DB
	catalog *domain.NamespaceCatalog
}

func NewKeywordRepository(db *sql.DB, catalog *domain.NamespaceCatalog) *KeywordRepository {
	return &KeywordRepository{db: db, catalog: catalog}
}

// Search returns hits with scores normalized into [0,1]. An empty namespace
// searches every catalog namespace and merges the results. Filters are exact
// matches on the namespace, record_id or a catalog metadata column; a
// namespace without the filtered column contributes no hits.
func (r *KeywordRepository) Search(
	ctx context.Context,
	namespace, query string,
	filters map[string]string,
	limit int,
) ([]domain.KeywordHit, error) {
	phrase := normalizePhrase(query)
	terms := keywordTerms(phrase)
	if phrase == "" || len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	names := []string{namespace}
	if namespace == "" {
		names = r.catalog.Names()
	}

	out := make([]domain.KeywordHit, 0)
	for _, name := range names {
		ns, err := r.catalog.Lookup(name)
		if err != nil {
			return nil, err
		}
		conditions, ok := filterConditions(ns, filters)
		if !ok {
			continue
		}
		hits, err := r.searchNamespace(ctx, ns, phrase, terms, conditions, limit)
		if err != nil {
			return nil, domain.WrapError(domain.ErrKeywordQuery, "keyword search "+name, err)
		}
		out = append(out, hits...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].RecordID < out[j].RecordID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *KeywordRepository) searchNamespace(
	ctx context.Context,
	ns domain.Namespace,
	phrase string,
	terms []string,
	conditions []filterCondition,
	limit int,
) ([]domain.KeywordHit, error) {
	query, args, maxScore := buildKeywordQuery(ns, phrase, terms, conditions, limit)
	if maxScore <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keyword scores: %w", err)
	}
	defer rows.Close()

	out := make([]domain.KeywordHit, 0)
	for rows.Next() {
		hit := domain.KeywordHit{Namespace: ns.Name}
		var raw float64
		if err := rows.Scan(&hit.RecordID, &hit.Title, &hit.UpdatedAt, &raw); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		hit.Score = raw / maxScore
		if hit.Score > 1 {
			hit.Score = 1
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword hits: %w", err)
	}
	return out, nil
}

type filterCondition struct {
	column string
	value  string
}

// filterConditions maps filter keys onto ns columns, sorted by key so the
// generated SQL is stable. ok is false when ns cannot satisfy the filters.
func filterConditions(ns domain.Namespace, filters map[string]string) ([]filterCondition, bool) {
	if len(filters) == 0 {
		return nil, true
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]filterCondition, 0, len(keys))
	for _, key := range keys {
		value := filters[key]
		switch {
		case key == "namespace":
			if value != ns.Name {
				return nil, false
			}
		case key == "record_id":
			out = append(out, filterCondition{column: ns.IDColumn, value: value})
		case hasMetadataColumn(ns, key):
			out = append(out, filterCondition{column: key, value: value})
		default:
			return nil, false
		}
	}
	return out, true
}

func hasMetadataColumn(ns domain.Namespace, name string) bool {
	for _, col := range ns.MetadataColumns {
		if col == name {
			return true
		}
	}
	return false
}

type weightedColumn struct {
	name   string
	weight float64
}

// buildKeywordQuery adds weight*2 for a whole-phrase match and weight per
// matching term, for every searchable column. $1 is the phrase pattern,
// $2..$n+1 the term patterns, then one placeholder per filter condition and
// the last placeholder the limit.
func buildKeywordQuery(
	ns domain.Namespace,
	phrase string,
	terms []string,
	conditions []filterCondition,
	limit int,
) (string, []any, float64) {
	columns := make([]weightedColumn, 0, len(ns.TextColumns)+1)
	if ns.TitleColumn != "" {
		columns = append(columns, weightedColumn{name: ns.TitleColumn, weight: positiveOr(ns.TitleWeight, 1)})
	}
	for _, col := range ns.TextColumns {
		columns = append(columns, weightedColumn{name: col.Name, weight: positiveOr(col.Weight, 1)})
	}

	args := make([]any, 0, len(terms)+len(conditions)+2)
	args = append(args, "%"+escapeLike(phrase)+"%")
	for _, term := range terms {
		args = append(args, "%"+escapeLike(term)+"%")
	}
	where := ""
	for _, cond := range conditions {
		args = append(args, cond.value)
		where += fmt.Sprintf(" AND CAST(%s AS TEXT) = $%d", quoteIdent(cond.column), len(args))
	}
	args = append(args, limit)

	parts := make([]string, 0, len(columns)*(len(terms)+1))
	maxScore := 0.0
	for _, col := range columns {
		expr := textExpr(col.name)
		parts = append(parts, fmt.Sprintf(`CASE WHEN %s ILIKE $1 ESCAPE '\' THEN %s ELSE 0 END`, expr, formatWeight(col.weight*2)))
		maxScore += col.weight * 2
		for i := range terms {
			parts = append(parts, fmt.Sprintf(`CASE WHEN %s ILIKE $%d ESCAPE '\' THEN %s ELSE 0 END`, expr, i+2, formatWeight(col.weight)))
			maxScore += col.weight
		}
	}
	if len(parts) == 0 {
		return "", nil, 0
	}

	title := "''"
	if ns.TitleColumn != "" {
		title = textExpr(ns.TitleColumn)
	}
	query := fmt.Sprintf(`
SELECT record_id, title, updated_at, score
FROM (
	SELECT CAST(%s AS TEXT) AS record_id, %s AS title, %s AS updated_at, (%s) AS score
	FROM %s
	WHERE TRUE%s
) scored
WHERE score > 0
ORDER BY score DESC, record_id ASC
LIMIT $%d
`,
		quoteIdent(ns.IDColumn),
		title,
		quoteIdent(ns.UpdatedColumn),
		strings.Join(parts, " + "),
		quoteIdent(ns.Table),
		where,
		len(args),
	)
	return query, args, maxScore
}

func normalizePhrase(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// keywordTerms returns up to maxKeywordTerms distinct terms of at least two characters.
func keywordTerms(phrase string) []string {
	fields := strings.FieldsFunc(phrase, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, maxKeywordTerms)
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
		if len(out) == maxKeywordTerms {
			break
		}
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func formatWeight(w float64) string {
	return strconv.FormatFloat(w, 'f', -1, 64)
}

func positiveOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
