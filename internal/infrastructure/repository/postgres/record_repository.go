package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

// RecordRepository reads business records through the namespace catalog.
type RecordRepository struct {
	db      *sql.DB
	catalog *domain.NamespaceCatalog
}

func NewRecordRepository(db *sql.DB, catalog *domain.NamespaceCatalog) *RecordRepository {
	return &RecordRepository{db: db, catalog: catalog}
}

func (r *RecordRepository) GetRecord(ctx context.Context, namespace, recordID string) (*domain.Record, error) {
	ns, err := r.catalog.Lookup(namespace)
	if err != nil {
		return nil, err
	}

	columns := []string{
		fmt.Sprintf("CAST(%s AS TEXT)", quoteIdent(ns.IDColumn)),
		textExpr(ns.TitleColumn),
		quoteIdent(ns.UpdatedColumn),
	}
	for _, col := range ns.TextColumns {
		columns = append(columns, textExpr(col.Name))
	}
	for _, col := range ns.MetadataColumns {
		columns = append(columns, textExpr(col))
	}

	query := fmt.Sprintf(
		"SELECT %s\nFROM %s\nWHERE CAST(%s AS TEXT) = $1",
		strings.Join(columns, ", "),
		quoteIdent(ns.Table),
		quoteIdent(ns.IDColumn),
	)

	textValues := make([]string, len(ns.TextColumns))
	metaValues := make([]string, len(ns.MetadataColumns))
	record := domain.Record{Namespace: ns.Name}
	dest := []any{&record.ID, &record.Title, &record.UpdatedAt}
	for i := range textValues {
		dest = append(dest, &textValues[i])
	}
	for i := range metaValues {
		dest = append(dest, &metaValues[i])
	}

	if err := r.db.QueryRowContext(ctx, query, recordID).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrRecordNotFound, "get record", fmt.Errorf("%s/%s", namespace, recordID))
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}

	record.Fields = make(map[string]string, len(textValues))
	for i, col := range ns.TextColumns {
		record.Fields[col.Name] = textValues[i]
	}
	if len(metaValues) > 0 {
		record.Metadata = make(map[string]string, len(metaValues))
		for i, col := range ns.MetadataColumns {
			record.Metadata[col] = metaValues[i]
		}
	}
	return &record, nil
}

// ListModifiedSince pages rows by (updated, id). The first page (afterID "")
// includes rows updated exactly at since.
func (r *RecordRepository) ListModifiedSince(
	ctx context.Context,
	namespace string,
	since time.Time,
	afterID string,
	limit int,
) ([]domain.RecordRef, error) {
	ns, err := r.catalog.Lookup(namespace)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	updated := quoteIdent(ns.UpdatedColumn)
	id := fmt.Sprintf("CAST(%s AS TEXT)", quoteIdent(ns.IDColumn))
	query := fmt.Sprintf(`
SELECT %[2]s, %[1]s
FROM %[3]s
WHERE %[1]s > $1 OR (%[1]s = $1 AND %[2]s > $2)
ORDER BY %[1]s ASC, %[2]s ASC
LIMIT $3
`, updated, id, quoteIdent(ns.Table))

	rows, err := r.db.QueryContext(ctx, query, since, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list modified records: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RecordRef, 0)
	for rows.Next() {
		ref := domain.RecordRef{Namespace: ns.Name}
		if err := rows.Scan(&ref.ID, &ref.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan modified record: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modified records: %w", err)
	}
	return out, nil
}
