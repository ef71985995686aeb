package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresStagingTableName  = "staging_imports"
	postgresMergeFunctionName = "fn_projects_import_merge"
	postgresOperationTimeout  = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stages batches in staging_imports and merges them through
// the fn_projects_import_merge stored function, which owns the transaction.
type PostgresBackend struct {
	dsn           string
	tableName     string
	mergeFunction string
	openDB        sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:           dsn,
		tableName:     postgresStagingTableName,
		mergeFunction: postgresMergeFunctionName,
		openDB:        sql.Open,
	}, nil
}

func (b *PostgresBackend) Upsert(ctx context.Context, rec Record) (bool, error) {
	if strings.TrimSpace(rec.TenantID) == "" || strings.TrimSpace(rec.Checksum) == "" {
		return false, ErrInvalidInput
	}
	db, err := b.ensureReady()
	if err != nil {
		return false, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	validation, err := json.Marshal(nonNilValidation(rec.Validation))
	if err != nil {
		return false, err
	}
	rows := rec.Rows
	if len(rows) == 0 {
		rows = json.RawMessage("[]")
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// checksum duplicates batch_checksum for older readers of the table.
	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, batch_id, batch_checksum, checksum, source, raw, row_count, correlation_id, validation, imported_at)
		VALUES ($1, $2, $3, $4, $4, $5, $6::jsonb, $7, NULLIF($8, '')::uuid, $9::jsonb, NOW())
		ON CONFLICT (tenant_id, batch_checksum) DO NOTHING`, postgresQuoteIdentifier(b.tableName))
	res, err := db.ExecContext(ctx, query,
		rec.ID, rec.TenantID, rec.BatchID, rec.Checksum, rec.Source,
		string(rows), rec.RowCount, rec.CorrelationID, string(validation))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *PostgresBackend) Lookup(ctx context.Context, tenantID, checksum string) (Record, error) {
	db, err := b.ensureReady()
	if err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE tenant_id = $1 AND batch_checksum = $2
		ORDER BY imported_at DESC
		LIMIT 1`, postgresRecordColumns, postgresQuoteIdentifier(b.tableName))
	return scanRecord(db.QueryRowContext(ctx, query, tenantID, checksum))
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (Record, error) {
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return Record{}, ErrNotFound
	}
	db, err := b.ensureReady()
	if err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, postgresRecordColumns, postgresQuoteIdentifier(b.tableName))
	return scanRecord(db.QueryRowContext(ctx, query, strings.TrimSpace(id)))
}

func (b *PostgresBackend) List(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	db, err := b.ensureReady()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY imported_at DESC, id
		LIMIT $2`, postgresRecordColumns, postgresQuoteIdentifier(b.tableName))
	rows, err := db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Merge(ctx context.Context, req MergeRequest) (MergeResult, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return MergeResult{}, ErrInvalidInput
	}
	db, err := b.ensureReady()
	if err != nil {
		return MergeResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT inserted_projects, updated_projects, org_memberships_upserted,
			user_memberships_upserted, anomalies_count, staging_id::text
		FROM %s($1, $2, $3, $4::jsonb, NULLIF($5, '')::uuid)`, postgresQuoteIdentifier(b.mergeFunction))
	var (
		inserted, updated, orgs, users, anomalies sql.NullInt64
		stagingID                                 sql.NullString
	)
	err = db.QueryRowContext(ctx, query,
		req.TenantID, req.Source, req.BatchID, string(req.Rows), req.CorrelationID,
	).Scan(&inserted, &updated, &orgs, &users, &anomalies, &stagingID)
	if err != nil {
		return MergeResult{}, err
	}
	result := MergeResult{
		InsertedProjects:        inserted.Int64,
		UpdatedProjects:         updated.Int64,
		OrgMembershipsUpserted:  orgs.Int64,
		UserMembershipsUpserted: users.Int64,
		AnomaliesCount:          anomalies.Int64,
		StagingID:               stagingID.String,
	}
	if result.StagingID == "" {
		result.StagingID = req.StagingID
	}
	return result, nil
}

func (b *PostgresBackend) Close() error {
	if b == nil {
		return nil
	}
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// ensureReady opens the pool and creates the staging table on first use. A
// failed attempt is not cached; the next call retries.
func (b *PostgresBackend) ensureReady() (*sql.DB, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	db, err := b.openDB("postgres", b.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(b.tableName)
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			batch_checksum TEXT NOT NULL,
			checksum TEXT NOT NULL,
			source TEXT NOT NULL,
			raw JSONB NOT NULL,
			row_count INTEGER NOT NULL,
			correlation_id UUID,
			validation JSONB NOT NULL DEFAULT '{}'::jsonb,
			imported_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, batch_checksum)
		)`, table)
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	b.db = db
	return db, nil
}

const postgresRecordColumns = `id::text, tenant_id, batch_id, batch_checksum, source, raw::text, row_count,
	COALESCE(correlation_id::text, ''), validation::text, imported_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		raw        string
		validation string
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.BatchID, &rec.Checksum, &rec.Source,
		&raw, &rec.RowCount, &rec.CorrelationID, &validation, &rec.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Rows = json.RawMessage(raw)
	if err := json.Unmarshal([]byte(validation), &rec.Validation); err != nil {
		return Record{}, Error.New("decode validation for %s: %v", rec.ID, err)
	}
	rec.ImportedAt = rec.ImportedAt.UTC()
	return rec, nil
}

func nonNilValidation(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
