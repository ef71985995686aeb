package staging

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Error is the class of staging backend failures.
var Error = errs.Class("staging backend")

// Record is one staged batch, unique per (TenantID, Checksum). Records are
// written once and never updated or deleted.
type Record struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	BatchID       string            `json:"batch_id"`
	Checksum      string            `json:"batch_checksum"`
	Source        string            `json:"source"`
	Rows          json.RawMessage   `json:"raw"`
	RowCount      int               `json:"row_count"`
	CorrelationID string            `json:"correlation_id"`
	Validation    map[string]string `json:"validation"`
	ImportedAt    time.Time         `json:"imported_at"`
}

type MergeRequest struct {
	TenantID      string
	Source        string
	BatchID       string
	CorrelationID string
	StagingID     string
	Rows          json.RawMessage
}

type MergeResult struct {
	InsertedProjects        int64  `json:"inserted_projects"`
	UpdatedProjects         int64  `json:"updated_projects"`
	OrgMembershipsUpserted  int64  `json:"org_memberships_upserted"`
	UserMembershipsUpserted int64  `json:"user_memberships_upserted"`
	AnomaliesCount          int64  `json:"anomalies_count"`
	StagingID               string `json:"staging_id"`
}

// Store persists staged batches.
//
// Upsert must treat an existing (TenantID, Checksum) pair as success and
// report created=false; only storage failures are errors.
type Store interface {
	Upsert(ctx context.Context, rec Record) (created bool, err error)
	Lookup(ctx context.Context, tenantID, checksum string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, tenantID string, limit int) ([]Record, error)
}

// Merger applies staged rows to the live dataset atomically. Re-invoking it
// with the same request must not double count.
type Merger interface {
	Merge(ctx context.Context, req MergeRequest) (MergeResult, error)
}

type Backend interface {
	Store
	Merger
	Close() error
}

// MergeRequestFor builds the merge call that replays a staged record.
func MergeRequestFor(rec Record) MergeRequest {
	return MergeRequest{
		TenantID:      rec.TenantID,
		Source:        rec.Source,
		BatchID:       rec.BatchID,
		CorrelationID: rec.CorrelationID,
		StagingID:     rec.ID,
		Rows:          rec.Rows,
	}
}
