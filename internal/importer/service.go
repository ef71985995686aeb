package importer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omnivia/importd/internal/staging"
)

// batchNamespace seeds the name-based UUIDs given to batches whose client
// batch_id is not a UUID.
var batchNamespace = uuid.MustParse("6f1c2f0e-4b8a-5d7e-9a3c-2e1b0d9f8c7a")

// Result is the outcome of a merged batch.
type Result struct {
	TenantID      string              `json:"tenant_id"`
	BatchID       string              `json:"batch_id"`
	CorrelationID string              `json:"correlation_id"`
	Checksum      string              `json:"-"`
	RowCount      int                 `json:"-"`
	Duplicate     bool                `json:"-"`
	Metrics       staging.MergeResult `json:"metrics"`
}

type ServiceOptions struct {
	Store  staging.Store
	Merger staging.Merger
	Logger *zap.Logger
	// NewUUID generates correlation and staging ids. Defaults to uuid.New.
	NewUUID func() uuid.UUID
}

// Service runs an admitted, validated envelope through normalization,
// checksumming, idempotent staging and the merge.
type Service struct {
	store   staging.Store
	merger  staging.Merger
	log     *zap.Logger
	newUUID func() uuid.UUID
}

func NewService(opts ServiceOptions) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	newUUID := opts.NewUUID
	if newUUID == nil {
		newUUID = uuid.New
	}
	return &Service{
		store:   opts.Store,
		merger:  opts.Merger,
		log:     log,
		newUUID: newUUID,
	}
}

// Import stages env once per (tenant, checksum) and merges it. A resubmission
// of identical content reuses the existing staging record. Failures after
// validation are *FailedError.
func (s *Service) Import(ctx context.Context, env Envelope) (Result, error) {
	if s.store == nil || s.merger == nil {
		return Result{}, Error.New("service has no staging backend")
	}

	rows := NormalizeRows(env.Rows)
	checksum := Checksum(rows)

	correlationID := env.CorrelationID
	if !IsUUID(correlationID) {
		correlationID = s.newUUID().String()
	}
	batchID := env.BatchID
	validation := map[string]string{}
	if !IsUUID(batchID) {
		batchID = uuid.NewSHA1(batchNamespace, []byte(env.TenantID+"\n"+checksum)).String()
		validation["request_batch_id"] = env.BatchID
	}

	log := s.log.With(
		zap.String("tenant", env.TenantID),
		zap.String("checksum", checksum),
		zap.String("correlation_id", correlationID),
	)

	payload, err := json.Marshal(rows)
	if err != nil {
		return Result{}, &FailedError{Message: "Failed to encode normalized rows", CorrelationID: correlationID, Err: Error.Wrap(err)}
	}

	created, err := s.store.Upsert(ctx, staging.Record{
		ID:            s.newUUID().String(),
		TenantID:      env.TenantID,
		BatchID:       batchID,
		Checksum:      checksum,
		Source:        env.Source,
		Rows:          payload,
		RowCount:      len(rows),
		CorrelationID: correlationID,
		Validation:    validation,
	})
	if err != nil {
		log.Error("staging upsert failed", zap.Error(err))
		return Result{}, &FailedError{Message: "Failed to insert staging_imports", CorrelationID: correlationID, Err: StagingError.Wrap(err)}
	}

	record, err := s.store.Lookup(ctx, env.TenantID, checksum)
	if err != nil {
		if errors.Is(err, staging.ErrNotFound) {
			err = errors.New("not found")
		}
		log.Error("staging read-back failed", zap.Error(err))
		return Result{}, &FailedError{Message: "Failed to resolve staging_imports row", CorrelationID: correlationID, Err: StagingError.Wrap(err)}
	}
	log = log.With(zap.String("staging_id", record.ID))
	if !created {
		log.Info("batch already staged, replaying merge")
	}

	metrics, err := s.merger.Merge(ctx, staging.MergeRequest{
		TenantID:      env.TenantID,
		Source:        env.Source,
		BatchID:       batchID,
		CorrelationID: correlationID,
		StagingID:     record.ID,
		Rows:          payload,
	})
	if err != nil {
		log.Error("merge failed, batch remains staged", zap.Error(err))
		return Result{}, &FailedError{Message: "Merge failed", CorrelationID: correlationID, Err: MergeError.Wrap(err)}
	}
	if strings.TrimSpace(metrics.StagingID) == "" {
		metrics.StagingID = record.ID
	}

	log.Info("batch merged",
		zap.Int("rows", len(rows)),
		zap.Int64("inserted", metrics.InsertedProjects),
		zap.Int64("updated", metrics.UpdatedProjects),
		zap.Int64("anomalies", metrics.AnomaliesCount),
	)
	return Result{
		TenantID:      env.TenantID,
		BatchID:       batchID,
		CorrelationID: correlationID,
		Checksum:      checksum,
		RowCount:      len(rows),
		Duplicate:     !created,
		Metrics:       metrics,
	}, nil
}

// IsUUID reports whether s is a hyphenated RFC 4122 UUID of version 1 to 5.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Variant() == uuid.RFC4122 && id.Version() >= 1 && id.Version() <= 5
}
