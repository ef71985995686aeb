package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Anomaly struct {
	StagingID     string    `json:"staging_id"`
	TenantID      string    `json:"tenant_id"`
	BatchID       string    `json:"batch_id"`
	CorrelationID string    `json:"correlation_id"`
	RowIndex      int       `json:"row_index"`
	Type          string    `json:"anomaly_type"`
	Field         string    `json:"field"`
	Reason        string    `json:"reason"`
	Severity      string    `json:"severity"`
	CreatedAt     time.Time `json:"created_at"`
}

type memoryState struct {
	Records         map[string]Record                     `json:"records"`
	Projects        map[string]map[string]json.RawMessage `json:"projects"`
	OrgMemberships  map[string]map[string]bool            `json:"org_memberships"`
	UserMemberships map[string]map[string]bool            `json:"user_memberships"`
	Anomalies       []Anomaly                             `json:"anomalies"`
}

func newMemoryState() *memoryState {
	return &memoryState{
		Records:         map[string]Record{},
		Projects:        map[string]map[string]json.RawMessage{},
		OrgMemberships:  map[string]map[string]bool{},
		UserMemberships: map[string]map[string]bool{},
	}
}

// ensure replaces maps left nil by decoding a snapshot with null members.
func (s *memoryState) ensure() {
	if s.Records == nil {
		s.Records = map[string]Record{}
	}
	if s.Projects == nil {
		s.Projects = map[string]map[string]json.RawMessage{}
	}
	if s.OrgMemberships == nil {
		s.OrgMemberships = map[string]map[string]bool{}
	}
	if s.UserMemberships == nil {
		s.UserMemberships = map[string]map[string]bool{}
	}
}

// MemoryBackend keeps staged batches and a project ledger in process memory.
// Its merge mirrors the transactional merge: projects are keyed by
// stage_application per tenant, inserted when new and updated only when their
// content changed.
type MemoryBackend struct {
	mu      sync.Mutex
	state   *memoryState
	now     func() time.Time
	persist func(*memoryState) error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		state: newMemoryState(),
		now:   time.Now,
	}
}

func (b *MemoryBackend) Upsert(_ context.Context, rec Record) (bool, error) {
	if strings.TrimSpace(rec.TenantID) == "" || strings.TrimSpace(rec.Checksum) == "" {
		return false, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.lookupLocked(rec.TenantID, rec.Checksum); ok {
		return false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, taken := b.state.Records[rec.ID]; taken {
		return false, fmt.Errorf("%w: staging id %s already used", ErrInvalidInput, rec.ID)
	}
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = b.now().UTC()
	}
	b.state.Records[rec.ID] = rec
	if err := b.persistLocked(); err != nil {
		delete(b.state.Records, rec.ID)
		return false, err
	}
	return true, nil
}

func (b *MemoryBackend) Lookup(_ context.Context, tenantID, checksum string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.lookupLocked(tenantID, checksum)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (b *MemoryBackend) lookupLocked(tenantID, checksum string) (Record, bool) {
	for _, rec := range b.state.Records {
		if rec.TenantID == tenantID && rec.Checksum == checksum {
			return rec, true
		}
	}
	return Record{}, false
}

func (b *MemoryBackend) Get(_ context.Context, id string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.state.Records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List returns the tenant's records, newest first. An empty tenantID lists all
// tenants; limit <= 0 means no limit.
func (b *MemoryBackend) List(_ context.Context, tenantID string, limit int) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.state.Records))
	for _, rec := range b.state.Records {
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImportedAt.Equal(out[j].ImportedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ImportedAt.After(out[j].ImportedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) Merge(_ context.Context, req MergeRequest) (MergeResult, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return MergeResult{}, ErrInvalidInput
	}
	var rows []map[string]any
	if err := json.Unmarshal(req.Rows, &rows); err != nil {
		return MergeResult{}, fmt.Errorf("%w: rows: %v", ErrInvalidInput, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var rollback []byte
	if b.persist != nil {
		snapshot, err := json.Marshal(b.state)
		if err != nil {
			return MergeResult{}, err
		}
		rollback = snapshot
	}

	now := b.now().UTC()
	result := MergeResult{StagingID: req.StagingID}
	projects := tenantMap(b.state.Projects, req.TenantID)
	orgs := tenantSet(b.state.OrgMemberships, req.TenantID)
	users := tenantSet(b.state.UserMemberships, req.TenantID)

	anomaly := func(index int, kind, field, reason, severity string) {
		b.state.Anomalies = append(b.state.Anomalies, Anomaly{
			StagingID:     req.StagingID,
			TenantID:      req.TenantID,
			BatchID:       req.BatchID,
			CorrelationID: req.CorrelationID,
			RowIndex:      index,
			Type:          kind,
			Field:         field,
			Reason:        reason,
			Severity:      severity,
			CreatedAt:     now,
		})
		result.AnomaliesCount++
	}

	for i, row := range rows {
		key := rowText(row, "stage_application")
		if key == "" {
			anomaly(i, "missing_key", "stage_application", "stage_application is blank", "error")
			continue
		}
		if row["latitude"] == nil || row["longitude"] == nil {
			anomaly(i, "missing_coordinates", "latitude", "latitude or longitude is blank", "warning")
		}

		encoded, err := json.Marshal(row)
		if err != nil {
			return MergeResult{}, err
		}
		existing, ok := projects[key]
		switch {
		case !ok:
			result.InsertedProjects++
		case string(existing) != string(encoded):
			result.UpdatedProjects++
		}
		projects[key] = encoded

		if partner := rowText(row, "delivery_partner"); partner != "" {
			membership := key + "|" + partner
			if !orgs[membership] {
				orgs[membership] = true
				result.OrgMembershipsUpserted++
			}
		}
		for _, field := range []string{"relationship_manager", "deployment_specialist"} {
			person := rowText(row, field)
			if person == "" {
				continue
			}
			membership := key + "|" + field + "|" + strings.ToLower(person)
			if !users[membership] {
				users[membership] = true
				result.UserMembershipsUpserted++
			}
		}
	}

	if err := b.persistLocked(); err != nil {
		restored := newMemoryState()
		if uerr := json.Unmarshal(rollback, restored); uerr == nil {
			restored.ensure()
			b.state = restored
		}
		return MergeResult{}, err
	}
	return result, nil
}

// Anomalies returns the anomalies recorded for tenantID in insertion order.
func (b *MemoryBackend) Anomalies(tenantID string) []Anomaly {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Anomaly
	for _, a := range b.state.Anomalies {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) persistLocked() error {
	if b.persist == nil {
		return nil
	}
	return b.persist(b.state)
}

func tenantMap(m map[string]map[string]json.RawMessage, tenantID string) map[string]json.RawMessage {
	inner, ok := m[tenantID]
	if !ok {
		inner = map[string]json.RawMessage{}
		m[tenantID] = inner
	}
	return inner
}

func tenantSet(m map[string]map[string]bool, tenantID string) map[string]bool {
	inner, ok := m[tenantID]
	if !ok {
		inner = map[string]bool{}
		m[tenantID] = inner
	}
	return inner
}

func rowText(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return strings.TrimSpace(s)
}
