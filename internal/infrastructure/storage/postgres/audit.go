package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	appctx "stocksync/internal/core/context"
	"stocksync/internal/domain/syncrun"
)

// AuditAction represents the type of audited operation.
type AuditAction string

const (
	AuditActionSyncRun     AuditAction = "sync_run"
	AuditActionViewRefresh AuditAction = "view_refresh"
)

// EntitySyncRun is the entity_type recorded for run audit entries.
const EntitySyncRun = "sync_run"

// CompressionAlgo specifies the compression algorithm used.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID                uuid.UUID       `db:"id"`
	EntityType        string          `db:"entity_type"`
	EntityID          uuid.UUID       `db:"entity_id"`
	Action            AuditAction     `db:"action"`
	UserID            string          `db:"user_id"`
	UserEmail         string          `db:"user_email"`
	Changes           json.RawMessage `db:"changes"`
	ChangesCompressed []byte          `db:"changes_compressed"`
	CompressionAlgo   CompressionAlgo `db:"compression_algo"`
	CreatedAt         time.Time       `db:"created_at"`
}

// AuditService writes the audit trail of sync runs.
// Run summaries with long error lists are stored zstd-compressed.
type AuditService struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewAuditService creates a new audit service.
func NewAuditService(txManager *TxManager) (*AuditService, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &AuditService{
		txManager:         txManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: 10 * 1024,
	}, nil
}

// Close releases the zstd decoder.
func (s *AuditService) Close() {
	s.decoder.Close()
}

// Log records an audit entry.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) error {
	if user := appctx.GetUser(ctx); user != nil {
		if entry.UserID == "" {
			entry.UserID = user.UserID
		}
		if entry.UserEmail == "" {
			entry.UserEmail = user.Email
		}
	}
	if entry.UserID == "" {
		entry.UserID = appctx.SystemUserID
	}

	if entry.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit id: %w", err)
		}
		entry.ID = id
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	entry.Changes, entry.ChangesCompressed, entry.CompressionAlgo = s.pack(entry.Changes)

	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO sys_audit_log (
			id, entity_type, entity_id, action, user_id, user_email,
			changes, changes_compressed, compression_algo, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action,
		entry.UserID, entry.UserEmail,
		entry.Changes, entry.ChangesCompressed, entry.CompressionAlgo, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// pack compresses payloads above the threshold.
func (s *AuditService) pack(changes json.RawMessage) (json.RawMessage, []byte, CompressionAlgo) {
	if len(changes) <= s.compressThreshold {
		return changes, nil, CompressionNone
	}
	return nil, s.encoder.EncodeAll(changes, nil), CompressionZstd
}

// unpack restores a compressed payload in place.
func (s *AuditService) unpack(e *AuditEntry) error {
	if e.CompressionAlgo != CompressionZstd || len(e.ChangesCompressed) == 0 {
		return nil
	}
	raw, err := s.decoder.DecodeAll(e.ChangesCompressed, nil)
	if err != nil {
		return fmt.Errorf("decompress changes: %w", err)
	}
	e.Changes = raw
	e.ChangesCompressed = nil
	return nil
}

// RecordRun stores the finalized summary of a run, attributed to its trigger.
func (s *AuditService) RecordRun(ctx context.Context, summary *syncrun.Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	return s.Log(ctx, AuditEntry{
		EntityType: EntitySyncRun,
		EntityID:   summary.RunID,
		Action:     AuditActionSyncRun,
		UserID:     summary.TriggeredBy,
		Changes:    payload,
	})
}

// History retrieves audit entries for an entity, newest first.
func (s *AuditService) History(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := pgxscan.Select(ctx, s.txManager.GetQuerier(ctx), &entries, `
		SELECT id, entity_type, entity_id, action, user_id, user_email,
		       changes, changes_compressed, compression_algo, created_at
		FROM sys_audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	for i := range entries {
		if err := s.unpack(&entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// RunHistory returns the audit trail of a sync run with decompressed summaries.
func (s *AuditService) RunHistory(ctx context.Context, runID uuid.UUID, limit int) ([]syncrun.AuditRecord, error) {
	entries, err := s.History(ctx, EntitySyncRun, runID, limit)
	if err != nil {
		return nil, err
	}
	records := make([]syncrun.AuditRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.record())
	}
	return records, nil
}

func (e AuditEntry) record() syncrun.AuditRecord {
	return syncrun.AuditRecord{
		At:        e.CreatedAt,
		Action:    string(e.Action),
		UserID:    e.UserID,
		UserEmail: e.UserEmail,
		Summary:   e.Changes,
	}
}
