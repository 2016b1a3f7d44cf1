package sqlitestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/odyssey-erp/pharmacy/internal/shared"
)

// CheckAndInsert ensures key uniqueness.
func (s *Store) CheckAndInsert(ctx context.Context, key, module string) error {
	if err := shared.ValidateIdempotencyKey(key, module); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES (?, ?, ?)`,
		key, module, time.Now().UTC())
	if err != nil && isUniqueViolation(err) {
		return shared.ErrIdempotencyConflict
	}
	return err
}

// Delete removes a key after failed processing.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return err
}

// Record persists an audit entry.
func (s *Store) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`, log.ActorID, log.Action, log.Entity, log.EntityID, string(meta), at.UTC())
	return err
}
