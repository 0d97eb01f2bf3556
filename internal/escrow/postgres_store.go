package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/procurepay/internal/money"
	"github.com/mbd888/procurepay/internal/pagination"
)

// Unique indexes the store maps onto domain errors.
const (
	constraintActiveReference = "idx_escrow_payments_active_reference"
	constraintGatewayRef      = "idx_escrow_payments_gateway_ref"
	constraintSingleRelease   = "idx_escrow_transactions_single_release"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pay *Payment, entries []*Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stamp(pay, entries, 0)
	evidenceJSON, err := marshalEvidence(pay.Evidence)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_payments (
			id, payer_id, payee_id, reference_id, amount_minor,
			status, channel, release_at, evidence, last_seq,
			gateway_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pay.ID, pay.PayerID, pay.PayeeID, pay.ReferenceID, pay.Amount.Minor(),
		string(pay.Status), string(pay.Channel), nullTime(pay.ReleaseAt), evidenceJSON, pay.Version,
		nullString(pay.GatewayRef), pay.CreatedAt, pay.UpdatedAt,
	)
	if err != nil {
		return mapConstraint(err, "insert payment")
	}
	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

const paymentColumns = `id, payer_id, payee_id, reference_id, amount_minor,
		       status, channel, release_at, evidence, last_seq,
		       gateway_ref, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE id = $1`, id)

	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pay, err
}

// Transition locks the row with SELECT ... FOR UPDATE, evaluates fn, then
// writes the new status guarded by the status and version it read. Entries
// are inserted in the same transaction.
func (p *PostgresStore) Transition(ctx context.Context, id string, fn TransitionFunc) (*Payment, []*Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE id = $1 FOR UPDATE`, id)
	current, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock payment: %w", err)
	}

	res, err := fn(current)
	if err != nil {
		return nil, nil, err
	}

	next := res.Next.Clone()
	next.ID = current.ID
	stamp(next, res.Entries, current.Version)

	evidenceJSON, err := marshalEvidence(next.Evidence)
	if err != nil {
		return nil, nil, err
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_payments SET
			status = $1, release_at = $2, evidence = $3, last_seq = $4, updated_at = $5
		WHERE id = $6 AND status = $7 AND last_seq = $8`,
		string(next.Status), nullTime(next.ReleaseAt), evidenceJSON, next.Version, next.UpdatedAt,
		id, string(current.Status), current.Version,
	)
	if err != nil {
		return nil, nil, mapConstraint(err, "update payment")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("update payment: %w", err)
	}
	if rows == 0 {
		return nil, nil, ErrConcurrentModification
	}

	if err := insertEntries(ctx, tx, res.Entries); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transition: %w", err)
	}
	return next, res.Entries, nil
}

func (p *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments
		WHERE status = 'IN_ESCROW'
		  AND release_at <= $1
		ORDER BY release_at ASC, id ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListEntries(ctx context.Context, paymentID string) ([]*Entry, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payment_id, seq, type, amount_minor, actor_id, actor_role,
		       description, metadata, created_at
		FROM escrow_transactions
		WHERE payment_id = $1
		ORDER BY seq ASC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var (
			typ, role string
			amount    sql.NullInt64
			metaJSON  []byte
		)
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.Seq, &typ, &amount, &e.ActorID, &role,
			&e.Description, &metaJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.ActorRole = Role(role)
		if amount.Valid {
			a := money.FromMinor(amount.Int64)
			e.Amount = &a
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of entry %s: %w", e.ID, err)
			}
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM escrow_payments
		WHERE (payer_id = $1 OR payee_id = $1)`
	args := []any{partyID, limit}
	if after != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func insertEntries(ctx context.Context, tx *sql.Tx, entries []*Entry) error {
	for _, e := range entries {
		meta := e.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		var amount sql.NullInt64
		if e.Amount != nil {
			amount = sql.NullInt64{Int64: e.Amount.Minor(), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_transactions (
				id, payment_id, seq, type, amount_minor, actor_id, actor_role,
				description, metadata, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.PaymentID, e.Seq, string(e.Type), amount, e.ActorID, string(e.ActorRole),
			e.Description, metaJSON, e.CreatedAt,
		)
		if err != nil {
			return mapConstraint(err, "insert transaction")
		}
	}
	return nil
}

// mapConstraint turns unique violations on known indexes into domain errors.
func mapConstraint(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case constraintActiveReference:
			return ErrDuplicateReference
		case constraintGatewayRef:
			return ErrDuplicateCapture
		case constraintSingleRelease:
			return ErrAlreadyTerminal
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func marshalEvidence(ev []EvidenceArtifact) ([]byte, error) {
	if ev == nil {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}
	return b, nil
}

// decodeEvidence parses the evidence column. Corrupt JSON is an error, never
// an empty list.
func decodeEvidence(b []byte) ([]EvidenceArtifact, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var ev []EvidenceArtifact
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	if len(ev) == 0 {
		return nil, nil
	}
	return ev, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		amount       int64
		status       string
		channel      string
		releaseAt    sql.NullTime
		evidenceJSON []byte
		gatewayRef   sql.NullString
	)

	err := s.Scan(
		&pay.ID, &pay.PayerID, &pay.PayeeID, &pay.ReferenceID, &amount,
		&status, &channel, &releaseAt, &evidenceJSON, &pay.Version,
		&gatewayRef, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pay.Amount = money.FromMinor(amount)
	pay.Status = Status(status)
	pay.Channel = Channel(channel)
	if releaseAt.Valid {
		t := releaseAt.Time.UTC()
		pay.ReleaseAt = &t
	}
	evidence, err := decodeEvidence(evidenceJSON)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", pay.ID, err)
	}
	pay.Evidence = evidence
	pay.GatewayRef = gatewayRef.String
	pay.CreatedAt = pay.CreatedAt.UTC()
	pay.UpdatedAt = pay.UpdatedAt.UTC()

	return pay, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
