package deal

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists deals in PostgreSQL.
//
// Every mutating method is a single statement; the claim and status updates
// carry their precondition in the WHERE clause so concurrent callers race at
// the row level, not in application code.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `id, short_code, seller_id, buyer_id, price,
	       event_name, venue, event_date, quantity, status,
	       funded_at, transferred_at, confirmed_at, disputed_at, resolved_at,
	       deposit_tx, confirm_tx, dispute_tx, resolve_tx, refund_tx, release_tx,
	       dispute_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deals (
			id, short_code, seller_id, buyer_id, price,
			event_name, venue, event_date, quantity, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.ShortCode, d.SellerID, nullString(d.BuyerID), d.Price,
		d.EventName, nullString(d.Venue), d.EventDate, d.Quantity, string(d.Status),
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByShortCode(ctx context.Context, code string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE short_code = $1`, code)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

// ConditionalClaim is the one-winner arbitration point. The WHERE clause is
// the entire concurrency control: only a row that is still open and unclaimed
// matches, and PostgreSQL serializes the competing updates.
func (p *PostgresStore) ConditionalClaim(ctx context.Context, dealID, buyerID string, fundedAt time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals
		SET buyer_id = $2, status = $3, funded_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5 AND buyer_id IS NULL`,
		dealID, buyerID, string(StatusFunded), fundedAt, string(StatusOpen),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ReleaseClaim undoes a provisional claim whose deposit proof failed. It only
// matches the exact claim being reversed: same buyer, still funded, no
// deposit hash recorded yet.
func (p *PostgresStore) ReleaseClaim(ctx context.Context, dealID, buyerID string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals
		SET buyer_id = NULL, status = $3, funded_at = NULL, updated_at = NOW()
		WHERE id = $1 AND buyer_id = $2 AND status = $4 AND deposit_tx IS NULL`,
		dealID, buyerID, string(StatusOpen), string(StatusFunded),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, dealID string, expected, next Status, f Fields) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			status = $3,
			updated_at = NOW(),
			buyer_id       = COALESCE(NULLIF($4, ''), buyer_id),
			funded_at      = COALESCE($5, funded_at),
			transferred_at = COALESCE($6, transferred_at),
			confirmed_at   = COALESCE($7, confirmed_at),
			disputed_at    = COALESCE($8, disputed_at),
			resolved_at    = COALESCE($9, resolved_at),
			deposit_tx     = COALESCE(NULLIF($10, ''), deposit_tx),
			confirm_tx     = COALESCE(NULLIF($11, ''), confirm_tx),
			dispute_tx     = COALESCE(NULLIF($12, ''), dispute_tx),
			resolve_tx     = COALESCE(NULLIF($13, ''), resolve_tx),
			refund_tx      = COALESCE(NULLIF($14, ''), refund_tx),
			release_tx     = COALESCE(NULLIF($15, ''), release_tx),
			dispute_reason = COALESCE(NULLIF($16, ''), dispute_reason)
		WHERE id = $1 AND status = $2`,
		dealID, string(expected), string(next),
		f.BuyerID,
		nullTime(f.FundedAt), nullTime(f.TransferredAt), nullTime(f.ConfirmedAt),
		nullTime(f.DisputedAt), nullTime(f.ResolvedAt),
		f.DepositTx, f.ConfirmTx, f.DisputeTx, f.ResolveTx, f.RefundTx, f.ReleaseTx,
		f.DisputeReason,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ListByStatusOlderThan(ctx context.Context, status Status, column string, cutoff time.Time, limit int) ([]*Deal, error) {
	// column is one of the fixed deadline column constants, never user input.
	switch column {
	case ColumnCreatedAt, ColumnFundedAt, ColumnTransferredAt:
	default:
		column = ColumnCreatedAt
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE status = $1 AND `+column+` < $2
		ORDER BY `+column+` ASC
		LIMIT $3`, string(status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeals(rows)
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE seller_id = $1 OR buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeals(rows)
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO deal_events (deal_id, event_type, actor, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		e.DealID, e.Type, e.Actor, nullString(e.Metadata), e.CreatedAt,
	).Scan(&e.ID)
}

func (p *PostgresStore) ListEvents(ctx context.Context, dealID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, deal_id, event_type, actor, metadata, created_at
		FROM deal_events
		WHERE deal_id = $1
		ORDER BY id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.DealID, &e.Type, &e.Actor, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Metadata = metadata.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO conversations (id, deal_id, visitor_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.DealID, c.VisitorID, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// PromoteConversation claims the winner's conversation and closes the rest in
// one statement, so a crash cannot leave two claimed conversations.
func (p *PostgresStore) PromoteConversation(ctx context.Context, dealID, buyerID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = CASE WHEN visitor_id = $2 THEN 'claimed' ELSE 'closed' END,
		    updated_at = NOW()
		WHERE deal_id = $1 AND status != 'closed'`,
		dealID, buyerID,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(s scanner) (*Deal, error) {
	d := &Deal{}
	var (
		buyerID       sql.NullString
		venue         sql.NullString
		status        string
		fundedAt      sql.NullTime
		transferredAt sql.NullTime
		confirmedAt   sql.NullTime
		disputedAt    sql.NullTime
		resolvedAt    sql.NullTime
		depositTx     sql.NullString
		confirmTx     sql.NullString
		disputeTx     sql.NullString
		resolveTx     sql.NullString
		refundTx      sql.NullString
		releaseTx     sql.NullString
		disputeReason sql.NullString
	)

	err := s.Scan(
		&d.ID, &d.ShortCode, &d.SellerID, &buyerID, &d.Price,
		&d.EventName, &venue, &d.EventDate, &d.Quantity, &status,
		&fundedAt, &transferredAt, &confirmedAt, &disputedAt, &resolvedAt,
		&depositTx, &confirmTx, &disputeTx, &resolveTx, &refundTx, &releaseTx,
		&disputeReason, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.BuyerID = buyerID.String
	d.Venue = venue.String
	d.DepositTx = depositTx.String
	d.ConfirmTx = confirmTx.String
	d.DisputeTx = disputeTx.String
	d.ResolveTx = resolveTx.String
	d.RefundTx = refundTx.String
	d.ReleaseTx = releaseTx.String
	d.DisputeReason = disputeReason.String
	if fundedAt.Valid {
		d.FundedAt = &fundedAt.Time
	}
	if transferredAt.Valid {
		d.TransferredAt = &transferredAt.Time
	}
	if confirmedAt.Valid {
		d.ConfirmedAt = &confirmedAt.Time
	}
	if disputedAt.Valid {
		d.DisputedAt = &disputedAt.Time
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}

	return d, nil
}

func scanDeals(rows *sql.Rows) ([]*Deal, error) {
	var result []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
