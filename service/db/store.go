package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/txprompt/service/metrics"
)

//go:embed schema.sql
var schemaSQL string

// Transfer statuses.
const (
	StatusSubmitted = "submitted" // accepted by the network
	StatusFailed    = "failed"    // submitter returned an error
	StatusRejected  = "rejected"  // never submitted (self-transfer)
)

// ErrNotFound is returned when a transfer does not exist.
var ErrNotFound = errors.New("transfer not found")

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Transfer is one recorded submission attempt.
type Transfer struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	WalletAddress    string    `json:"wallet_address"`
	RecipientAddress string    `json:"recipient_address"`
	TokenAddress     *string   `json:"token_address"`
	IsErc20          bool      `json:"is_erc20"`
	Amount           string    `json:"amount"`
	AmountMinorUnits *string   `json:"amount_minor_units"`
	Decimals         *int16    `json:"decimals"`
	Status           string    `json:"status"`
	TxHash           *string   `json:"tx_hash"`
	ErrorMessage     *string   `json:"error_message"`
	ErrorKind        *string   `json:"error_kind"`
	CreatedAt        time.Time `json:"created_at"`
}

// CreateTransferParams contains the parameters for recording a transfer.
type CreateTransferParams struct {
	SessionID        string
	WalletAddress    string
	RecipientAddress string
	TokenAddress     *string
	IsErc20          bool
	Amount           string
	AmountMinorUnits *string
	Decimals         *int16
	Status           string
	TxHash           *string
	ErrorMessage     *string
	ErrorKind        *string
}

// ListTransfersByWalletParams contains pagination parameters.
type ListTransfersByWalletParams struct {
	WalletAddress string
	Limit         int32
	Offset        int32
}

const transferColumns = `id, session_id, wallet_address, recipient_address, token_address, is_erc20,
	amount, amount_minor_units, decimals, status, tx_hash, error_message, error_kind, created_at`

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateTransfer inserts a new transfer record.
func (s *Store) CreateTransfer(ctx context.Context, params CreateTransferParams) (*Transfer, error) {
	start := time.Now()

	// the wallet address is stored lowercased so lookups ignore checksum casing
	row := s.pool.QueryRow(ctx, `
		INSERT INTO transfers (session_id, wallet_address, recipient_address, token_address, is_erc20,
			amount, amount_minor_units, decimals, status, tx_hash, error_message, error_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+transferColumns,
		params.SessionID,
		strings.ToLower(params.WalletAddress),
		params.RecipientAddress,
		pgtextFromStringPtr(params.TokenAddress),
		params.IsErc20,
		params.Amount,
		pgtextFromStringPtr(params.AmountMinorUnits),
		pgint2FromPtr(params.Decimals),
		params.Status,
		pgtextFromStringPtr(params.TxHash),
		pgtextFromStringPtr(params.ErrorMessage),
		pgtextFromStringPtr(params.ErrorKind),
	)

	t, err := scanTransfer(row)
	s.record("insert", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transfer: %w", err)
	}
	return t, nil
}

// GetTransfer retrieves a transfer by id.
func (s *Store) GetTransfer(ctx context.Context, id int64) (*Transfer, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)

	t, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		s.record("select", start, nil)
		return nil, ErrNotFound
	}
	s.record("select", start, err)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTransfersByWallet retrieves transfers sent from a wallet, newest first.
func (s *Store) ListTransfersByWallet(ctx context.Context, params ListTransfersByWalletParams) ([]*Transfer, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE wallet_address = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		strings.ToLower(params.WalletAddress), params.Limit, params.Offset,
	)
	if err != nil {
		s.record("select", start, err)
		return nil, err
	}

	transfers, err := collectTransfers(rows)
	s.record("select", start, err)
	return transfers, err
}

// ListTransfersBySession retrieves a session's transfers in submission order.
func (s *Store) ListTransfersBySession(ctx context.Context, sessionID string) ([]*Transfer, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE session_id = $1
		ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		s.record("select", start, err)
		return nil, err
	}

	transfers, err := collectTransfers(rows)
	s.record("select", start, err)
	return transfers, err
}

// CountTransfersByWallet counts transfers sent from a wallet.
func (s *Store) CountTransfersByWallet(ctx context.Context, walletAddress string) (int64, error) {
	start := time.Now()
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transfers WHERE wallet_address = $1`,
		strings.ToLower(walletAddress)).Scan(&n)
	s.record("count", start, err)
	return n, err
}

func (s *Store) record(operation string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, "transfers", time.Since(start).Seconds(), err)
	}
}

func collectTransfers(rows pgx.Rows) ([]*Transfer, error) {
	defer rows.Close()

	transfers := make([]*Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transfers, nil
}

func scanTransfer(row pgx.Row) (*Transfer, error) {
	var (
		t                                     Transfer
		token, minor, txHash, errMsg, errKind pgtype.Text
		decimals                              pgtype.Int2
		createdAt                             pgtype.Timestamptz
	)
	err := row.Scan(
		&t.ID, &t.SessionID, &t.WalletAddress, &t.RecipientAddress, &token, &t.IsErc20,
		&t.Amount, &minor, &decimals, &t.Status, &txHash, &errMsg, &errKind, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.TokenAddress = stringPtrFromPgtext(token)
	t.AmountMinorUnits = stringPtrFromPgtext(minor)
	t.TxHash = stringPtrFromPgtext(txHash)
	t.ErrorMessage = stringPtrFromPgtext(errMsg)
	t.ErrorKind = stringPtrFromPgtext(errKind)
	if decimals.Valid {
		d := decimals.Int16
		t.Decimals = &d
	}
	t.CreatedAt = createdAt.Time
	return &t, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgint2FromPtr(v *int16) pgtype.Int2 {
	if v == nil {
		return pgtype.Int2{Valid: false}
	}
	return pgtype.Int2{Int16: *v, Valid: true}
}
