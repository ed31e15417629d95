package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitvault/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const txColumns = `id, type, token_type, status, wallet_address,
	idr_amount, token_amount, payment_details,
	cex_tx_id, xendit_tx_id, tx_hash, ref_address, ref_amount,
	created_at, updated_at`

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// Filter narrows List/FindOne/Count queries. Zero values are ignored.
type Filter struct {
	Type          models.TxType
	TokenType     models.TokenType
	Statuses      []models.TxStatus
	WalletAddress string
	TxHash        string
	HasXenditID   *bool
	HasTxHash     *bool
	ExcludeID     string

	OrderByCreatedAsc bool
	Limit             int
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status         *models.TxStatus
	IDRAmount      *float64
	TokenAmount    *float64
	PaymentDetails *models.PaymentDetails
	CexTxID        *string
	XenditTxID     *string
	TxHash         *string
	RefAddress     *string
	RefAmount      *float64
	// ClearRef nulls both referral columns (ineligible referral).
	ClearRef bool
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Type != "" {
		add("type=$%d", string(f.Type))
	}
	if f.TokenType != "" {
		add("token_type=$%d", string(f.TokenType))
	}
	if len(f.Statuses) == 1 {
		add("status=$%d", string(f.Statuses[0]))
	} else if len(f.Statuses) > 1 {
		placeholders := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			args = append(args, string(s))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.WalletAddress != "" {
		add("wallet_address=$%d", f.WalletAddress)
	}
	if f.TxHash != "" {
		add("tx_hash=$%d", f.TxHash)
	}
	if f.HasXenditID != nil {
		if *f.HasXenditID {
			clauses = append(clauses, "xendit_tx_id IS NOT NULL")
		} else {
			clauses = append(clauses, "xendit_tx_id IS NULL")
		}
	}
	if f.HasTxHash != nil {
		if *f.HasTxHash {
			clauses = append(clauses, "tx_hash IS NOT NULL")
		} else {
			clauses = append(clauses, "tx_hash IS NULL")
		}
	}
	if f.ExcludeID != "" {
		add("id<>$%d", f.ExcludeID)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (f Filter) tail() string {
	var b strings.Builder
	if f.OrderByCreatedAsc {
		b.WriteString(" ORDER BY created_at ASC")
	} else {
		b.WriteString(" ORDER BY created_at DESC")
	}
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	return b.String()
}

func (s *Store) Create(ctx context.Context, tx *models.Transaction) error {
	details, err := marshalDetails(tx.PaymentDetails)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO transactions (
			id, type, token_type, status, wallet_address,
			idr_amount, token_amount, payment_details,
			cex_tx_id, xendit_tx_id, tx_hash, ref_address, ref_amount,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		tx.ID,
		tx.Type,
		tx.TokenType,
		tx.Status,
		tx.WalletAddress,
		tx.IDRAmount,
		tx.TokenAmount,
		details,
		tx.CexTxID,
		tx.XenditTxID,
		tx.TxHash,
		tx.RefAddress,
		tx.RefAmount,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	return err
}

func (s *Store) List(ctx context.Context, f Filter) ([]*models.Transaction, error) {
	where, args := f.where()
	rows, err := s.Pool.Query(ctx, "SELECT "+txColumns+" FROM transactions"+where+f.tail(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*models.Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// FindOne returns nil when no transaction matches.
func (s *Store) FindOne(ctx context.Context, f Filter) (*models.Transaction, error) {
	f.Limit = 1
	where, args := f.where()
	row := s.Pool.QueryRow(ctx, "SELECT "+txColumns+" FROM transactions"+where+f.tail(), args...)
	tx, err := scanTx(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.Pool.QueryRow(ctx, "SELECT "+txColumns+" FROM transactions WHERE id=$1", id)
	return scanTx(row)
}

// IsTxHashBound reports whether a chain hash is already bound to any
// transaction. Matcher dedupe depends on this check.
func (s *Store) IsTxHashBound(ctx context.Context, hash string) (bool, error) {
	var exists bool
	row := s.Pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM transactions WHERE tx_hash=$1)", hash)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) Update(ctx context.Context, id string, p Patch) (*models.Transaction, error) {
	var sets []string
	var args []any

	set := func(col string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}

	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.IDRAmount != nil {
		set("idr_amount", *p.IDRAmount)
	}
	if p.TokenAmount != nil {
		set("token_amount", *p.TokenAmount)
	}
	if p.PaymentDetails != nil {
		details, err := marshalDetails(p.PaymentDetails)
		if err != nil {
			return nil, err
		}
		set("payment_details", details)
	}
	if p.CexTxID != nil {
		set("cex_tx_id", *p.CexTxID)
	}
	if p.XenditTxID != nil {
		set("xendit_tx_id", *p.XenditTxID)
	}
	if p.TxHash != nil {
		set("tx_hash", *p.TxHash)
	}
	if p.ClearRef {
		sets = append(sets, "ref_address=NULL", "ref_amount=NULL")
	} else {
		if p.RefAddress != nil {
			set("ref_address", *p.RefAddress)
		}
		if p.RefAmount != nil {
			set("ref_amount", *p.RefAmount)
		}
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}
	sets = append(sets, "updated_at=now()")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE transactions SET %s WHERE id=$%d RETURNING %s",
		strings.Join(sets, ", "), len(args), txColumns)

	row := s.Pool.QueryRow(ctx, query, args...)
	return scanTx(row)
}

func (s *Store) CountWaiting(ctx context.Context, t models.TxType, wallet string) (int64, error) {
	var n int64
	row := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE type=$1 AND wallet_address=$2 AND status='WAITING'
	`, t, wallet)
	err := row.Scan(&n)
	return n, err
}

// ExpireAndPurge moves stale WAITING transactions to EXPIRED and deletes
// EXPIRED ones past the retention window.
func (s *Store) ExpireAndPurge(ctx context.Context, now time.Time, expireAfter, purgeAfter time.Duration) (int64, int64, error) {
	expired, err := s.Pool.Exec(ctx, `
		UPDATE transactions
		SET status='EXPIRED', updated_at=now()
		WHERE status='WAITING' AND created_at < $1
	`, now.Add(-expireAfter))
	if err != nil {
		return 0, 0, err
	}

	deleted, err := s.Pool.Exec(ctx, `
		DELETE FROM transactions
		WHERE status='EXPIRED' AND created_at < $1
	`, now.Add(-purgeAfter))
	if err != nil {
		return expired.RowsAffected(), 0, err
	}
	return expired.RowsAffected(), deleted.RowsAffected(), nil
}

func marshalDetails(d *models.PaymentDetails) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTx(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var details []byte

	err := row.Scan(
		&tx.ID,
		&tx.Type,
		&tx.TokenType,
		&tx.Status,
		&tx.WalletAddress,
		&tx.IDRAmount,
		&tx.TokenAmount,
		&details,
		&tx.CexTxID,
		&tx.XenditTxID,
		&tx.TxHash,
		&tx.RefAddress,
		&tx.RefAmount,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		var d models.PaymentDetails
		if err := json.Unmarshal(details, &d); err != nil {
			return nil, err
		}
		tx.PaymentDetails = &d
	}
	return &tx, nil
}
