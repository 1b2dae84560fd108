package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
)

// ErrInsufficientFunds is returned when a debit exceeds the wallet balance.
var ErrInsufficientFunds = errors.New("insufficient wallet balance")

// WalletRepository persistance interface for prepaid wallets.
type WalletRepository interface {
	Find(ctx context.Context, userID string) (models.Wallet, error)
	Save(ctx context.Context, wallet models.Wallet) error
	Debit(ctx context.Context, userID string, amount float64) error
}

// ChargeRepository persistance interface for charges awaiting the payment gateway.
type ChargeRepository interface {
	Save(ctx context.Context, charge models.Charge) error
	FindBySession(ctx context.Context, sessionID string) ([]models.Charge, error)
}

// NewWalletRepository creates a new SQL WalletRepository.
func NewWalletRepository(db *sql.DB) WalletRepository {
	return &walletRepo{
		db: db,
	}
}

type walletRepo struct {
	db *sql.DB
}

const findWalletQuery = `
	SELECT
		user_id,
		country,
		currency,
		balance
	FROM wallet
	WHERE
		user_id = ?`

func (r *walletRepo) Find(ctx context.Context, userID string) (models.Wallet, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "wallet_repo_find")
	defer span.Finish()

	var w models.Wallet
	err := r.db.QueryRowContext(ctx, findWalletQuery, userID).Scan(&w.UserID, &w.Country, &w.Currency, &w.Balance)
	if err != nil {
		err = fmt.Errorf("failed to query database. %w", err)
		span.LogFields(tracelog.Error(err))
		return models.Wallet{}, err
	}

	return w, nil
}

const insertWalletQuery = `
	INSERT INTO wallet(
			user_id,
			country,
			currency,
			balance,
			created_at,
			updated_at
		)
	VALUES
		(?, ?, ?, ?, ?, ?)`

func (r *walletRepo) Save(ctx context.Context, w models.Wallet) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "wallet_repo_save")
	defer span.Finish()

	now := getNow()
	_, err := r.db.ExecContext(ctx, insertWalletQuery, w.UserID, w.Country, w.Currency, w.Balance, now, now)
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

const debitWalletQuery = `
	UPDATE wallet
	SET
		balance = balance - ?,
		updated_at = ?
	WHERE
		user_id = ?
		AND balance >= ?`

func (r *walletRepo) Debit(ctx context.Context, userID string, amount float64) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "wallet_repo_debit")
	defer span.Finish()

	res, err := r.db.ExecContext(ctx, debitWalletQuery, amount, getNow(), userID, amount)
	if err != nil {
		err = fmt.Errorf("failed to debit wallet. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("failed to read affected rows. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}
	if affected != 1 {
		err = fmt.Errorf("wallet(userId=%s) %w", userID, ErrInsufficientFunds)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

// NewChargeRepository creates a new SQL ChargeRepository.
func NewChargeRepository(db *sql.DB) ChargeRepository {
	return &chargeRepo{
		db: db,
	}
}

type chargeRepo struct {
	db *sql.DB
}

const insertChargeQuery = `
	INSERT INTO pending_charge(
			id,
			order_id,
			session_id,
			user_id,
			amount,
			currency,
			created_at
		)
	VALUES
		(?, ?, ?, ?, ?, ?, ?)`

func (r *chargeRepo) Save(ctx context.Context, c models.Charge) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "charge_repo_save")
	defer span.Finish()

	_, err := r.db.ExecContext(ctx, insertChargeQuery, c.ID, c.OrderID, c.SessionID, c.UserID, c.Amount, c.Currency, getNow())
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

const findChargesQuery = `
	SELECT
		id,
		order_id,
		session_id,
		user_id,
		amount,
		currency
	FROM pending_charge
	WHERE
		session_id = ?`

func (r *chargeRepo) FindBySession(ctx context.Context, sessionID string) ([]models.Charge, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "charge_repo_find_by_session")
	defer span.Finish()

	rows, err := r.db.QueryContext(ctx, findChargesQuery, sessionID)
	if err != nil {
		err = fmt.Errorf("failed to query for charges %w", err)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}
	defer rows.Close()

	charges := make([]models.Charge, 0)
	for rows.Next() {
		var c models.Charge
		err := rows.Scan(&c.ID, &c.OrderID, &c.SessionID, &c.UserID, &c.Amount, &c.Currency)
		if err != nil {
			err = fmt.Errorf("failed to scan charge %w", err)
			span.LogFields(tracelog.Error(err))
			return nil, err
		}
		charges = append(charges, c)
	}

	return charges, nil
}
