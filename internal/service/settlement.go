package service

import (
	"context"
	"fmt"
	"math"

	"github.com/CzarSimon/httputil/id"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/pricing"
	"github.com/rtcheap/call-manager/internal/repository"
	"go.uber.org/zap"
)

// Wallets read and debit prepaid wallet balances.
type Wallets interface {
	Find(ctx context.Context, userID string) (models.Wallet, error)
	Debit(ctx context.Context, userID string, amount float64) error
}

// PaymentProvider charges amounts the wallet could not cover.
type PaymentProvider interface {
	Charge(ctx context.Context, charge models.Charge) (models.Charge, error)
}

// LedgerPaymentProvider records charges as pending for the payment gateway to collect.
type LedgerPaymentProvider struct {
	Charges repository.ChargeRepository
}

// Charge stores the charge and returns it with its payment and order ids.
func (p *LedgerPaymentProvider) Charge(ctx context.Context, charge models.Charge) (models.Charge, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.LedgerPaymentProvider.Charge")
	defer span.Finish()

	charge.ID = id.New()
	charge.OrderID = id.New()
	err := p.Charges.Save(ctx, charge)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.Charge{}, err
	}

	return charge, nil
}

// Settlement how the cost of an ended call was paid.
type Settlement struct {
	Debited float64        `json:"debited"`
	Charged float64        `json:"charged"`
	Payment *models.Charge `json:"payment,omitempty"`
}

// Settler settles the cost of ended calls against wallets and the payment provider.
type Settler struct {
	Wallets  Wallets
	Payments PaymentProvider
}

// Wallet returns the wallet of the user, if there is one.
func (s *Settler) Wallet(ctx context.Context, userID string) (models.Wallet, bool) {
	if s == nil || s.Wallets == nil {
		return models.Wallet{}, false
	}

	w, err := s.Wallets.Find(ctx, userID)
	if err != nil {
		log.Debug("no wallet found for user", zap.String("userId", userID), zap.Error(err))
		return models.Wallet{}, false
	}

	return w, true
}

// Settle debits as much of the session cost as the wallet covers and charges the rest
// through the payment provider. A wallet held in another currency is not debited.
// A failed charge is a payment error; the debit stands.
func (s *Settler) Settle(ctx context.Context, session models.CallSession) (Settlement, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.Settler.Settle")
	defer span.Finish()

	if session.Cost <= 0 {
		return Settlement{}, nil
	}

	var result Settlement
	wallet, ok := s.Wallet(ctx, session.UserID)
	if ok && walletCurrency(wallet) != session.Currency {
		log.Info("wallet currency differs from call currency, charging full cost",
			zap.String("sessionId", session.ID),
			zap.String("walletCurrency", string(walletCurrency(wallet))),
			zap.String("callCurrency", string(session.Currency)),
		)
		ok = false
	}
	if ok {
		debit := round2(math.Min(session.Cost, wallet.Balance))
		if debit > 0 {
			err := s.Wallets.Debit(ctx, session.UserID, debit)
			if err != nil {
				log.Warn("failed to debit wallet, charging full cost", zap.String("sessionId", session.ID), zap.Error(err))
				span.LogFields(tracelog.Error(err))
			} else {
				result.Debited = debit
			}
		}
	}

	shortfall := round2(session.Cost - result.Debited)
	if shortfall <= 0 {
		return result, nil
	}

	if s.Payments == nil {
		err := models.NewCallError(models.KindPayment, "no payment provider configured", fmt.Errorf("unsettled amount %.2f %s", shortfall, session.Currency))
		span.LogFields(tracelog.Error(err))
		return result, err
	}

	charge, err := s.Payments.Charge(ctx, models.Charge{
		SessionID: session.ID,
		UserID:    session.UserID,
		Amount:    shortfall,
		Currency:  session.Currency,
	})
	if err != nil {
		err = models.NewCallError(models.KindPayment, "failed to charge remaining call cost", err)
		span.LogFields(tracelog.Error(err))
		return result, err
	}

	result.Charged = shortfall
	result.Payment = &charge
	return result, nil
}

// walletCurrency is the currency of the balance. Wallets without one hold
// the currency of their country.
func walletCurrency(w models.Wallet) models.Currency {
	if w.Currency != "" {
		return w.Currency
	}

	return pricing.ResolveCurrency(pricing.Locale{Country: w.Country})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
