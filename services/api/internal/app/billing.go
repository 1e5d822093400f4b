package app

import (
	"context"
	"errors"
	"fmt"

	"commitly/internal/metrics"
	"commitly/pkg/billing"
	"commitly/pkg/domain"
	"commitly/pkg/store"
)

// GetUserCredits returns the caller's current balance.
func (a *App) GetUserCredits(user domain.User) (int, error) {
	fresh, ok, err := a.store.GetUser(user.ID)
	if err != nil {
		return 0, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return 0, ErrUserNotFound
	}
	return fresh.Credits, nil
}

// CreateCheckout starts a hosted checkout for credits and returns its URL.
func (a *App) CreateCheckout(ctx context.Context, user domain.User, credits int) (string, error) {
	if a.payments == nil {
		return "", ErrNotConfigured
	}
	if credits < 1 {
		return "", &ValidationError{Fields: map[string]string{"credits": "credits must be at least 1"}}
	}
	url, err := a.payments.CreateCheckoutSession(ctx, user.ID, credits)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	a.log.Info("checkout session created", "user_id", user.ID, "credits", credits)
	return url, nil
}

// HandleStripeWebhook applies a completed checkout. Other event types are
// acknowledged and ignored; the returned bool reports whether credits moved.
func (a *App) HandleStripeWebhook(payload []byte, signature string) (bool, error) {
	if a.payments == nil {
		return false, ErrNotConfigured
	}
	purchase, ok, err := a.payments.ParseWebhook(payload, signature)
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return false, ErrInvalidSignature
	case errors.Is(err, billing.ErrInvalidEvent):
		return false, &ValidationError{Fields: map[string]string{"metadata": "missing userId or credits"}}
	case err != nil:
		return false, fmt.Errorf("parse webhook: %w", err)
	}
	if !ok {
		return false, nil
	}
	tx, err := a.store.RecordPurchase(purchase.UserID, purchase.Credits)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrUserNotFound
	}
	if err != nil {
		return false, fmt.Errorf("record purchase: %w", err)
	}
	metrics.CreditsPurchased(purchase.Credits)
	a.log.Info("credits purchased", "user_id", purchase.UserID, "credits", purchase.Credits, "transaction_id", tx.ID)
	return true, nil
}

// ListTransactions returns the caller's purchases newest first.
func (a *App) ListTransactions(user domain.User) ([]domain.StripeTransaction, error) {
	txs, err := a.store.ListTransactions(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}
