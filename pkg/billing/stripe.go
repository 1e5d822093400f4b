package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidEvent     = errors.New("webhook event missing user or credits")
	ErrInvalidCredits   = errors.New("credits must be at least 1")
)

// SessionCreator creates Stripe Checkout sessions.
type SessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// Purchase is a completed credit purchase read from a webhook.
type Purchase struct {
	UserID  string
	Credits int
}

type Config struct {
	SecretKey     string
	WebhookSecret string
	// AppURL is the public web origin used for success and cancel redirects.
	AppURL           string
	CreditsPerDollar int
	Sessions         SessionCreator
}

// Stripe sells credits through Checkout and reads completed purchases from webhooks.
type Stripe struct {
	sessions         SessionCreator
	webhookSecret    string
	appURL           string
	creditsPerDollar int
}

func NewStripe(cfg Config) (*Stripe, error) {
	sessions := cfg.Sessions
	if sessions == nil {
		if strings.TrimSpace(cfg.SecretKey) == "" {
			return nil, errors.New("stripe secret key required")
		}
		sc := &client.API{}
		sc.Init(cfg.SecretKey, nil)
		sessions = sc.CheckoutSessions
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe webhook secret required")
	}
	perDollar := cfg.CreditsPerDollar
	if perDollar <= 0 {
		perDollar = 50
	}
	return &Stripe{
		sessions:         sessions,
		webhookSecret:    cfg.WebhookSecret,
		appURL:           strings.TrimRight(cfg.AppURL, "/"),
		creditsPerDollar: perDollar,
	}, nil
}

// PriceCents is the charge for credits.
func (s *Stripe) PriceCents(credits int) int64 {
	return int64(math.Round(float64(credits) / float64(s.creditsPerDollar) * 100))
}

// CreateCheckoutSession starts a one-off payment for credits and returns the hosted checkout URL.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, userID string, credits int) (string, error) {
	if credits < 1 {
		return "", ErrInvalidCredits
	}
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(string(stripe.CurrencyUSD)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("%d Commitly Credits", credits)),
				},
				UnitAmount: stripe.Int64(s.PriceCents(credits)),
			},
			Quantity: stripe.Int64(1),
		}},
		ClientReferenceID: stripe.String(userID),
		SuccessURL:        stripe.String(s.appURL + "/billing?success=true"),
		CancelURL:         stripe.String(s.appURL + "/billing"),
	}
	params.Context = ctx
	params.AddMetadata("credits", strconv.Itoa(credits))

	sess, err := s.sessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	if sess.URL == "" {
		return "", errors.New("checkout session has no url")
	}
	return sess.URL, nil
}

// ParseWebhook verifies the signature and extracts a purchase from a
// checkout.session.completed event. ok is false for every other event type.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (Purchase, bool, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Purchase{}, false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return Purchase{}, false, nil
	}
	if event.Data == nil {
		return Purchase{}, false, ErrInvalidEvent
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return Purchase{}, false, fmt.Errorf("decode checkout session: %w", err)
	}
	userID := strings.TrimSpace(sess.ClientReferenceID)
	credits, err := strconv.Atoi(strings.TrimSpace(sess.Metadata["credits"]))
	if userID == "" || err != nil || credits < 1 {
		return Purchase{}, false, ErrInvalidEvent
	}
	return Purchase{UserID: userID, Credits: credits}, true, nil
}
