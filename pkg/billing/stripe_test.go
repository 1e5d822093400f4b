package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testWebhookSecret = "whsec_test"

type recordingSessions struct {
	params *stripe.CheckoutSessionParams
}

func (r *recordingSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	r.params = params
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.com/c/cs_test"}, nil
}

func newTestStripe(t *testing.T, sessions SessionCreator) *Stripe {
	t.Helper()
	s, err := NewStripe(Config{
		WebhookSecret: testWebhookSecret,
		AppURL:        "https://app.commitly.dev/",
		Sessions:      sessions,
	})
	require.NoError(t, err)
	return s
}

func TestCreateCheckoutSession(t *testing.T) {
	sessions := &recordingSessions{}
	s := newTestStripe(t, sessions)

	url, err := s.CreateCheckoutSession(context.Background(), "user_1", 500)
	require.NoError(t, err)
	require.Equal(t, "https://checkout.stripe.com/c/cs_test", url)

	p := sessions.params
	require.NotNil(t, p)
	require.Equal(t, "user_1", *p.ClientReferenceID)
	require.Equal(t, "500", p.Metadata["credits"])
	require.Equal(t, "https://app.commitly.dev/billing?success=true", *p.SuccessURL)
	require.Equal(t, "https://app.commitly.dev/billing", *p.CancelURL)
	require.Len(t, p.LineItems, 1)
	require.Equal(t, int64(1000), *p.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, "500 Commitly Credits", *p.LineItems[0].PriceData.ProductData.Name)

	_, err = s.CreateCheckoutSession(context.Background(), "user_1", 0)
	require.ErrorIs(t, err, ErrInvalidCredits)
}

func TestPriceCentsRounds(t *testing.T) {
	s := newTestStripe(t, &recordingSessions{})
	require.Equal(t, int64(2), s.PriceCents(1))
	require.Equal(t, int64(200), s.PriceCents(100))

	odd, err := NewStripe(Config{WebhookSecret: testWebhookSecret, CreditsPerDollar: 30, Sessions: &recordingSessions{}})
	require.NoError(t, err)
	require.Equal(t, int64(3), odd.PriceCents(1))
	require.Equal(t, int64(7), odd.PriceCents(2))
}

func signedEvent(t *testing.T, eventType string, object map[string]any) (payload []byte, header string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          "evt_test",
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   raw,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestParseWebhookCompletedCheckout(t *testing.T) {
	s := newTestStripe(t, &recordingSessions{})
	payload, header := signedEvent(t, "checkout.session.completed", map[string]any{
		"id":                  "cs_test",
		"object":              "checkout.session",
		"client_reference_id": "user_1",
		"metadata":            map[string]string{"credits": "500"},
	})

	purchase, ok, err := s.ParseWebhook(payload, header)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Purchase{UserID: "user_1", Credits: 500}, purchase)
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	s := newTestStripe(t, &recordingSessions{})
	payload, _ := signedEvent(t, "checkout.session.completed", map[string]any{"object": "checkout.session"})

	_, _, err := s.ParseWebhook(payload, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseWebhookIgnoresOtherEventsAndRejectsMissingMetadata(t *testing.T) {
	s := newTestStripe(t, &recordingSessions{})

	payload, header := signedEvent(t, "payment_intent.created", map[string]any{"id": "pi_1", "object": "payment_intent"})
	_, ok, err := s.ParseWebhook(payload, header)
	require.NoError(t, err)
	require.False(t, ok)

	payload, header = signedEvent(t, "checkout.session.completed", map[string]any{
		"id":     "cs_test",
		"object": "checkout.session",
	})
	_, _, err = s.ParseWebhook(payload, header)
	require.ErrorIs(t, err, ErrInvalidEvent)
}
