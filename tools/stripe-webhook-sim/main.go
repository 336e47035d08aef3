package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL   = flag.String("base-url", getenv("BASE_URL", "http://localhost:8080"), "funnel-service base url")
		evtType   = flag.String("type", getenv("STRIPE_EVENT_TYPE", "payment_intent.succeeded"), "payment_intent.succeeded or payment_intent.payment_failed")
		sessionID = flag.String("session-id", getenv("FUNNEL_SESSION_ID", ""), "funnel_session_id metadata")
		bookingID = flag.String("booking-id", getenv("BOOKING_ID", ""), "booking_id metadata (defaults to the payment intent id)")
		amount    = flag.Int64("amount", 15000, "amount in minor units")
		secret    = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*sessionID) == "" {
		fatal("FUNNEL_SESSION_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *sessionID, *bookingID, *amount)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(eventID, eventType string, t time.Time, sessionID, bookingID string, amount int64) ([]byte, error) {
	status := "succeeded"
	switch eventType {
	case "payment_intent.succeeded":
	case "payment_intent.payment_failed":
		status = "requires_payment_method"
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	metadata := map[string]any{"funnel_session_id": sessionID}
	if bookingID != "" {
		metadata["booking_id"] = bookingID
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":       fmt.Sprintf("pi_test_%d", t.UnixNano()),
				"object":   "payment_intent",
				"amount":   amount,
				"currency": "pln",
				"status":   status,
				"metadata": metadata,
			},
		},
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
