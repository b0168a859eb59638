// Package notify delivers best-effort notifications for deal transitions.
//
// Two channels: SMS to the counterparty's phone via an HTTP provider, and the
// realtime hub for connected WebSocket clients. Everything is fire-and-forget;
// a failed notification never fails the transition that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ClementSutjiatma/deal-sub001/internal/metrics"
	"github.com/ClementSutjiatma/deal-sub001/internal/retry"
)

// SMSClient sends text messages through a generic HTTP provider. Transient
// provider failures (network, 5xx) are retried with backoff; 4xx responses
// are not.
type SMSClient struct {
	providerURL string
	apiKey      string
	from        string
	httpClient  *http.Client
	attempts    int
	retryDelay  time.Duration
}

// NewSMSClient creates an SMS client. A nil client (empty providerURL) is
// valid and drops every message.
func NewSMSClient(providerURL, apiKey, from string) *SMSClient {
	if providerURL == "" {
		return nil
	}
	return &SMSClient{
		providerURL: providerURL,
		apiKey:      apiKey,
		from:        from,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		attempts:    3,
		retryDelay:  500 * time.Millisecond,
	}
}

type smsPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// Send delivers one message. Returns an error for logging only; callers must
// not propagate it.
func (c *SMSClient) Send(ctx context.Context, to, body string) error {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(smsPayload{From: c.from, To: to, Body: body})
	if err != nil {
		return err
	}

	return retry.Do(ctx, c.attempts, c.retryDelay, func() error {
		return c.sendOnce(ctx, data)
	})
}

func (c *SMSClient) sendOnce(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.providerURL, bytes.NewReader(data))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("sms provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		// Provider rejected the message; retrying the same payload won't help.
		return retry.Permanent(fmt.Errorf("sms provider returned %d", resp.StatusCode))
	}
	return nil
}

// Broadcaster pushes deal events to connected realtime clients.
type Broadcaster interface {
	BroadcastDealStatus(dealID, shortCode, status string)
	BroadcastDealClaimed(dealID, shortCode, buyerID string)
}

// PhoneLookup resolves a user id to a phone number, if one is on file.
type PhoneLookup func(ctx context.Context, userID string) (string, bool)

// Emitter fans deal transitions out to SMS and the realtime hub.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	sms    *SMSClient
	hub    Broadcaster
	phones PhoneLookup
	logger *slog.Logger
}

// NewEmitter creates a notification emitter. Any of sms, hub, or phones may
// be nil; the corresponding channel is skipped.
func NewEmitter(sms *SMSClient, hub Broadcaster, phones PhoneLookup, logger *slog.Logger) *Emitter {
	return &Emitter{sms: sms, hub: hub, phones: phones, logger: logger}
}

func (e *Emitter) text(userID, body string) {
	if e == nil || e.sms == nil || e.phones == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	phone, ok := e.phones(ctx, userID)
	if !ok {
		return
	}
	if err := e.sms.Send(ctx, phone, body); err != nil {
		metrics.NotifyFailures.WithLabelValues("sms").Inc()
		e.logger.Warn("sms notification failed", "userId", userID, "error", err)
	}
}

func (e *Emitter) push(dealID, shortCode, status string) {
	if e == nil || e.hub == nil {
		return
	}
	e.hub.BroadcastDealStatus(dealID, shortCode, status)
}

// DealClaimed tells the seller their listing was claimed and funded.
func (e *Emitter) DealClaimed(dealID, shortCode, sellerID, buyerID string) {
	e.text(sellerID, fmt.Sprintf("Your listing %s was claimed and funded. Transfer the tickets to complete the sale.", shortCode))
	if e != nil && e.hub != nil {
		e.hub.BroadcastDealClaimed(dealID, shortCode, buyerID)
	}
}

// DealTransferred tells the buyer the seller marked the tickets transferred.
func (e *Emitter) DealTransferred(dealID, shortCode, buyerID string) {
	e.text(buyerID, fmt.Sprintf("Tickets for deal %s were marked transferred. Confirm receipt to release payment.", shortCode))
	e.push(dealID, shortCode, "transferred")
}

// DealReleased tells the seller their payout cleared.
func (e *Emitter) DealReleased(dealID, shortCode, sellerID string) {
	e.text(sellerID, fmt.Sprintf("Deal %s is complete. Your payout has been released.", shortCode))
	e.push(dealID, shortCode, "released")
}

// DealDisputed tells the seller the buyer opened a dispute.
func (e *Emitter) DealDisputed(dealID, shortCode, sellerID, reason string) {
	e.text(sellerID, fmt.Sprintf("Deal %s was disputed: %s. An adjudicator will review it.", shortCode, reason))
	e.push(dealID, shortCode, "disputed")
}

// DealResolved tells both parties how the dispute landed.
func (e *Emitter) DealResolved(dealID, shortCode, sellerID, buyerID string, favorBuyer bool) {
	if favorBuyer {
		e.text(buyerID, fmt.Sprintf("Dispute on deal %s was resolved in your favor. Your deposit has been refunded.", shortCode))
		e.text(sellerID, fmt.Sprintf("Dispute on deal %s was resolved for the buyer. The deposit was refunded.", shortCode))
		e.push(dealID, shortCode, "refunded")
	} else {
		e.text(sellerID, fmt.Sprintf("Dispute on deal %s was resolved in your favor. Your payout has been released.", shortCode))
		e.text(buyerID, fmt.Sprintf("Dispute on deal %s was resolved for the seller. Payment was released.", shortCode))
		e.push(dealID, shortCode, "released")
	}
}

// DealExpired tells the seller their listing aged out unclaimed.
func (e *Emitter) DealExpired(dealID, shortCode, sellerID string) {
	e.text(sellerID, fmt.Sprintf("Your listing %s expired without a buyer.", shortCode))
	e.push(dealID, shortCode, "expired")
}

// DealStatusChanged pushes any other transition to realtime subscribers.
func (e *Emitter) DealStatusChanged(dealID, shortCode string, status string) {
	e.push(dealID, shortCode, status)
}
