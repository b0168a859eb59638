// Package deal implements the lifecycle of a peer-to-peer ticket sale
// brokered through an on-chain escrow contract.
//
// Flow:
//  1. Seller lists tickets → deal created open
//  2. Buyer deposits into escrow and claims → funded (exactly one winner)
//  3. Seller transfers tickets → transferred
//  4. Buyer confirms on-chain → released, or disputes → disputed
//  5. Admin resolves disputes; deadlines auto-refund, auto-release or expire
//
// Every transition that moves money is gated on independently verified
// on-chain proof. The off-chain row is never updated ahead of the chain.
package deal

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	ErrDealNotFound      = errors.New("deal not found")
	ErrTerminalState     = errors.New("deal is in a terminal state")
	ErrInvalidStatus     = errors.New("invalid deal status for this operation")
	ErrUnauthorized      = errors.New("not authorized for this deal operation")
	ErrSelfDeal          = errors.New("seller cannot be buyer")
	ErrClaimRaceLost     = errors.New("deal already claimed by another buyer")
	ErrChainNotConfirmed = errors.New("on-chain transaction not confirmed")
	ErrMissingTxHash     = errors.New("transaction hash is required")
)

// Status represents the state of a deal.
type Status string

const (
	StatusOpen         Status = "open"          // Listed, no buyer yet
	StatusFunded       Status = "funded"        // Buyer claimed, escrow deposit verified
	StatusTransferred  Status = "transferred"   // Seller reported ticket transfer
	StatusReleased     Status = "released"      // Buyer confirmed, escrow paid out
	StatusDisputed     Status = "disputed"      // Buyer disputed the transfer
	StatusRefunded     Status = "refunded"      // Dispute resolved in buyer's favor
	StatusAutoRefunded Status = "auto_refunded" // Transfer deadline passed, escrow refunded
	StatusAutoReleased Status = "auto_released" // Confirm deadline passed, escrow released
	StatusExpired      Status = "expired"       // Listing TTL passed with no buyer
	StatusCanceled     Status = "canceled"      // Seller withdrew the listing
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusAutoRefunded,
		StatusAutoReleased, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// Deal is the off-chain record of a single ticket sale.
type Deal struct {
	ID        string `json:"id"`
	ShortCode string `json:"shortCode"`
	SellerID  string `json:"sellerId"`
	BuyerID   string `json:"buyerId,omitempty"` // set at most once, at claim

	// Price in minor currency units, fixed at creation.
	Price int64 `json:"price"`

	// Ticket metadata is descriptive only.
	EventName string    `json:"eventName"`
	Venue     string    `json:"venue,omitempty"`
	EventDate time.Time `json:"eventDate"`
	Quantity  int       `json:"quantity"`

	Status Status `json:"status"`

	// One timestamp per transition, each set exactly once.
	FundedAt      *time.Time `json:"fundedAt,omitempty"`
	TransferredAt *time.Time `json:"transferredAt,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
	DisputedAt    *time.Time `json:"disputedAt,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`

	// One transaction hash per transition that required on-chain proof,
	// set only after the proof was verified.
	DepositTx string `json:"depositTx,omitempty"`
	ConfirmTx string `json:"confirmTx,omitempty"`
	DisputeTx string `json:"disputeTx,omitempty"`
	ResolveTx string `json:"resolveTx,omitempty"`
	RefundTx  string `json:"refundTx,omitempty"`
	ReleaseTx string `json:"releaseTx,omitempty"`

	DisputeReason string `json:"disputeReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the deal admits no further transitions.
func (d *Deal) IsTerminal() bool { return d.Status.Terminal() }

// Event is an immutable audit record of one coordinator-driven transition.
type Event struct {
	ID        int64     `json:"id"`
	DealID    string    `json:"dealId"`
	Type      string    `json:"type"`  // mirrors the transition name
	Actor     string    `json:"actor"` // user id, "admin", or "sweeper"
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActorSweeper marks events recorded by automatic deadline transitions.
const ActorSweeper = "sweeper"

// Fields carries the columns a transition sets alongside the status change.
// Nil/empty members leave the stored value untouched, so each timestamp and
// hash is written exactly once by the transition that owns it.
type Fields struct {
	BuyerID       string
	FundedAt      *time.Time
	TransferredAt *time.Time
	ConfirmedAt   *time.Time
	DisputedAt    *time.Time
	ResolvedAt    *time.Time
	DepositTx     string
	ConfirmTx     string
	DisputeTx     string
	ResolveTx     string
	RefundTx      string
	ReleaseTx     string
	DisputeReason string
}

// Conversation associates a deal with a visitor or the claimed buyer. The
// coordinator only promotes one conversation at claim time and closes the
// rest; everything else about conversations belongs to the chat collaborator.
type Conversation struct {
	ID        string    `json:"id"`
	DealID    string    `json:"dealId"`
	VisitorID string    `json:"visitorId"`
	Status    string    `json:"status"` // "visiting", "claimed", "closed"
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists deals, events and conversation claim state.
//
// ConditionalClaim and UpdateStatus must each execute as a single atomic
// statement against the backing store; the state machine's correctness under
// concurrent callers depends on it.
type Store interface {
	Create(ctx context.Context, d *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	GetByShortCode(ctx context.Context, code string) (*Deal, error)

	// ConditionalClaim assigns the buyer and moves open → funded only if the
	// deal is still open and unclaimed. Returns false when another buyer won.
	ConditionalClaim(ctx context.Context, dealID, buyerID string, fundedAt time.Time) (bool, error)

	// ReleaseClaim reverses a claim whose deposit proof failed: funded → open,
	// buyer cleared, only if the row still holds this buyer's unproven claim.
	ReleaseClaim(ctx context.Context, dealID, buyerID string) (bool, error)

	// UpdateStatus moves the deal to next only if it currently has expected
	// status, applying fields in the same statement. Returns false when the
	// precondition no longer holds.
	UpdateStatus(ctx context.Context, dealID string, expected, next Status, fields Fields) (bool, error)

	ListByStatusOlderThan(ctx context.Context, status Status, column string, cutoff time.Time, limit int) ([]*Deal, error)
	ListByParty(ctx context.Context, userID string, limit int) ([]*Deal, error)

	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, dealID string) ([]*Event, error)

	CreateConversation(ctx context.Context, c *Conversation) error
	// PromoteConversation marks the winner's conversation claimed and closes
	// every other conversation on the deal.
	PromoteConversation(ctx context.Context, dealID, buyerID string) error
}

// Deadline columns used by ListByStatusOlderThan.
const (
	ColumnCreatedAt     = "created_at"
	ColumnFundedAt      = "funded_at"
	ColumnTransferredAt = "transferred_at"
)

// ChainStatus is the escrow contract's per-deal status enum.
type ChainStatus uint8

const (
	ChainOpen        ChainStatus = 0
	ChainFunded      ChainStatus = 1
	ChainTransferred ChainStatus = 2
	ChainReleased    ChainStatus = 3
	ChainRefunded    ChainStatus = 4
	ChainDisputed    ChainStatus = 5
)

// ChainState is the contract's authoritative view of a deal.
type ChainState struct {
	Status ChainStatus
	Amount *big.Int
	Buyer  string
	Seller string
}

// Gateway abstracts the escrow contract so the coordinator never talks to
// an RPC client directly.
type Gateway interface {
	// VerifyReceipt reports whether the transaction is mined and succeeded.
	// A bounded wait that elapses returns (false, nil), not an error.
	VerifyReceipt(ctx context.Context, txHash string) (bool, error)

	// DealState reads the contract's view of the deal.
	DealState(ctx context.Context, dealID string) (*ChainState, error)

	// Sponsored submissions; the platform wallet pays gas. Each returns the
	// submitted transaction hash.
	SubmitRefund(ctx context.Context, dealID string) (string, error)
	SubmitRelease(ctx context.Context, dealID string, feeBps int64) (string, error)
	SubmitResolve(ctx context.Context, dealID string, favorBuyer bool, feeBps int64) (string, error)
}

// Notifier delivers best-effort notifications after a transition commits.
// Implementations never return errors; failures are logged and dropped.
type Notifier interface {
	DealClaimed(dealID, shortCode, sellerID, buyerID string)
	DealTransferred(dealID, shortCode, buyerID string)
	DealReleased(dealID, shortCode, sellerID string)
	DealDisputed(dealID, shortCode, sellerID, reason string)
	DealResolved(dealID, shortCode, sellerID, buyerID string, favorBuyer bool)
	DealExpired(dealID, shortCode, sellerID string)
	DealStatusChanged(dealID, shortCode string, status Status)
}
