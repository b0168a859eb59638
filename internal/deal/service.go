package deal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClementSutjiatma/deal-sub001/internal/idgen"
	"github.com/ClementSutjiatma/deal-sub001/internal/metrics"
	"github.com/ClementSutjiatma/deal-sub001/internal/traces"
	"github.com/ClementSutjiatma/deal-sub001/internal/validation"
)

// DefaultFeeBps is the seller fee applied on release paths, in basis points.
const DefaultFeeBps = 250

// CreateRequest contains the parameters for listing a deal.
type CreateRequest struct {
	// SellerID is assigned from the authenticated caller, never the body.
	SellerID  string    `json:"-"`
	Price     int64     `json:"price" binding:"required"`
	EventName string    `json:"eventName" binding:"required"`
	Venue     string    `json:"venue"`
	EventDate time.Time `json:"eventDate"`
	Quantity  int       `json:"quantity"`
}

// Service coordinates deal lifecycle transitions. It validates each requested
// transition against the current off-chain status and, where money moves,
// against on-chain proof, then performs the conditional status update and
// records an audit event. Notifications fire after the authoritative write
// and never block or reverse it.
type Service struct {
	store    Store
	chain    Gateway
	notifier Notifier
	feeBps   int64
	logger   *slog.Logger
}

// NewService creates a new deal coordinator.
func NewService(store Store, chain Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		chain:  chain,
		feeBps: DefaultFeeBps,
		logger: logger,
	}
}

// WithNotifier attaches a best-effort notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithFeeBps overrides the seller fee rate.
func (s *Service) WithFeeBps(bps int64) *Service {
	if bps >= 0 {
		s.feeBps = bps
	}
	return s
}

// Create lists a new deal. The row is owned by the coordinator from here on.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Deal, error) {
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidStatus)
	}
	qty := req.Quantity
	if qty <= 0 {
		qty = 1
	}

	now := time.Now()
	d := &Deal{
		ID:        idgen.WithPrefix("deal_"),
		ShortCode: idgen.ShortCode(),
		SellerID:  req.SellerID,
		Price:     req.Price,
		EventName: validation.SanitizeString(req.EventName, validation.MaxStringLength),
		Venue:     validation.SanitizeString(req.Venue, validation.MaxStringLength),
		EventDate: req.EventDate,
		Quantity:  qty,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create deal: %w", err)
	}
	s.appendEvent(ctx, d.ID, "created", req.SellerID, map[string]any{"price": req.Price})
	return d, nil
}

// Claim atomically assigns the caller as buyer and verifies the escrow
// deposit. Exactly one of N concurrent callers wins; the rest receive
// ErrClaimRaceLost. The off-chain claim is rolled back if the deposit proof
// cannot be verified, leaving the deal open again.
func (s *Service) Claim(ctx context.Context, dealID, buyerID, depositTx string) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.claim", traces.DealID(dealID), traces.Actor(buyerID))
	defer span.End()

	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.SellerID == buyerID {
		return nil, ErrSelfDeal
	}
	if d.IsTerminal() {
		return nil, ErrTerminalState
	}
	if d.Status != StatusOpen {
		return nil, ErrClaimRaceLost
	}

	fundedAt := time.Now()
	won, err := s.store.ConditionalClaim(ctx, dealID, buyerID, fundedAt)
	if err != nil {
		return nil, fmt.Errorf("conditional claim: %w", err)
	}
	if !won {
		metrics.ClaimRacesLost.Inc()
		return nil, ErrClaimRaceLost
	}

	// The claim is provisional until the deposit is proven on-chain.
	confirmed, verr := s.verifyDeposit(ctx, dealID, buyerID, depositTx)
	if verr != nil || !confirmed {
		released, rbErr := s.store.ReleaseClaim(ctx, dealID, buyerID)
		switch {
		case rbErr != nil:
			s.logger.Error("failed to roll back unproven claim",
				"dealId", dealID, "buyer", buyerID, "error", rbErr)
		case !released:
			// The deal moved on during verification (e.g. the seller already
			// marked it transferred). Applying compensation now would clobber
			// that state; log for manual resolution instead.
			s.logger.Error("unproven claim could not be rolled back, deal state changed; needs manual resolution",
				"dealId", dealID, "buyer", buyerID)
		}
		if verr != nil {
			return nil, fmt.Errorf("verify deposit: %w", verr)
		}
		return nil, ErrChainNotConfirmed
	}

	if depositTx != "" {
		if ok, err := s.store.UpdateStatus(ctx, dealID, StatusFunded, StatusFunded, Fields{DepositTx: depositTx}); err != nil || !ok {
			s.logger.Warn("failed to record deposit tx hash", "dealId", dealID, "error", err)
		}
	}

	if err := s.store.PromoteConversation(ctx, dealID, buyerID); err != nil {
		// Conversation state is collaborator-owned; the claim stands.
		s.logger.Warn("failed to promote claimed conversation", "dealId", dealID, "error", err)
	}

	s.appendEvent(ctx, dealID, "claimed", buyerID, map[string]any{"deposit_tx": depositTx})
	metrics.TransitionsTotal.WithLabelValues("claimed").Inc()

	out, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.DealClaimed(out.ID, out.ShortCode, out.SellerID, buyerID)
		s.notifier.DealStatusChanged(out.ID, out.ShortCode, out.Status)
	}
	return out, nil
}

// verifyDeposit proves the escrow deposit. With a buyer-supplied hash the
// receipt must be mined and successful; without one the contract's own view
// of the deal must already be Funded. Client assertions are never trusted.
func (s *Service) verifyDeposit(ctx context.Context, dealID, buyerID, depositTx string) (bool, error) {
	if depositTx != "" {
		return s.chain.VerifyReceipt(ctx, depositTx)
	}
	state, err := s.chain.DealState(ctx, dealID)
	if err != nil {
		return false, err
	}
	return state.Status == ChainFunded, nil
}

// MarkTransferred records the seller's report that tickets were handed over.
// No money moves, so no on-chain proof is required.
func (s *Service) MarkTransferred(ctx context.Context, dealID, callerID string) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.transfer", traces.DealID(dealID), traces.Actor(callerID))
	defer span.End()

	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if callerID != d.SellerID {
		return nil, ErrUnauthorized
	}

	now := time.Now()
	return s.transition(ctx, d, StatusFunded, StatusTransferred,
		Fields{TransferredAt: &now}, "transferred", callerID, nil,
		func(out *Deal) {
			if s.notifier != nil {
				s.notifier.DealTransferred(out.ID, out.ShortCode, out.BuyerID)
			}
		})
}

// Confirm releases the escrow to the seller after the buyer confirms receipt.
// Requires the confirm transaction to be mined successfully and the contract
// to report the deal as Released.
func (s *Service) Confirm(ctx context.Context, dealID, callerID, confirmTx string) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.confirm", traces.DealID(dealID), traces.Actor(callerID))
	defer span.End()

	if confirmTx == "" {
		return nil, ErrMissingTxHash
	}

	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if callerID != d.BuyerID {
		return nil, ErrUnauthorized
	}
	if d.IsTerminal() {
		return nil, ErrTerminalState
	}
	if d.Status != StatusTransferred {
		return nil, ErrInvalidStatus
	}

	confirmed, err := s.chain.VerifyReceipt(ctx, confirmTx)
	if err != nil {
		return nil, fmt.Errorf("verify confirm receipt: %w", err)
	}
	if !confirmed {
		return nil, ErrChainNotConfirmed
	}

	// Corroborate against the contract: the receipt alone could belong to an
	// unrelated transaction.
	state, err := s.chain.DealState(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("read chain state: %w", err)
	}
	if state.Status != ChainReleased {
		return nil, ErrChainNotConfirmed
	}

	now := time.Now()
	return s.transition(ctx, d, StatusTransferred, StatusReleased,
		Fields{ConfirmedAt: &now, ConfirmTx: confirmTx},
		"confirmed", callerID, map[string]any{"confirm_tx": confirmTx, "fee_bps": s.feeBps},
		func(out *Deal) {
			if s.notifier != nil {
				s.notifier.DealReleased(out.ID, out.ShortCode, out.SellerID)
				s.notifier.DealStatusChanged(out.ID, out.ShortCode, out.Status)
			}
		})
}

// Dispute freezes the escrow pending adjudication. The dispute transaction
// must be mined before the off-chain status changes.
func (s *Service) Dispute(ctx context.Context, dealID, callerID, disputeTx, reason string) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.dispute", traces.DealID(dealID), traces.Actor(callerID))
	defer span.End()

	if disputeTx == "" {
		return nil, ErrMissingTxHash
	}

	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if callerID != d.BuyerID {
		return nil, ErrUnauthorized
	}
	if d.IsTerminal() {
		return nil, ErrTerminalState
	}
	if d.Status != StatusTransferred {
		return nil, ErrInvalidStatus
	}

	confirmed, err := s.chain.VerifyReceipt(ctx, disputeTx)
	if err != nil {
		return nil, fmt.Errorf("verify dispute receipt: %w", err)
	}
	if !confirmed {
		return nil, ErrChainNotConfirmed
	}

	reason = validation.SanitizeString(reason, validation.MaxStringLength)

	now := time.Now()
	return s.transition(ctx, d, StatusTransferred, StatusDisputed,
		Fields{DisputedAt: &now, DisputeTx: disputeTx, DisputeReason: reason},
		"disputed", callerID, map[string]any{"reason": reason, "dispute_tx": disputeTx},
		func(out *Deal) {
			if s.notifier != nil {
				s.notifier.DealDisputed(out.ID, out.ShortCode, out.SellerID, reason)
				s.notifier.DealStatusChanged(out.ID, out.ShortCode, out.Status)
			}
		})
}

// ResolveResult is returned by Resolve with the sponsored transaction hash.
type ResolveResult struct {
	Deal   *Deal  `json:"deal"`
	TxHash string `json:"txHash"`
}

// Resolve applies an admin ruling to a disputed deal. The sponsored on-chain
// resolution must be submitted and confirmed before the off-chain status is
// touched; a submission or confirmation failure leaves the deal disputed.
func (s *Service) Resolve(ctx context.Context, dealID, adminID string, favorBuyer bool, ruling string) (*ResolveResult, error) {
	ctx, span := traces.StartSpan(ctx, "deal.resolve", traces.DealID(dealID), traces.Actor(adminID))
	defer span.End()

	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrTerminalState
	}
	if d.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	txHash, err := s.chain.SubmitResolve(ctx, dealID, favorBuyer, s.feeBps)
	if err != nil {
		metrics.ChainSubmissionsTotal.WithLabelValues("resolve", "error").Inc()
		return nil, err
	}
	confirmed, err := s.chain.VerifyReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("verify resolve receipt: %w", err)
	}
	if !confirmed {
		return nil, ErrChainNotConfirmed
	}
	metrics.ChainSubmissionsTotal.WithLabelValues("resolve", "ok").Inc()

	next := StatusReleased
	if favorBuyer {
		next = StatusRefunded
	}
	now := time.Now()
	out, err := s.transition(ctx, d, StatusDisputed, next,
		Fields{ResolvedAt: &now, ResolveTx: txHash},
		"resolved", adminID, map[string]any{"favor_buyer": favorBuyer, "ruling": ruling, "resolve_tx": txHash},
		func(out *Deal) {
			if s.notifier != nil {
				s.notifier.DealResolved(out.ID, out.ShortCode, out.SellerID, out.BuyerID, favorBuyer)
				s.notifier.DealStatusChanged(out.ID, out.ShortCode, out.Status)
			}
		})
	if err != nil {
		return nil, err
	}
	return &ResolveResult{Deal: out, TxHash: txHash}, nil
}

// Cancel withdraws an open listing. Only the seller may cancel, and only
// before a buyer has claimed.
func (s *Service) Cancel(ctx context.Context, dealID, callerID string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if callerID != d.SellerID {
		return nil, ErrUnauthorized
	}
	return s.transition(ctx, d, StatusOpen, StatusCanceled, Fields{}, "canceled", callerID, nil, nil)
}

// AutoRefund refunds the escrow for a funded deal whose transfer deadline
// passed. The sponsored refund must succeed on-chain first.
func (s *Service) AutoRefund(ctx context.Context, dealID string) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.auto_refund", traces.DealID(dealID))
	defer span.End()

	// Re-check right before moving money; the buyer may have acted since the
	// sweep query ran.
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrTerminalState
	}
	if d.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}

	txHash, err := s.chain.SubmitRefund(ctx, dealID)
	if err != nil {
		metrics.ChainSubmissionsTotal.WithLabelValues("refund", "error").Inc()
		return nil, err
	}
	confirmed, err := s.chain.VerifyReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("verify refund receipt: %w", err)
	}
	if !confirmed {
		return nil, ErrChainNotConfirmed
	}
	metrics.ChainSubmissionsTotal.WithLabelValues("refund", "ok").Inc()

	return s.transition(ctx, d, StatusFunded, StatusAutoRefunded,
		Fields{RefundTx: txHash},
		"auto_refunded", ActorSweeper, map[string]any{"refund_tx": txHash},
		func(out *Deal) {
			if s.notifier != nil {
				s.notifier.DealStatusChanged(out.ID, out.ShortCode, out.Status)
			}
		})
}

// AutoRelease releases the escrow for a transferred deal whose confirm
// deadline passed without the buyer confirming or disputing.
func (s *Service) AutoRelease(ctx context.Context, dealID string) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.auto_release", traces.DealID(dealID))
	defer span.End()

	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrTerminalState
	}
	if d.Status != StatusTransferred {
		return nil, ErrInvalidStatus
	}

	txHash, err := s.chain.SubmitRelease(ctx, dealID, s.feeBps)
	if err != nil {
		metrics.ChainSubmissionsTotal.WithLabelValues("release", "error").Inc()
		return nil, err
	}
	confirmed, err := s.chain.VerifyReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("verify release receipt: %w", err)
	}
	if !confirmed {
		return nil, ErrChainNotConfirmed
	}
	metrics.ChainSubmissionsTotal.WithLabelValues("release", "ok").Inc()

	return s.transition(ctx, d, StatusTransferred, StatusAutoReleased,
		Fields{ReleaseTx: txHash},
		"auto_released", ActorSweeper, map[string]any{"release_tx": txHash, "fee_bps": s.feeBps},
		func(out *Deal) {
			if s.notifier != nil {
				s.notifier.DealReleased(out.ID, out.ShortCode, out.SellerID)
				s.notifier.DealStatusChanged(out.ID, out.ShortCode, out.Status)
			}
		})
}

// Expire retires an open listing whose TTL passed. No funds are in custody,
// so no chain call is made.
func (s *Service) Expire(ctx context.Context, dealID string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrTerminalState
	}
	if d.Status != StatusOpen {
		return nil, ErrInvalidStatus
	}

	return s.transition(ctx, d, StatusOpen, StatusExpired, Fields{}, "expired", ActorSweeper, nil,
		func(out *Deal) {
			if s.notifier != nil {
				s.notifier.DealExpired(out.ID, out.ShortCode, out.SellerID)
			}
		})
}

// Get returns a deal by id.
func (s *Service) Get(ctx context.Context, id string) (*Deal, error) {
	return s.store.Get(ctx, id)
}

// GetByShortCode returns a deal by its shareable code.
func (s *Service) GetByShortCode(ctx context.Context, code string) (*Deal, error) {
	return s.store.GetByShortCode(ctx, code)
}

// ListByParty returns deals where the user is seller or buyer.
func (s *Service) ListByParty(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, userID, limit)
}

// ListEvents returns the audit trail for a deal.
func (s *Service) ListEvents(ctx context.Context, dealID string) ([]*Event, error) {
	if _, err := s.store.Get(ctx, dealID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, dealID)
}

// AttachConversation registers a visitor conversation on an open deal.
func (s *Service) AttachConversation(ctx context.Context, dealID, visitorID string) (*Conversation, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrInvalidStatus
	}
	now := time.Now()
	c := &Conversation{
		ID:        idgen.WithPrefix("conv_"),
		DealID:    dealID,
		VisitorID: visitorID,
		Status:    "visiting",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// transition performs the guarded status update, classifies a failed
// precondition, appends the audit event and runs post-commit side effects.
func (s *Service) transition(ctx context.Context, d *Deal, expected, next Status,
	fields Fields, eventType, actor string, metadata map[string]any, after func(*Deal)) (*Deal, error) {

	ok, err := s.store.UpdateStatus(ctx, d.ID, expected, next, fields)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if !ok {
		// The precondition was stale: re-read to report the right failure.
		fresh, gerr := s.store.Get(ctx, d.ID)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.IsTerminal() {
			return nil, ErrTerminalState
		}
		return nil, ErrInvalidStatus
	}

	s.appendEvent(ctx, d.ID, eventType, actor, metadata)
	metrics.TransitionsTotal.WithLabelValues(eventType).Inc()
	if next.Terminal() {
		metrics.DealDuration.Observe(time.Since(d.CreatedAt).Seconds())
	}

	out, err := s.store.Get(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if after != nil {
		after(out)
	}
	return out, nil
}

// appendEvent records the audit row. Event loss is logged, never fatal: the
// status change has already committed and must not be reversed.
func (s *Service) appendEvent(ctx context.Context, dealID, eventType, actor string, metadata map[string]any) {
	meta := ""
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}
	e := &Event{
		DealID:    dealID,
		Type:      eventType,
		Actor:     actor,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.logger.Error("failed to append deal event",
			"dealId", dealID, "type", eventType, "error", err)
	}
}

// FeeBps returns the configured seller fee rate.
func (s *Service) FeeBps() int64 { return s.feeBps }
