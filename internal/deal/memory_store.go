package deal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory deal store for demo mode and unit tests. The
// single mutex gives it the same one-statement atomicity the Postgres store
// gets from conditional UPDATEs.
type MemoryStore struct {
	mu            sync.RWMutex
	deals         map[string]*Deal
	byCode        map[string]string
	events        []*Event
	conversations map[string]*Conversation
	nextEventID   int64
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:         make(map[string]*Deal),
		byCode:        make(map[string]string),
		conversations: make(map[string]*Conversation),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deals[d.ID] = &cp
	m.byCode[d.ShortCode] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetByShortCode(ctx context.Context, code string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrDealNotFound
	}
	cp := *m.deals[id]
	return &cp, nil
}

func (m *MemoryStore) ConditionalClaim(ctx context.Context, dealID, buyerID string, fundedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[dealID]
	if !ok {
		return false, ErrDealNotFound
	}
	if d.Status != StatusOpen || d.BuyerID != "" {
		return false, nil
	}
	d.BuyerID = buyerID
	d.Status = StatusFunded
	d.FundedAt = &fundedAt
	d.UpdatedAt = fundedAt
	return true, nil
}

func (m *MemoryStore) ReleaseClaim(ctx context.Context, dealID, buyerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[dealID]
	if !ok {
		return false, ErrDealNotFound
	}
	if d.BuyerID != buyerID || d.Status != StatusFunded || d.DepositTx != "" {
		return false, nil
	}
	d.BuyerID = ""
	d.Status = StatusOpen
	d.FundedAt = nil
	d.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, dealID string, expected, next Status, f Fields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[dealID]
	if !ok {
		return false, ErrDealNotFound
	}
	if d.Status != expected {
		return false, nil
	}
	d.Status = next
	d.UpdatedAt = time.Now()
	if f.BuyerID != "" {
		d.BuyerID = f.BuyerID
	}
	if f.FundedAt != nil && d.FundedAt == nil {
		d.FundedAt = f.FundedAt
	}
	if f.TransferredAt != nil && d.TransferredAt == nil {
		d.TransferredAt = f.TransferredAt
	}
	if f.ConfirmedAt != nil && d.ConfirmedAt == nil {
		d.ConfirmedAt = f.ConfirmedAt
	}
	if f.DisputedAt != nil && d.DisputedAt == nil {
		d.DisputedAt = f.DisputedAt
	}
	if f.ResolvedAt != nil && d.ResolvedAt == nil {
		d.ResolvedAt = f.ResolvedAt
	}
	if f.DepositTx != "" {
		d.DepositTx = f.DepositTx
	}
	if f.ConfirmTx != "" {
		d.ConfirmTx = f.ConfirmTx
	}
	if f.DisputeTx != "" {
		d.DisputeTx = f.DisputeTx
	}
	if f.ResolveTx != "" {
		d.ResolveTx = f.ResolveTx
	}
	if f.RefundTx != "" {
		d.RefundTx = f.RefundTx
	}
	if f.ReleaseTx != "" {
		d.ReleaseTx = f.ReleaseTx
	}
	if f.DisputeReason != "" {
		d.DisputeReason = f.DisputeReason
	}
	return true, nil
}

func (m *MemoryStore) ListByStatusOlderThan(ctx context.Context, status Status, column string, cutoff time.Time, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Deal
	for _, d := range m.deals {
		if d.Status != status {
			continue
		}
		var ts *time.Time
		switch column {
		case ColumnFundedAt:
			ts = d.FundedAt
		case ColumnTransferredAt:
			ts = d.TransferredAt
		default:
			t := d.CreatedAt
			ts = &t
		}
		if ts == nil || !ts.Before(cutoff) {
			continue
		}
		cp := *d
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Deal
	for _, d := range m.deals {
		if d.SellerID == userID || d.BuyerID == userID {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	e.ID = m.nextEventID
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, dealID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Event
	for _, e := range m.events {
		if e.DealID == dealID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.conversations[c.ID] = &cp
	return nil
}

func (m *MemoryStore) PromoteConversation(ctx context.Context, dealID, buyerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, c := range m.conversations {
		if c.DealID != dealID || c.Status == "closed" {
			continue
		}
		if c.VisitorID == buyerID {
			c.Status = "claimed"
		} else {
			c.Status = "closed"
		}
		c.UpdatedAt = now
	}
	return nil
}

// Conversations returns all conversations on a deal (test helper and
// collaborator read surface).
func (m *MemoryStore) Conversations(dealID string) []*Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Conversation
	for _, c := range m.conversations {
		if c.DealID == dealID {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
