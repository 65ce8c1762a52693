package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[int64]*Order
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[int64]*Order), now: time.Now}
}

func (s *MemoryStore) get(id int64) (*Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return o, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id int64) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.orders[o.ID] = o.Clone()
	return nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, id int64, status Status, opts StatusOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	if o.Status == status {
		return nil
	}
	o.History = append(o.History, StatusChange{From: o.Status, To: status, SuppressEmail: opts.SuppressEmail, At: s.now()})
	o.Status = status
	o.UpdatedAt = s.now()
	return nil
}

// SetMeta implements Store.
func (s *MemoryStore) SetMeta(_ context.Context, id int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	o.setMeta(key, value)
	return nil
}

// AddMetaIfAbsent implements Store.
func (s *MemoryStore) AddMetaIfAbsent(_ context.Context, id int64, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return false, err
	}
	if _, ok := o.Meta[key]; ok {
		return false, nil
	}
	o.setMeta(key, value)
	return true, nil
}

// DeleteMeta implements Store.
func (s *MemoryStore) DeleteMeta(_ context.Context, id int64, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(o.Meta, k)
	}
	return nil
}

// FindByMeta implements Store.
func (s *MemoryStore) FindByMeta(_ context.Context, value string, keys ...string) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		for _, k := range keys {
			if v, ok := o.Meta[k]; ok && v == value {
				out = append(out, o.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindForLabels implements Store.
func (s *MemoryStore) FindForLabels(_ context.Context, q LabelQuery) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	excluded := make(map[int64]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}
	var out []*Order
	for _, o := range s.orders {
		if o.Status != StatusProcessing || excluded[o.ID] {
			continue
		}
		if !q.CreatedBefore.IsZero() && !o.CreatedAt.Before(q.CreatedBefore) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// AddNote implements Store.
func (s *MemoryStore) AddNote(_ context.Context, id int64, note Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.now()
	}
	o.Notes = append(o.Notes, note)
	return nil
}

// AddFee implements Store.
func (s *MemoryStore) AddFee(_ context.Context, id int64, fee Fee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	if fee.AddedAt.IsZero() {
		fee.AddedAt = s.now()
	}
	o.Fees = append(o.Fees, fee)
	o.Total += fee.Amount
	return nil
}

// AppendScheduledRefund implements Store.
func (s *MemoryStore) AppendScheduledRefund(_ context.Context, id int64, r ScheduledRefund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	o.ScheduledRefunds = append(o.ScheduledRefunds, r)
	return nil
}

// MarkRefundProcessed implements Store.
func (s *MemoryStore) MarkRefundProcessed(_ context.Context, id int64, refundID, paymentRefundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	for i := range o.ScheduledRefunds {
		r := &o.ScheduledRefunds[i]
		if r.RefundID != refundID {
			continue
		}
		if !r.Processed {
			r.Processed = true
			r.PaymentID = paymentRefundID
			o.RefundedTotal += r.Amount
		}
		return nil
	}
	return fmt.Errorf("refund %s on order %d: %w", refundID, id, ErrRefundNotFound)
}

// RestockRefundedItems implements Store.
func (s *MemoryStore) RestockRefundedItems(_ context.Context, id int64, refundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.get(id)
	if err != nil {
		return err
	}
	for _, r := range o.ScheduledRefunds {
		if r.RefundID != refundID {
			continue
		}
		for _, ri := range r.Items {
			for i := range o.Items {
				if o.Items[i].ProductID == ri.ProductID {
					o.Items[i].Restocked += ri.Quantity
				}
			}
		}
		return nil
	}
	return fmt.Errorf("refund %s on order %d: %w", refundID, id, ErrRefundNotFound)
}

var _ Store = (*MemoryStore)(nil)
