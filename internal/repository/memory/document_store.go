package memory

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// DocumentStore holds source documents for matching. The Put methods stand in
// for the domain services that own these records.
type DocumentStore struct {
	mu       sync.RWMutex
	invoices map[string]*domain.Invoice
	orders   map[string]*domain.PurchaseOrder
	receipts map[string]*domain.GoodsReceipt
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		invoices: make(map[string]*domain.Invoice),
		orders:   make(map[string]*domain.PurchaseOrder),
		receipts: make(map[string]*domain.GoodsReceipt),
	}
}

func (s *DocumentStore) PutInvoice(inv *domain.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
}

func (s *DocumentStore) PutPurchaseOrder(po *domain.PurchaseOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[po.ID] = po
}

func (s *DocumentStore) PutGoodsReceipt(grn *domain.GoodsReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[grn.ID] = grn
}

func (s *DocumentStore) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, errors.NotFound("invoice", id)
	}
	cp := *inv
	return &cp, nil
}

func (s *DocumentStore) GetPurchaseOrder(_ context.Context, id string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	po, ok := s.orders[id]
	if !ok {
		return nil, errors.NotFound("purchase_order", id)
	}
	cp := *po
	return &cp, nil
}

func (s *DocumentStore) GetGoodsReceipt(_ context.Context, id string) (*domain.GoodsReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grn, ok := s.receipts[id]
	if !ok {
		return nil, errors.NotFound("goods_receipt", id)
	}
	cp := *grn
	return &cp, nil
}
