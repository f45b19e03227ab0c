package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
	"kasirsync/terminal/internal/xid"
)

// Op names a remote operation for failure injection.
type Op string

const (
	OpPing           Op = "ping"
	OpInsertSale     Op = "insert_sale"
	OpGetProduct     Op = "get_product"
	OpFindProduct    Op = "find_product"
	OpListProducts   Op = "list_products"
	OpUpdateStock    Op = "update_stock"
	OpCompareAndSwap Op = "compare_and_swap"
)

// Store is an in-process Remote used for dev/demo mode and tests.
type Store struct {
	mu          sync.RWMutex
	products    map[string]domain.ProductSnapshot
	salesByID   map[string]domain.SaleRecord
	salesByRef  map[string]string
	saleOrder   []string
	unavailable bool
	failures    map[Op][]error
	insertCalls int
	now         func() time.Time
}

func New() *Store {
	return &Store{
		products:   make(map[string]domain.ProductSnapshot),
		salesByID:  make(map[string]domain.SaleRecord),
		salesByRef: make(map[string]string),
		failures:   make(map[Op][]error),
		now:        time.Now,
	}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	usd := func(v string) map[domain.Currency]decimal.Decimal {
		return map[domain.Currency]decimal.Decimal{domain.CurrencyUSD: decimal.RequireFromString(v)}
	}
	seed := []domain.ProductSnapshot{
		{
			ProductID: "prd-tshirt-01", Barcode: "8991001000011", BranchID: "main-branch", Name: "Basic T-Shirt",
			Prices: usd("10.00"),
			Variants: []domain.Variant{
				{Color: "black", Size: "M", Quantity: 12},
				{Color: "black", Size: "L", Quantity: 8},
				{Color: "white", Size: "M", Quantity: 10},
			},
		},
		{
			ProductID: "prd-jeans-01", Barcode: "8991001000028", BranchID: "main-branch", Name: "Slim Jeans",
			Prices: usd("34.50"),
			Variants: []domain.Variant{
				{Color: "blue", Size: "32", Quantity: 6},
				{Color: "blue", Size: "34", Quantity: 4},
			},
		},
		{
			ProductID: "prd-socks-01", Barcode: "8991001000035", BranchID: "main-branch", Name: "Cotton Socks",
			Prices: usd("3.25"), Stock: 40,
		},
		{
			ProductID: "prd-cap-01", Barcode: "8991001000042", BranchID: "north-branch", Name: "Baseball Cap",
			Prices: usd("12.00"), Stock: 15,
		},
	}
	for _, p := range seed {
		p.Stock = domain.RecomputeStock(p.Variants, p.Stock)
		p.Version = 1
		p.UpdatedAt = now
		s.products[p.ProductID] = p
	}
	return s
}

// PutProduct inserts or replaces a product, bumping its version.
func (s *Store) PutProduct(p domain.ProductSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.products[p.ProductID]; ok && p.Version <= existing.Version {
		p.Version = existing.Version + 1
	}
	if p.Version == 0 {
		p.Version = 1
	}
	p.Stock = domain.RecomputeStock(p.Variants, p.Stock)
	p.UpdatedAt = s.now().UTC()
	s.products[p.ProductID] = cloneProduct(p)
}

// SetUnavailable makes every call fail with store.ErrUnavailable until reset.
func (s *Store) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// FailNext queues errors returned by the next calls of op, one per call.
func (s *Store) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Sales returns the stored sales in insertion order.
func (s *Store) Sales() []domain.SaleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SaleRecord, 0, len(s.saleOrder))
	for _, id := range s.saleOrder {
		out = append(out, s.salesByID[id])
	}
	return out
}

// InsertCalls counts InsertSale calls that reached the store, including
// replays resolved by client ref.
func (s *Store) InsertCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insertCalls
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injectedLocked(OpPing)
}

func (s *Store) InsertSale(_ context.Context, sale domain.SaleRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked(OpInsertSale); err != nil {
		return "", err
	}
	s.insertCalls++

	if sale.ClientRef == "" || len(sale.Items) == 0 {
		return "", store.ErrInvalidSale
	}
	if existing, ok := s.salesByRef[sale.ClientRef]; ok {
		return existing, nil
	}

	id := xid.New("sale")
	sale.RemoteID = id
	sale.Items = slices.Clone(sale.Items)
	sale.Payments = slices.Clone(sale.Payments)
	sale.Totals = maps.Clone(sale.Totals)
	s.salesByID[id] = sale
	s.salesByRef[sale.ClientRef] = id
	s.saleOrder = append(s.saleOrder, id)
	return id, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.ProductSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked(OpGetProduct); err != nil {
		return nil, err
	}
	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneProduct(p)
	return &out, nil
}

func (s *Store) FindProductByBarcode(_ context.Context, branchID string, barcode string) (*domain.ProductSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked(OpFindProduct); err != nil {
		return nil, err
	}
	for _, p := range s.products {
		if p.BranchID == branchID && p.Barcode == barcode {
			out := cloneProduct(p)
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListProductsByBranch(_ context.Context, branchID string) ([]domain.ProductSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked(OpListProducts); err != nil {
		return nil, err
	}
	out := make([]domain.ProductSnapshot, 0, len(s.products))
	for _, p := range s.products {
		if p.BranchID == branchID {
			out = append(out, cloneProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Store) UpdateProductStock(_ context.Context, productID string, variants []domain.Variant, stock int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked(OpUpdateStock); err != nil {
		return err
	}
	p, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	s.writeStockLocked(p, variants, stock)
	return nil
}

func (s *Store) CompareAndSwapStock(_ context.Context, productID string, expectedVersion int64, variants []domain.Variant, stock int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked(OpCompareAndSwap); err != nil {
		return false, err
	}
	p, ok := s.products[productID]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.Version != expectedVersion {
		return false, nil
	}
	s.writeStockLocked(p, variants, stock)
	return true, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) writeStockLocked(p domain.ProductSnapshot, variants []domain.Variant, stock int) {
	if stock < 0 {
		stock = 0
	}
	p.Variants = slices.Clone(variants)
	p.Stock = stock
	p.Version++
	p.UpdatedAt = s.now().UTC()
	s.products[p.ProductID] = p
}

func (s *Store) injectedLocked(op Op) error {
	if s.unavailable {
		return fmt.Errorf("%s: %w", op, store.ErrUnavailable)
	}
	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.failures[op] = queue[1:]
	return err
}

func cloneProduct(p domain.ProductSnapshot) domain.ProductSnapshot {
	p.Variants = slices.Clone(p.Variants)
	p.Prices = maps.Clone(p.Prices)
	return p
}
