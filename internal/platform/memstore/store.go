// Package memstore is an in-process store for the catalog, ledger and sales.
// Writes inside a unit of work are buffered and validated against row versions
// at commit, mirroring the optimistic behaviour of the SQL stores.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/pharmacy/internal/catalog"
	"github.com/odyssey-erp/pharmacy/internal/inventory"
	"github.com/odyssey-erp/pharmacy/internal/sales"
	"github.com/odyssey-erp/pharmacy/internal/shared"
)

// Op names a store operation that can be made to fail.
type Op string

const (
	OpGetStock          Op = "get_stock"
	OpUpdateStock       Op = "update_stock"
	OpInsertTransaction Op = "insert_transaction"
	OpCommitLedger      Op = "commit_ledger"
	OpInsertSale        Op = "insert_sale"
	OpInsertSaleItem    Op = "insert_sale_item"
	OpCommitSale        Op = "commit_sale"
	OpGetProduct        Op = "get_product"
)

// Store holds all rows in memory.
type Store struct {
	mu       sync.Mutex
	products map[int64]catalog.Product
	users    map[int64]catalog.User
	patients map[int64]catalog.Patient

	ledger   []inventory.Transaction
	reversal map[int64]int64
	txSeq    int64

	sales     map[int64]sales.Sale
	saleRefs  map[string]int64
	saleSeq   int64
	numberSeq int64
	itemSeq   int64

	idempotency map[string]string
	audit       []shared.AuditLog

	faults map[Op][]error
	clock  func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		products:    make(map[int64]catalog.Product),
		users:       make(map[int64]catalog.User),
		patients:    make(map[int64]catalog.Patient),
		reversal:    make(map[int64]int64),
		sales:       make(map[int64]sales.Sale),
		saleRefs:    make(map[string]int64),
		idempotency: make(map[string]string),
		faults:      make(map[Op][]error),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// ============================================================================
// SEEDING / FAULTS
// ============================================================================

// PutProduct inserts or replaces a product row. Stock set here bypasses the
// ledger; book opening balances with a receipt when reconciliation matters.
func (s *Store) PutProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}
	s.products[p.ID] = p
}

// SetProductActive toggles a product without touching stock.
func (s *Store) SetProductActive(id int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[id]; ok {
		p.IsActive = active
		s.products[id] = p
	}
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u catalog.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutPatient inserts or replaces a patient.
func (s *Store) PutPatient(p catalog.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

// FailNext makes the next call of op return err. Calls queue up in order.
func (s *Store) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

func (s *Store) fault(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.faults[op] = queue[1:]
	return err
}

// Stock returns the stored stock quantity of a product.
func (s *Store) Stock(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].StockQuantity
}

// Transactions returns a copy of the whole ledger in commit order.
func (s *Store) Transactions() []inventory.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.Transaction(nil), s.ledger...)
}

// SaleCount returns the number of persisted sales.
func (s *Store) SaleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sales)
}

// AuditLogs returns recorded audit entries.
func (s *Store) AuditLogs() []shared.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shared.AuditLog(nil), s.audit...)
}

// ============================================================================
// IDEMPOTENCY / AUDIT
// ============================================================================

// CheckAndInsert registers key or reports shared.ErrIdempotencyConflict.
func (s *Store) CheckAndInsert(_ context.Context, key, module string) error {
	if err := shared.ValidateIdempotencyKey(key, module); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.idempotency[key]; exists {
		return shared.ErrIdempotencyConflict
	}
	s.idempotency[key] = module
	return nil
}

// Delete forgets key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, key)
	return nil
}

// Record appends an audit entry.
func (s *Store) Record(_ context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, log)
	return nil
}

// ============================================================================
// CATALOG
// ============================================================================

// Catalog returns the catalog.Repository view of the store.
func (s *Store) Catalog() *CatalogRepo { return &CatalogRepo{s: s} }

// CatalogRepo implements catalog.Repository.
type CatalogRepo struct{ s *Store }

var _ catalog.Repository = (*CatalogRepo)(nil)

func (c *CatalogRepo) GetProduct(_ context.Context, id int64) (catalog.Product, error) {
	if err := c.s.fault(OpGetProduct); err != nil {
		return catalog.Product{}, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	p, ok := c.s.products[id]
	if !ok {
		return catalog.Product{}, fmt.Errorf("product %d: %w", id, catalog.ErrNotFound)
	}
	return p, nil
}

func (c *CatalogRepo) GetUser(_ context.Context, id int64) (catalog.User, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	u, ok := c.s.users[id]
	if !ok {
		return catalog.User{}, fmt.Errorf("user %d: %w", id, catalog.ErrNotFound)
	}
	return u, nil
}

func (c *CatalogRepo) GetPatient(_ context.Context, id int64) (catalog.Patient, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	p, ok := c.s.patients[id]
	if !ok {
		return catalog.Patient{}, fmt.Errorf("patient %d: %w", id, catalog.ErrNotFound)
	}
	return p, nil
}

func (c *CatalogRepo) ListLowStock(context.Context) ([]catalog.Product, error) {
	products := c.filter(func(p catalog.Product) bool { return p.IsLowStock() })
	sort.Slice(products, func(i, j int) bool {
		gi := products[i].StockQuantity - products[i].MinStockLevel
		gj := products[j].StockQuantity - products[j].MinStockLevel
		if gi != gj {
			return gi < gj
		}
		return products[i].ID < products[j].ID
	})
	return products, nil
}

func (c *CatalogRepo) ListExpiringBefore(_ context.Context, cutoff time.Time) ([]catalog.Product, error) {
	products := c.filter(func(p catalog.Product) bool {
		return p.ExpiryDate != nil && !p.ExpiryDate.After(cutoff)
	})
	sort.Slice(products, func(i, j int) bool {
		if !products[i].ExpiryDate.Equal(*products[j].ExpiryDate) {
			return products[i].ExpiryDate.Before(*products[j].ExpiryDate)
		}
		return products[i].ID < products[j].ID
	})
	return products, nil
}

func (c *CatalogRepo) ListActiveProductIDs(context.Context) ([]int64, error) {
	products := c.filter(func(catalog.Product) bool { return true })
	ids := make([]int64, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (c *CatalogRepo) filter(keep func(catalog.Product) bool) []catalog.Product {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []catalog.Product
	for _, p := range c.s.products {
		if p.IsActive && keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// ============================================================================
// LEDGER
// ============================================================================

// Ledger returns the inventory.RepositoryPort view of the store.
func (s *Store) Ledger() *LedgerRepo { return &LedgerRepo{s: s} }

// LedgerRepo implements inventory.RepositoryPort.
type LedgerRepo struct{ s *Store }

var _ inventory.RepositoryPort = (*LedgerRepo)(nil)

type stockWrite struct {
	quantity        int
	expectedVersion int64
}

type ledgerTx struct {
	s       *Store
	writes  map[int64]stockWrite
	entries []inventory.Transaction
}

// WithTx runs fn against buffered writes and commits them if every touched
// product still carries the version that was read.
func (l *LedgerRepo) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	tx := &ledgerTx{s: l.s, writes: make(map[int64]stockWrite)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.s.fault(OpCommitLedger); err != nil {
		return err
	}
	return tx.commit()
}

func (l *LedgerRepo) GetTransaction(_ context.Context, id int64) (inventory.Transaction, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for _, entry := range l.s.ledger {
		if entry.ID == id {
			return entry, nil
		}
	}
	return inventory.Transaction{}, inventory.ErrTransactionNotFound
}

func (l *LedgerRepo) ListTransactions(_ context.Context, filter inventory.HistoryFilter) ([]inventory.Transaction, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.listLocked(filter), nil
}

func (s *Store) listLocked(filter inventory.HistoryFilter) []inventory.Transaction {
	var out []inventory.Transaction
	for _, entry := range s.ledger {
		if entry.ProductID != filter.ProductID {
			continue
		}
		if !filter.From.IsZero() && entry.TransactionDate.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && entry.TransactionDate.After(filter.To) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

func (t *ledgerTx) GetStock(_ context.Context, productID int64) (inventory.StockLevel, error) {
	if err := t.s.fault(OpGetStock); err != nil {
		return inventory.StockLevel{}, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.products[productID]
	if !ok {
		return inventory.StockLevel{}, fmt.Errorf("%w: %d", inventory.ErrProductNotFound, productID)
	}
	level := inventory.StockLevel{ProductID: p.ID, Quantity: p.StockQuantity, Version: p.Version, IsActive: p.IsActive}
	if w, ok := t.writes[productID]; ok {
		level.Quantity = w.quantity
		level.Version = w.expectedVersion + 1
	}
	return level, nil
}

func (t *ledgerTx) UpdateStock(_ context.Context, productID int64, quantity int, expectedVersion int64) (int64, error) {
	if err := t.s.fault(OpUpdateStock); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	current := t.s.products[productID].Version
	t.s.mu.Unlock()
	if prior, ok := t.writes[productID]; ok {
		if prior.expectedVersion+1 != expectedVersion {
			return 0, inventory.ErrVersionConflict
		}
		t.writes[productID] = stockWrite{quantity: quantity, expectedVersion: prior.expectedVersion}
		return expectedVersion + 1, nil
	}
	if current != expectedVersion {
		return 0, inventory.ErrVersionConflict
	}
	t.writes[productID] = stockWrite{quantity: quantity, expectedVersion: expectedVersion}
	return expectedVersion + 1, nil
}

func (t *ledgerTx) InsertTransaction(_ context.Context, entry inventory.Transaction) (int64, error) {
	if err := t.s.fault(OpInsertTransaction); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	t.s.txSeq++
	entry.ID = t.s.txSeq
	t.s.mu.Unlock()
	t.entries = append(t.entries, entry)
	return entry.ID, nil
}

func (t *ledgerTx) HasReversal(_ context.Context, transactionID int64) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.reversal[transactionID]
	return ok, nil
}

func (t *ledgerTx) ListTransactions(_ context.Context, filter inventory.HistoryFilter) ([]inventory.Transaction, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.listLocked(filter), nil
}

func (t *ledgerTx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for productID, w := range t.writes {
		if t.s.products[productID].Version != w.expectedVersion {
			return inventory.ErrVersionConflict
		}
	}
	for _, entry := range t.entries {
		if entry.ReversalOf == nil {
			continue
		}
		if _, taken := t.s.reversal[*entry.ReversalOf]; taken {
			return inventory.ErrAlreadyReversed
		}
	}
	now := t.s.clock()
	for productID, w := range t.writes {
		p := t.s.products[productID]
		p.StockQuantity = w.quantity
		p.Version = w.expectedVersion + 1
		p.UpdatedAt = now
		t.s.products[productID] = p
	}
	for _, entry := range t.entries {
		if entry.ReversalOf != nil {
			t.s.reversal[*entry.ReversalOf] = entry.ID
		}
		t.s.ledger = append(t.s.ledger, entry)
	}
	return nil
}

// ============================================================================
// SALES
// ============================================================================

// Sales returns the sales.Repository view of the store.
func (s *Store) Sales() *SalesRepo { return &SalesRepo{s: s} }

// SalesRepo implements sales.Repository.
type SalesRepo struct{ s *Store }

var _ sales.Repository = (*SalesRepo)(nil)

type salesTx struct {
	s       *Store
	created []sales.Sale
	items   []sales.SaleItem
	updates map[int64]sales.StatusUpdate
	entries map[int64]int64
	// read holds the committed status seen by GetSaleForUpdate; commit
	// refuses to write over a sale that moved since.
	read map[int64]sales.Status
}

// WithTx buffers sale writes and applies them atomically.
func (r *SalesRepo) WithTx(ctx context.Context, fn func(context.Context, sales.TxRepository) error) error {
	tx := &salesTx{
		s:       r.s,
		updates: make(map[int64]sales.StatusUpdate),
		entries: make(map[int64]int64),
		read:    make(map[int64]sales.Status),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.s.fault(OpCommitSale); err != nil {
		return err
	}
	return tx.commit()
}

func (r *SalesRepo) GetSale(_ context.Context, id int64) (sales.Sale, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sale, ok := r.s.sales[id]
	if !ok {
		return sales.Sale{}, fmt.Errorf("sale %d: %w", id, sales.ErrNotFound)
	}
	sale.Items = append([]sales.SaleItem(nil), sale.Items...)
	return sale, nil
}

func (t *salesTx) NextSaleNumber(_ context.Context, at time.Time) (string, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.numberSeq++
	return sales.FormatSaleNumber(at, t.s.numberSeq), nil
}

func (t *salesTx) InsertSale(_ context.Context, sale sales.Sale) (int64, error) {
	if err := t.s.fault(OpInsertSale); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	t.s.saleSeq++
	sale.ID = t.s.saleSeq
	t.s.mu.Unlock()
	sale.Items = nil
	t.created = append(t.created, sale)
	return sale.ID, nil
}

func (t *salesTx) InsertSaleItem(_ context.Context, item sales.SaleItem) (int64, error) {
	if err := t.s.fault(OpInsertSaleItem); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	t.s.itemSeq++
	item.ID = t.s.itemSeq
	t.s.mu.Unlock()
	t.items = append(t.items, item)
	return item.ID, nil
}

func (t *salesTx) GetSaleForUpdate(ctx context.Context, id int64) (sales.Sale, error) {
	sale, err := (&SalesRepo{s: t.s}).GetSale(ctx, id)
	if err != nil {
		return sales.Sale{}, err
	}
	if _, seen := t.read[id]; !seen {
		t.read[id] = sale.Status
	}
	if update, ok := t.updates[id]; ok {
		sale.Status = update.Status
	}
	return sale, nil
}

func (t *salesTx) UpdateSaleStatus(_ context.Context, id int64, update sales.StatusUpdate) error {
	t.updates[id] = update
	return nil
}

func (t *salesTx) UpdateSaleItemEntry(_ context.Context, itemID, entryID int64) error {
	t.entries[itemID] = entryID
	return nil
}

func (t *salesTx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, sale := range t.created {
		if _, dup := t.s.saleRefs[sale.Reference]; dup {
			return errors.New("memstore: duplicate sale reference")
		}
	}
	for id := range t.updates {
		if _, ok := t.s.sales[id]; !ok {
			return fmt.Errorf("sale %d: %w", id, sales.ErrNotFound)
		}
		if seen, ok := t.read[id]; ok && t.s.sales[id].Status != seen {
			return fmt.Errorf("sale %d: %w", id, sales.ErrInvalidStatus)
		}
	}
	located := make(map[int64]int64, len(t.entries))
	for saleID, sale := range t.s.sales {
		for _, item := range sale.Items {
			if _, ok := t.entries[item.ID]; ok {
				located[item.ID] = saleID
			}
		}
	}
	for itemID := range t.entries {
		if _, ok := located[itemID]; !ok {
			return fmt.Errorf("sale item %d: %w", itemID, sales.ErrNotFound)
		}
	}
	for _, sale := range t.created {
		t.s.sales[sale.ID] = sale
		t.s.saleRefs[sale.Reference] = sale.ID
	}
	for _, item := range t.items {
		sale := t.s.sales[item.SaleID]
		sale.Items = append(sale.Items, item)
		t.s.sales[item.SaleID] = sale
	}
	for itemID, entryID := range t.entries {
		sale := t.s.sales[located[itemID]]
		sale.Items = append([]sales.SaleItem(nil), sale.Items...)
		for i := range sale.Items {
			if sale.Items[i].ID == itemID {
				sale.Items[i].InventoryTransactionID = entryID
			}
		}
		t.s.sales[sale.ID] = sale
	}
	for id, update := range t.updates {
		sale := t.s.sales[id]
		sale.Status = update.Status
		sale.VoidedAt, sale.VoidedBy, sale.VoidReason = update.VoidFields()
		t.s.sales[id] = sale
	}
	return nil
}
