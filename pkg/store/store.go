package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound marks an absent account, order, position or transaction.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a uniqueness violation (refMid, accode, orderNo).
	ErrConflict = errors.New("conflict")
)

// Store provides Pebble-based persistence for accounts, orders, LP positions,
// ledger entries and transactions. Multi-record writes go through Txn so they
// commit as one atomic batch.
type Store struct {
	db *pebble.DB
}

// Open opens a Pebble database at the given path.
func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(128 << 20), // 128MB cache
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key []byte, out any) error {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) exists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// ==============================
// Accounts
// ==============================

// CreateAccount persists a new account, enforcing refMid and
// (accode, adminOwner) uniqueness. A missing ID or RefMid is generated.
func (s *Store) CreateAccount(acc *Account) error {
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	if acc.RefMid == "" {
		ref, err := s.generateRefMid()
		if err != nil {
			return err
		}
		acc.RefMid = ref
	} else {
		taken, err := s.exists(accountRefKey(acc.RefMid))
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: refMid %s already exists", ErrConflict, acc.RefMid)
		}
	}
	if acc.Accode != "" {
		taken, err := s.exists(accountAccodeKey(acc.AdminOwner, acc.Accode))
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: accode %s already exists for admin %s", ErrConflict, acc.Accode, acc.AdminOwner)
		}
	}

	now := time.Now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now
	if acc.Status == "" {
		acc.Status = AccountPending
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := batch.Set(accountKey(acc.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(accountRefKey(acc.RefMid), []byte(acc.ID), nil); err != nil {
		return err
	}
	if acc.Accode != "" {
		if err := batch.Set(accountAccodeKey(acc.AdminOwner, acc.Accode), []byte(acc.ID), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// generateRefMid draws 5-digit ids until one is free.
func (s *Store) generateRefMid() (string, error) {
	for i := 0; i < 100; i++ {
		ref := fmt.Sprintf("%05d", 10000+rand.Intn(90000))
		taken, err := s.exists(accountRefKey(ref))
		if err != nil {
			return "", err
		}
		if !taken {
			return ref, nil
		}
	}
	return "", fmt.Errorf("%w: refMid space exhausted", ErrConflict)
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(id string) (*Account, error) {
	var acc Account
	if err := s.get(accountKey(id), &acc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &acc, nil
}

// UpdateAccountProfile saves soft profile changes. Balances must only be
// written through an engine Txn.
func (s *Store) UpdateAccountProfile(acc *Account) error {
	acc.UpdatedAt = time.Now().UTC()
	return s.set(accountKey(acc.ID), acc)
}

// ListAccounts returns all accounts owned by an admin.
func (s *Store) ListAccounts(adminID string) ([]*Account, error) {
	prefix := accountPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var accounts []*Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			continue
		}
		if acc.AdminOwner == adminID {
			accounts = append(accounts, &acc)
		}
	}
	return accounts, nil
}

// FindAccountByPhone matches an inbound phone number against stored accounts
// under several normalizations: with/without "whatsapp:" scheme, "+", spaces,
// parens, and with/without a country prefix (suffix match on >= 9 digits).
func (s *Store) FindAccountByPhone(phone string) (*Account, error) {
	want := NormalizePhone(phone)
	if want == "" {
		return nil, fmt.Errorf("%w: empty phone", ErrNotFound)
	}

	prefix := accountPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var acc Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			continue
		}
		if PhoneMatches(acc.PhoneNumber, want) {
			out := acc
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: no account for phone %s", ErrNotFound, phone)
}

// NormalizePhone strips the messaging scheme and all formatting characters.
func NormalizePhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "whatsapp:")
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneMatches compares a stored number with a normalized inbound one,
// tolerating a missing or differing country prefix.
func PhoneMatches(stored, normalizedInbound string) bool {
	have := NormalizePhone(stored)
	if have == "" || normalizedInbound == "" {
		return false
	}
	if have == normalizedInbound {
		return true
	}
	// Country-prefix tolerance: the national number is at least 9 digits.
	const minNational = 9
	if len(have) >= minNational && strings.HasSuffix(normalizedInbound, have) {
		return true
	}
	if len(normalizedInbound) >= minNational && strings.HasSuffix(have, normalizedInbound) {
		return true
	}
	return false
}

// ==============================
// Orders
// ==============================

// GetOrder loads an order scoped by (id, adminId). Cross-admin access reads
// as absent.
func (s *Store) GetOrder(adminID, orderID string) (*Order, error) {
	var o Order
	if err := s.get(orderKey(adminID, orderID), &o); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}
		return nil, err
	}
	return &o, nil
}

// GetOrderByNo resolves an order through the orderNo index. The legacy "OR-"
// prefix is accepted.
func (s *Store) GetOrderByNo(orderNo string) (*Order, error) {
	primary, closer, err := s.db.Get(orderNoKey(orderNo))
	if err == pebble.ErrNotFound && strings.HasPrefix(orderNo, "OR-") && !strings.HasPrefix(orderNo, "ORD-") {
		primary, closer, err = s.db.Get(orderNoKey("ORD-" + strings.TrimPrefix(orderNo, "OR-")))
	}
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: order no %s", ErrNotFound, orderNo)
	}
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(primary))
	copy(key, primary)
	closer.Close()

	var o Order
	if err := s.get(key, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// OrderNoExists reports whether an orderNo is already taken.
func (s *Store) OrderNoExists(orderNo string) (bool, error) {
	return s.exists(orderNoKey(orderNo))
}

// ListOrders returns all orders for an admin.
func (s *Store) ListOrders(adminID string) ([]*Order, error) {
	prefix := orderAdminPrefix(adminID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

// ListOrdersByUser returns a user's orders, optionally filtered by status.
func (s *Store) ListOrdersByUser(userID string, status OrderStatus) ([]*Order, error) {
	prefix := orderUserPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		primary := iter.Value()
		data, closer, err := s.db.Get(primary)
		if err != nil {
			continue
		}
		var o Order
		uerr := json.Unmarshal(data, &o)
		closer.Close()
		if uerr != nil {
			continue
		}
		if status == "" || o.OrderStatus == status {
			orders = append(orders, &o)
		}
	}
	return orders, nil
}

// ==============================
// LP positions
// ==============================

// GetLPPosition loads the mirrored position by its id (= orderNo).
func (s *Store) GetLPPosition(positionID string) (*LPPosition, error) {
	var lp LPPosition
	if err := s.get(lpPositionKey(positionID), &lp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: lp position %s", ErrNotFound, positionID)
		}
		return nil, err
	}
	return &lp, nil
}

// ==============================
// Ledger
// ==============================

// ListLedgerByUser returns a user's ledger entries newest-first with
// offset/limit pagination.
func (s *Store) ListLedgerByUser(userID string, offset, limit int) ([]*LedgerEntry, error) {
	prefix := ledgerUserPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []*LedgerEntry
	skipped := 0
	for iter.Last(); iter.Valid(); iter.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(entries) >= limit {
			break
		}
		var e LedgerEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// SumLedgerByUserAsset folds the signed amounts of a user's TRANSACTION
// entries for one asset. DEBIT amounts subtract, CREDIT amounts add; the
// result must equal the current account balance for that asset.
func (s *Store) SumLedgerByUserAsset(userID string, asset Asset) (decimal.Decimal, error) {
	prefix := ledgerUserPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return decimal.Zero, err
	}
	defer iter.Close()

	sum := decimal.Zero
	for iter.First(); iter.Valid(); iter.Next() {
		var e LedgerEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.EntryType != EntryTransaction || e.TransactionDetails == nil || e.TransactionDetails.Asset != asset {
			continue
		}
		if e.EntryNature == Credit {
			sum = sum.Add(e.Amount)
		} else {
			sum = sum.Sub(e.Amount)
		}
	}
	return sum, nil
}

// CountLedgerByReference returns how many entries carry a referenceNumber.
func (s *Store) CountLedgerByReference(userID, referenceNumber string) (int, error) {
	prefix := ledgerUserPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var e LedgerEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.ReferenceNumber == referenceNumber {
			n++
		}
	}
	return n, nil
}

// ==============================
// Transactions
// ==============================

// GetTransaction loads a transfer by id.
func (s *Store) GetTransaction(id string) (*Transaction, error) {
	var tx Transaction
	if err := s.get(transactionKey(id), &tx); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &tx, nil
}

// ListTransactionsByUser returns a user's transfers newest-first.
func (s *Store) ListTransactionsByUser(userID string, limit int) ([]*Transaction, error) {
	prefix := txUserPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var txs []*Transaction
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(txs) >= limit {
			break
		}
		id := string(iter.Value())
		tx, err := s.GetTransaction(id)
		if err != nil {
			continue
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
