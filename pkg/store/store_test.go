package store

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/almasgold/ttbroker/pkg/pricing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAccountGeneratesIDs(t *testing.T) {
	s := newTestStore(t)

	acc := &Account{AccountHead: "Client", AdminOwner: "admin-1"}
	if err := s.CreateAccount(acc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if acc.ID == "" {
		t.Error("id not generated")
	}
	if len(acc.RefMid) != 5 {
		t.Errorf("refMid = %q, want 5 digits", acc.RefMid)
	}
	if acc.Status != AccountPending {
		t.Errorf("default status = %s, want pending", acc.Status)
	}

	got, err := s.GetAccount(acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccountHead != "Client" {
		t.Errorf("got = %+v", got)
	}
}

func TestRefMidUniqueness(t *testing.T) {
	s := newTestStore(t)

	first := &Account{AccountHead: "A", AdminOwner: "admin-1", RefMid: "12345"}
	if err := s.CreateAccount(first); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &Account{AccountHead: "B", AdminOwner: "admin-2", RefMid: "12345"}
	if err := s.CreateAccount(dup); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestAccodeUniquePerAdmin(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateAccount(&Account{AccountHead: "A", AdminOwner: "admin-1", Accode: "C-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAccount(&Account{AccountHead: "B", AdminOwner: "admin-1", Accode: "C-1"}); !errors.Is(err, ErrConflict) {
		t.Errorf("same admin dup: err = %v, want ErrConflict", err)
	}
	// The same accode under a different admin is fine.
	if err := s.CreateAccount(&Account{AccountHead: "C", AdminOwner: "admin-2", Accode: "C-1"}); err != nil {
		t.Errorf("other admin: %v", err)
	}
}

func TestFindAccountByPhoneNormalizations(t *testing.T) {
	s := newTestStore(t)

	acc := &Account{AccountHead: "Client", AdminOwner: "admin-1", PhoneNumber: "+971 (50) 123-4567"}
	if err := s.CreateAccount(acc); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, in := range []string{
		"whatsapp:+971501234567",
		"+971501234567",
		"971501234567",
		"501234567", // without country prefix: suffix match on >= 9 digits
	} {
		got, err := s.FindAccountByPhone(in)
		if err != nil {
			t.Errorf("FindAccountByPhone(%q): %v", in, err)
			continue
		}
		if got.ID != acc.ID {
			t.Errorf("FindAccountByPhone(%q) = %s", in, got.ID)
		}
	}

	if _, err := s.FindAccountByPhone("whatsapp:+15550001111"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown phone err = %v, want ErrNotFound", err)
	}
}

func TestPhoneMatchesShortNumbersDontSuffix(t *testing.T) {
	// Short tails must not authorize: 9-digit minimum.
	if PhoneMatches("4567", NormalizePhone("+971501234567")) {
		t.Error("4-digit suffix must not match")
	}
}

func putOrder(t *testing.T, s *Store, o *Order) {
	t.Helper()
	txn := s.NewTxn()
	defer txn.Close()
	if err := txn.PutOrder(o, true); err != nil {
		t.Fatalf("put order: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func sampleOrder(id, orderNo, user, admin string, status OrderStatus) *Order {
	return &Order{
		ID: id, OrderNo: orderNo, Type: pricing.Buy,
		Volume: decimal.NewFromInt(1), Symbol: "GOLD",
		OpeningDate: time.Now().UTC(), OrderStatus: status,
		User: user, AdminID: admin,
	}
}

func TestOrderScopingAndIndexes(t *testing.T) {
	s := newTestStore(t)
	putOrder(t, s, sampleOrder("o1", "ORD-AAAA1111", "user-1", "admin-1", OrderProcessing))

	if _, err := s.GetOrder("admin-1", "o1"); err != nil {
		t.Errorf("same admin: %v", err)
	}
	if _, err := s.GetOrder("admin-2", "o1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross admin err = %v, want ErrNotFound", err)
	}

	got, err := s.GetOrderByNo("ORD-AAAA1111")
	if err != nil || got.ID != "o1" {
		t.Errorf("by no: %v %v", got, err)
	}
	// Legacy prefix resolves to the same order.
	got, err = s.GetOrderByNo("OR-AAAA1111")
	if err != nil || got.ID != "o1" {
		t.Errorf("legacy no: %v %v", got, err)
	}
}

func TestDuplicateOrderNoConflicts(t *testing.T) {
	s := newTestStore(t)
	putOrder(t, s, sampleOrder("o1", "ORD-DUP", "user-1", "admin-1", OrderProcessing))

	txn := s.NewTxn()
	defer txn.Close()
	err := txn.PutOrder(sampleOrder("o2", "ORD-DUP", "user-1", "admin-1", OrderProcessing), true)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestListOrdersByUserStatusFilter(t *testing.T) {
	s := newTestStore(t)
	putOrder(t, s, sampleOrder("o1", "ORD-1", "user-1", "admin-1", OrderProcessing))
	putOrder(t, s, sampleOrder("o2", "ORD-2", "user-1", "admin-1", OrderClosed))
	putOrder(t, s, sampleOrder("o3", "ORD-3", "user-2", "admin-1", OrderProcessing))

	open, err := s.ListOrdersByUser("user-1", OrderProcessing)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].ID != "o1" {
		t.Errorf("open = %+v", open)
	}

	all, _ := s.ListOrdersByUser("user-1", "")
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}
}

func TestTxnRollbackOnClose(t *testing.T) {
	s := newTestStore(t)

	txn := s.NewTxn()
	if err := txn.PutOrder(sampleOrder("o1", "ORD-ROLL", "user-1", "admin-1", OrderProcessing), true); err != nil {
		t.Fatalf("put: %v", err)
	}
	txn.Close() // dropped without commit

	if _, err := s.GetOrder("admin-1", "o1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("uncommitted order visible: %v", err)
	}
}

func TestLedgerOrderingAndPagination(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		txn := s.NewTxn()
		err := txn.PutLedgerEntry(&LedgerEntry{
			EntryID:     "TRX-" + string(rune('A'+i)),
			EntryType:   EntryTransaction,
			EntryNature: Credit,
			Amount:      decimal.NewFromInt(int64(i + 1)),
			Date:        base.Add(time.Duration(i) * time.Second),
			User:        "user-1",
			TransactionDetails: &TransactionDetails{
				Asset: AssetCash,
			},
		})
		if err != nil {
			t.Fatalf("put entry: %v", err)
		}
		if err := txn.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		txn.Close()
	}

	entries, err := s.ListLedgerByUser("user-1", 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	// Newest first.
	if !entries[0].Amount.Equal(decimal.NewFromInt(5)) || !entries[1].Amount.Equal(decimal.NewFromInt(4)) {
		t.Errorf("order: %s, %s", entries[0].Amount, entries[1].Amount)
	}

	page, _ := s.ListLedgerByUser("user-1", 4, 10)
	if len(page) != 1 || !page[0].Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("offset page = %+v", page)
	}

	sum, err := s.SumLedgerByUserAsset("user-1", AssetCash)
	if err != nil || !sum.Equal(decimal.NewFromInt(15)) {
		t.Errorf("sum = %s (%v), want 15", sum, err)
	}
}
