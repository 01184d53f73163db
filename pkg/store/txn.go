package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Txn collects the writes of one engine operation into a single Pebble batch.
// Nothing is visible to readers until Commit; dropping the Txn without
// committing rolls everything back. OpenTrade and CloseTrade each stage nine
// writes (order + position + account + four ledger rows + two indexes) here.
type Txn struct {
	batch *pebble.Batch
	store *Store
}

// NewTxn starts an empty transaction.
func (s *Store) NewTxn() *Txn {
	return &Txn{
		batch: s.db.NewBatch(),
		store: s,
	}
}

func (t *Txn) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return t.batch.Set(key, data, nil)
}

// PutAccount stages an account write (balance mutations included).
func (t *Txn) PutAccount(acc *Account) error {
	return t.set(accountKey(acc.ID), acc)
}

// PutOrder stages an order write and its orderNo/user indexes. A new orderNo
// colliding with an existing one fails with ErrConflict before staging.
func (t *Txn) PutOrder(o *Order, isNew bool) error {
	if isNew {
		taken, err := t.store.exists(orderNoKey(o.OrderNo))
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: orderNo %s already exists", ErrConflict, o.OrderNo)
		}
	}
	primary := orderKey(o.AdminID, o.ID)
	if err := t.set(primary, o); err != nil {
		return err
	}
	if err := t.batch.Set(orderNoKey(o.OrderNo), primary, nil); err != nil {
		return err
	}
	return t.batch.Set(orderUserKey(o.User, o.ID), primary, nil)
}

// PutLPPosition stages the mirrored position write.
func (t *Txn) PutLPPosition(lp *LPPosition) error {
	return t.set(lpPositionKey(lp.PositionID), lp)
}

// PutLedgerEntry stages one journal line. Entries are append-only: the key
// embeds user, timestamp and entryId, so re-staging the same entry is the
// only way to overwrite and the engine never does.
func (t *Txn) PutLedgerEntry(e *LedgerEntry) error {
	return t.set(ledgerKey(e.User, e.Date.UnixNano(), e.EntryID), e)
}

// PutTransaction stages a transfer record and its user index.
func (t *Txn) PutTransaction(tx *Transaction) error {
	if err := t.set(transactionKey(tx.TransactionID), tx); err != nil {
		return err
	}
	return t.batch.Set(txUserKey(tx.User, tx.Date.UnixNano(), tx.TransactionID), []byte(tx.TransactionID), nil)
}

// Commit writes the batch atomically and syncs.
func (t *Txn) Commit() error {
	return t.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (t *Txn) Close() error {
	return t.batch.Close()
}
