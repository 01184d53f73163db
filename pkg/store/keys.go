package store

import "fmt"

// Pebble key schema
// Design principles:
// 1. Prefix-based for range scans (all orders of an admin, ledger of a user)
// 2. Zero-padded timestamps for lexicographic time ordering
// 3. Secondary index keys hold the primary key as value

const (
	prefixAccount       = "acc:"    // acc:{accountId} -> Account
	prefixAccountRef    = "accref:" // accref:{refMid} -> accountId
	prefixAccountAccode = "accak:"  // accak:{adminOwner}:{accode} -> accountId
	prefixOrder         = "ord:"    // ord:{adminId}:{orderId} -> Order
	prefixOrderNo       = "ordno:"  // ordno:{orderNo} -> primary order key
	prefixOrderUser     = "ordu:"   // ordu:{userId}:{orderId} -> primary order key
	prefixLPPosition    = "lp:"     // lp:{positionId} -> LPPosition
	prefixLedger        = "led:"    // led:{userId}:{^ts}:{entryId} -> LedgerEntry
	prefixTransaction   = "trx:"    // trx:{transactionId} -> Transaction
	prefixTxUser        = "trxu:"   // trxu:{userId}:{ts}:{transactionId} -> transactionId
)

func accountKey(id string) []byte {
	return []byte(prefixAccount + id)
}

func accountRefKey(refMid string) []byte {
	return []byte(prefixAccountRef + refMid)
}

func accountAccodeKey(adminOwner, accode string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixAccountAccode, adminOwner, accode))
}

func orderKey(adminID, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, adminID, orderID))
}

func orderAdminPrefix(adminID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, adminID))
}

func orderNoKey(orderNo string) []byte {
	return []byte(prefixOrderNo + orderNo)
}

func orderUserKey(userID, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrderUser, userID, orderID))
}

func orderUserPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrderUser, userID))
}

func lpPositionKey(positionID string) []byte {
	return []byte(prefixLPPosition + positionID)
}

// ledgerKey orders entries of a user chronologically; reverse iteration gives
// date-desc pagination. Timestamp is zero-padded nanoseconds.
func ledgerKey(userID string, tsNano int64, entryID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixLedger, userID, tsNano, entryID))
}

func ledgerUserPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixLedger, userID))
}

func transactionKey(id string) []byte {
	return []byte(prefixTransaction + id)
}

func txUserKey(userID string, tsNano int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTxUser, userID, tsNano, id))
}

func txUserPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTxUser, userID))
}

func accountPrefix() []byte {
	return []byte(prefixAccount)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
