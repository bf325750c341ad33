package server

import (
	"github.com/mrasu/ddblock/server/locks"
)

const ImmediateTransactionNumber = -1

// Transaction owns one lock client from BEGIN until COMMIT or ROLLBACK and
// remembers its lock requests so it can be replayed after a deadlock.
type Transaction struct {
	Number int
	client *locks.Client

	history []*lockRequest
	retries int
}

func newTransaction(num int, client *locks.Client) *Transaction {
	return &Transaction{
		Number: num,
		client: client,
	}
}

func (trx *Transaction) IsImmediate() bool {
	return trx.Number == ImmediateTransactionNumber
}

func (trx *Transaction) addHistory(req *lockRequest) {
	if trx.IsImmediate() {
		return
	}
	trx.history = append(trx.history, req)
}

func (trx *Transaction) QueryHistory() []string {
	queries := make([]string, len(trx.history))
	for i, req := range trx.history {
		queries[i] = req.sql
	}
	return queries
}

func (trx *Transaction) Retries() int {
	return trx.retries
}

func (trx *Transaction) ActiveLocks() []locks.ActiveLock {
	return trx.client.ActiveLocks()
}

func (trx *Transaction) acquire(rt locks.ResourceType, req *lockRequest) error {
	if req.mode == locks.Exclusive {
		return trx.client.AcquireExclusive(rt, req.ids...)
	}
	return trx.client.AcquireShared(rt, req.ids...)
}

// restart takes the client renewed from the current one. The renewal has
// already closed the old client, which may be the same object.
func (trx *Transaction) restart(client *locks.Client) {
	trx.client = client
	trx.retries += 1
}

func (trx *Transaction) finish() {
	trx.client.Close()
}
