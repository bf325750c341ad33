package server

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mrasu/ddblock/server/locks"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xwb1989/sqlparser"
)

// Connection runs statements one at a time. Outside BEGIN each statement
// locks and unlocks with its own client.
type Connection struct {
	server *Server

	currentTransaction *Transaction
}

func newConnection(server *Server) *Connection {
	return &Connection{
		server: server,
	}
}

func (c *Connection) Query(sql string) (*Result, error) {
	result := NewEmptyResult()
	stmt, err := sqlparser.ParseStrictDDL(sql)
	if err != nil {
		log.Error().Stack().Err(err).Str("SQL", sql).Msg("Invalid sql")
		return result, errors.Wrap(err, "invalid sql")
	}
	log.Debug().Str("sql", sql).Msg("")

	switch stmt.(type) {
	case *sqlparser.Begin:
		err = c.begin()
	case *sqlparser.Rollback:
		err = c.rollback()
	case *sqlparser.Commit:
		err = c.commit()
	default:
		var req *lockRequest
		req, err = newLockRequest(sql, stmt)
		if err == nil {
			result, err = c.lock(req)
		}
	}

	if err != nil {
		if locks.IsDeadlock(err) || locks.IsAcquireTimeout(err) {
			log.Warn().Err(err).Str("SQL", sql).Msg("Failed to lock")
		} else {
			log.Error().Stack().Err(err).Str("SQL", sql).Msg("Invalid query")
		}
		result = NewEmptyResult()
	}

	return result, err
}

// InTransaction reports whether a BEGIN is open.
func (c *Connection) InTransaction() bool {
	return c.currentTransaction != nil
}

// Close rolls back the open transaction, if any.
func (c *Connection) Close() error {
	return c.rollback()
}

func (c *Connection) lock(req *lockRequest) (*Result, error) {
	rt, err := c.server.resourceType(req.resourceType)
	if err != nil {
		return nil, err
	}

	if c.currentTransaction == nil {
		err = c.lockImmediately(rt, req)
	} else {
		err = c.lockInTransaction(rt, req)
	}
	if err != nil {
		return nil, err
	}

	return &Result{ResourceType: rt.Name, Mode: req.mode, ResourceIDs: req.ids}, nil
}

func (c *Connection) lockImmediately(rt locks.ResourceType, req *lockRequest) error {
	trx, err := c.server.startImmediateTransaction()
	if err != nil {
		return err
	}
	defer trx.finish()

	b := c.server.newRetryBackOff()
	for {
		err = trx.acquire(rt, req)
		if !locks.IsDeadlock(err) || trx.retries >= c.server.maxTransactionRetries {
			return err
		}
		if err = c.abort(trx, b); err != nil {
			return err
		}
	}
}

func (c *Connection) lockInTransaction(rt locks.ResourceType, req *lockRequest) error {
	trx := c.currentTransaction
	err := trx.acquire(rt, req)
	if err == nil {
		trx.addHistory(req)
		return nil
	}
	if !locks.IsDeadlock(err) {
		// the failed statement took nothing, the transaction goes on
		return err
	}

	trx.addHistory(req)
	return c.retryTransaction(err)
}

// retryTransaction restarts the current transaction with a renewed client and
// replays its lock requests until they all succeed, or the retries run out.
// A transaction that cannot be replayed is rolled back.
func (c *Connection) retryTransaction(err error) error {
	trx := c.currentTransaction
	b := c.server.newRetryBackOff()
	for locks.IsDeadlock(err) {
		if trx.retries >= c.server.maxTransactionRetries {
			log.Warn().Int("transaction", trx.Number).Int("retries", trx.retries).Msg("Transaction rolled back after deadlocks")
			break
		}
		if err = c.abort(trx, b); err != nil {
			break
		}
		err = c.replay(trx)
	}

	if err != nil {
		_ = c.rollback()
	}
	return err
}

// abort releases the locks of trx and waits before the retry, so the
// transaction it gave way to can take them. The renewed client keeps the
// generation of the aborted one.
func (c *Connection) abort(trx *Transaction, b backoff.BackOff) error {
	client, err := c.server.manager.RenewClient(trx.client)
	if err != nil {
		return err
	}
	trx.restart(client)

	wait := b.NextBackOff()
	log.Info().Int("transaction", trx.Number).Int("retry", trx.retries).Dur("backoff", wait).Msg("Retrying after deadlock")
	time.Sleep(wait)
	return nil
}

func (c *Connection) replay(trx *Transaction) error {
	for _, req := range trx.history {
		rt, err := c.server.resourceType(req.resourceType)
		if err != nil {
			return err
		}
		if err = trx.acquire(rt, req); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) begin() error {
	if c.currentTransaction != nil {
		return errors.Errorf("transaction already started: %d", c.currentTransaction.Number)
	}
	trx, err := c.server.startNewTransaction()
	if err != nil {
		return err
	}
	c.currentTransaction = trx
	return nil
}

func (c *Connection) rollback() error {
	if c.currentTransaction != nil {
		c.currentTransaction.finish()
	}
	c.currentTransaction = nil
	return nil
}

// commit has nothing to persist; ending the transaction releases its locks.
func (c *Connection) commit() error {
	return c.rollback()
}
