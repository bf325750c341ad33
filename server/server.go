package server

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mrasu/ddblock/server/config"
	"github.com/mrasu/ddblock/server/locks"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	manager               *locks.Manager
	maxTransactionRetries int
	retryBackoff          time.Duration

	mu                    sync.Mutex
	lastTransactionNumber int
}

// NewServer builds the lock manager from cfg. Metrics are registered to reg
// unless it is nil.
func NewServer(cfg *config.Config, reg prometheus.Registerer) (*Server, error) {
	types, opts, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if reg != nil {
		opts = append(opts, locks.WithRegisterer(reg))
	}

	m, err := locks.NewManager(types, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start lock manager")
	}

	return &Server{
		manager:               m,
		maxTransactionRetries: cfg.MaxTransactionRetries,
		retryBackoff:          cfg.RetryBackoff,
	}, nil
}

func (s *Server) StartNewConnection() *Connection {
	return newConnection(s)
}

func (s *Server) Manager() *locks.Manager {
	return s.manager
}

func (s *Server) startNewTransaction() (*Transaction, error) {
	client, err := s.manager.NewClient()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTransactionNumber += 1
	return newTransaction(s.lastTransactionNumber, client), nil
}

func (s *Server) startImmediateTransaction() (*Transaction, error) {
	client, err := s.manager.NewClient()
	if err != nil {
		return nil, err
	}
	return newTransaction(ImmediateTransactionNumber, client), nil
}

// newRetryBackOff paces the retries of one deadlocked statement or
// transaction. A zero retry_backoff retries at once.
func (s *Server) newRetryBackOff() backoff.BackOff {
	if s.retryBackoff == 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Server) resourceType(name string) (locks.ResourceType, error) {
	rt, ok := s.manager.ResourceType(name)
	if !ok {
		return locks.ResourceType{}, errors.Errorf("Table doesn't exist: %s", name)
	}
	return rt, nil
}

func (s *Server) Inspect() {
	s.inspect(os.Stdout)
}

func (s *Server) inspect(w io.Writer) {
	var lines []string
	s.manager.Accept(func(rt locks.ResourceType, id uint64, description string) {
		lines = append(lines, fmt.Sprintf("%s(%d): %s", rt, id, description))
	})
	sort.Strings(lines)

	fmt.Fprintln(w, "<==========Server inspection")
	fmt.Fprintf(w, "clients: %d\n", s.manager.ActiveClients())
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

// Close refuses new transactions and returns how many are still open.
func (s *Server) Close() int {
	return s.manager.Close()
}
