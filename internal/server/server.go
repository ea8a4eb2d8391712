// Package server multiplexes client connections onto the single-owner
// reputation core. Core calls never block; all suspension happens at
// the socket reads and at the bounded log queue, so a cancelled client
// can never leave the core mid-mutation.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charmander/iptooled/internal/alerts"
	"github.com/charmander/iptooled/internal/db"
	"github.com/charmander/iptooled/internal/persist"
	"github.com/charmander/iptooled/internal/reputation"
)

const auditTimeout = 5 * time.Second

// Server owns the exclusive-access handle around the reputation core
// and the hash chain. Operations from all connections are linearized at
// the mutex; the log receives records in exactly that order because
// encoding and enqueueing happen before the lock is released.
type Server struct {
	mu   sync.Mutex
	tree *reputation.SpamTree
	log  *persist.Log

	alerts *alerts.Manager // may be nil
	audit  *db.Store       // may be nil

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup

	// now is the clock; replaced in tests.
	now func() reputation.CoarseTime
}

func New(tree *reputation.SpamTree, l *persist.Log, am *alerts.Manager, audit *db.Store) *Server {
	return &Server{
		tree:   tree,
		log:    l,
		alerts: am,
		audit:  audit,
		conns:  make(map[net.Conn]struct{}),
		now:    reputation.CoarseNow,
	}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[Server] accept failed: %v", err)
			continue
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()
		s.wg.Add(1)

		go s.handleConn(conn)
	}
}

// Shutdown closes every open connection and waits for their handlers,
// after which no more records can reach the log queue.
func (s *Server) Shutdown() {
	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		s.wg.Done()
	}()

	connID := uuid.NewString()[:8]
	log.Printf("[Server] client %s connected", connID)

	reader := bufio.NewReader(conn)

	for {
		req, err := readRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("[Server] client %s disconnected", connID)
			} else {
				log.Printf("[Server] client %s: %v", connID, err)
			}
			return
		}

		resp := s.dispatch(req)

		if _, err := conn.Write(resp); err != nil {
			log.Printf("[Server] client %s: writing response: %v", connID, err)
			return
		}
	}
}

func (s *Server) dispatch(req request) []byte {
	now := s.now()

	if req.kind == requestQuery {
		s.mu.Lock()
		result := s.tree.Query(req.address, now)
		s.mu.Unlock()
		return queryResponse(result)
	}

	var (
		op       reputation.TreeOperation
		accepted bool
		err      error
		rec      []byte
		burst    reputation.TrieResult
	)

	s.mu.Lock()
	if req.kind == requestTrust {
		op, accepted, err = s.tree.Trust(req.address, req.user, now)
	} else {
		op, accepted, err = s.tree.Spam(req.address, req.user, now)
	}
	if accepted {
		rec = s.log.Encode(op)
		// Backpressure point: blocks while the writer is behind. The
		// record is enqueued before the lock is released so records
		// reach the file in the order their chain tags were computed.
		s.log.Enqueue(rec)
		if req.kind == requestSpam {
			burst = s.tree.QueryStale(req.address)
		}
	}
	s.mu.Unlock()

	if err != nil {
		// The clock jumped backwards past the jitter allowance; the
		// monotonicity assumption underneath both windows is gone.
		log.Fatalf("[Server] clock anomaly: %v", err)
	}

	if rec != nil {
		if s.audit != nil {
			go s.mirror(req, op, now)
		}
		if s.alerts != nil && req.kind == requestSpam {
			s.alerts.SpamObserved(req.address, burst)
		}
	}

	// A capped observation acks like an accepted one; the refusal is
	// deliberately invisible to the client.
	return ackResponse
}

// mirror writes one accepted observation to the audit store,
// best-effort.
func (s *Server) mirror(req request, op reputation.TreeOperation, now reputation.CoarseTime) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	err := s.audit.SaveObservation(ctx, op.Kind.String(), req.address[:], uint32(req.user), op.Prefix.Bits(), uint32(now))
	if err != nil {
		log.Printf("[Server] audit mirror write failed: %v", err)
	}
}

// Lookup serves read-only surfaces without advancing the windows.
func (s *Server) Lookup(address reputation.Address) reputation.TrieResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.QueryStale(address)
}

// StatsSnapshot summarizes the core for observability surfaces.
func (s *Server) StatsSnapshot() reputation.TreeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Stats()
}
