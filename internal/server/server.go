package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eternalApril/ironcache/internal/resp"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Server accepts client connections and feeds their requests to the Engine
type Server struct {
	engine *Engine
	logger *zap.Logger
	peers  *xsync.MapOf[uint64, *Peer] // live connections
	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewServer creates a server for engine
func NewServer(engine *Engine, logger *zap.Logger) *Server {
	return &Server{
		engine: engine,
		logger: logger,
		peers:  xsync.NewMapOf[uint64, *Peer](),
	}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// On return the listener and every connection are closed and all connection goroutines have finished
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close() //nolint:errcheck
	})
	defer stop()

	s.logger.Info("listening on", zap.String("address", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("Accept error", zap.Error(err))
			continue
		}

		peer := NewPeer(s.nextID.Add(1), conn)
		s.peers.Store(peer.ID(), peer)
		s.engine.metrics.ConnectionAccepted()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.peers.Delete(peer.ID())
			s.handleConnection(peer)
		}()
	}

	// closing a connection only cancels its pending read; dispatched commands complete
	s.peers.Range(func(_ uint64, p *Peer) bool {
		p.Close() //nolint:errcheck
		return true
	})
	s.wg.Wait()

	s.logger.Info("All connections closed")
	return nil
}

// PeerCount returns the number of open connections
func (s *Server) PeerCount() int {
	return s.peers.Size()
}

// handleConnection serves a single client: one reply per request, in request order.
// Replies are flushed once the input buffer is drained, so pipelined requests share a write
func (s *Server) handleConnection(peer *Peer) {
	log := s.logger.With(zap.Uint64("peer", peer.ID()))

	if log.Core().Enabled(zap.DebugLevel) {
		log.Debug("client connected", zap.String("addr", peer.RemoteAddr()))
	}

	defer func() {
		peer.Close() //nolint:errcheck
		if log.Core().Enabled(zap.DebugLevel) {
			log.Debug("client disconnected", zap.String("addr", peer.RemoteAddr()))
		}
	}()

	for {
		cmdValue, err := peer.ReadCommand()
		if err != nil {
			if errors.Is(err, resp.ErrProtocol) || errors.Is(err, resp.ErrInvalidEnding) {
				log.Warn("protocol error", zap.Error(err))
				_ = peer.Send(resp.MakeError("ERR Protocol error: " + err.Error()))
				_ = peer.Flush()
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("read command failed", zap.Error(err))
			}
			return
		}

		var result resp.Value
		switch {
		case len(cmdValue.Array) == 0 && cmdValue.Type == resp.TypeArray && !cmdValue.IsNull:
			continue
		case !isCommand(cmdValue):
			result = resp.MakeError("ERR Protocol error: expected array of bulk strings")
		default:
			result = s.engine.Execute(string(cmdValue.Array[0].String), cmdValue.Array[1:])
		}

		if err = peer.Send(result); err != nil {
			log.Error("error writing response", zap.Error(err))
			return
		}

		if peer.InputBuffered() == 0 {
			if err := peer.Flush(); err != nil {
				return
			}
		}
	}
}

// isCommand reports whether v is a request: a non-null array of non-null bulk strings
func isCommand(v resp.Value) bool {
	if v.Type != resp.TypeArray || v.IsNull {
		return false
	}
	for _, el := range v.Array {
		if el.Type != resp.TypeBulkString || el.IsNull {
			return false
		}
	}
	return true
}
