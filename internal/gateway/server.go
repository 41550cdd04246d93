// Package gateway is the TCP ingress for the exchange core: newline-framed
// JSON requests in, results and subscribed user events out. The core itself
// knows nothing about this framing; the gateway only speaks the command and
// event contracts.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"

	"gungnir/internal/bus"
	"gungnir/internal/common"
)

const (
	defaultNWorkers = 10
	readTimeout     = 5 * time.Minute
)

var ErrImproperConversion = errors.New("improper type conversion")

// Core is the slice of the orchestrator the gateway drives.
type Core interface {
	Submit(ctx context.Context, cmd common.Command) (*common.Result, error)
	Snapshot(ctx context.Context, symbol string, depth int) (common.BookSnapshot, error)
}

// ClientSession is one connected TCP session.
type ClientSession struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	subs    []bus.Subscription
}

func (s *ClientSession) write(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(append(data, '\n'))
	return err
}

// Server accepts client sessions and routes their requests into the core.
type Server struct {
	addr   string
	core   Core
	events bus.Bus
	pool   WorkerPool
	log    zerolog.Logger
	cancel context.CancelFunc

	sessionsMu sync.Mutex
	sessions   map[string]*ClientSession
}

// New creates a gateway server.
func New(addr string, core Core, events bus.Bus, log zerolog.Logger) *Server {
	gwLog := log.With().Str("component", "gateway").Logger()
	return &Server{
		addr:     addr,
		core:     core,
		events:   events,
		pool:     NewWorkerPool(defaultNWorkers, gwLog),
		log:      gwLog,
		sessions: make(map[string]*ClientSession),
	}
}

// Shutdown stops accepting and tears the sessions down.
func (s *Server) Shutdown() {
	s.log.Info().Msg("gateway shutting down")
	if s.cancel != nil {
		s.cancel()
	}
}

// Run serves until the context dies.
func (s *Server) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}
	defer listener.Close()

	t.Go(func() error {
		<-t.Dying()
		return listener.Close()
	})

	s.pool.Setup(t, s.handleSession)
	s.log.Info().Str("addr", s.addr).Msg("gateway listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				t.Kill(nil)
				return t.Wait()
			default:
				s.log.Error().Err(err).Msg("error accepting client")
				continue
			}
		}
		session := &ClientSession{conn: conn, reader: bufio.NewReader(conn)}
		s.addSession(session)
		s.log.Info().Str("address", conn.RemoteAddr().String()).Msg("client connected")
		s.pool.AddTask(session)
	}
}

// handleSession is a short-lived worker step: read the next line, act on
// it, and requeue the session for its next message.
func (s *Server) handleSession(t *tomb.Tomb, task any) error {
	session, ok := task.(*ClientSession)
	if !ok {
		return ErrImproperConversion
	}

	if err := session.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		s.dropSession(session)
		return nil
	}
	line, err := session.reader.ReadBytes('\n')
	if err != nil {
		s.dropSession(session)
		return nil
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		session.write(Response{Type: "error", Error: "malformed request"})
		s.pool.AddTask(session)
		return nil
	}
	s.handleRequest(t.Context(nil), session, &req)

	select {
	case <-t.Dying():
		s.dropSession(session)
	default:
		s.pool.AddTask(session)
	}
	return nil
}

func (s *Server) handleRequest(ctx context.Context, session *ClientSession, req *Request) {
	switch req.Type {
	case "subscribe":
		s.subscribe(session, req)

	case "snapshot":
		snap, err := s.core.Snapshot(ctx, req.Symbol, req.Depth)
		if err != nil {
			session.write(Response{Type: "error", Error: err.Error()})
			return
		}
		session.write(Response{Type: "snapshot", Snapshot: &snap})

	default:
		cmd, err := req.Command(time.Now())
		if err != nil {
			session.write(Response{Type: "error", Error: err.Error()})
			return
		}
		result, err := s.core.Submit(ctx, cmd)
		if err != nil {
			session.write(Response{Type: "error", Error: err.Error()})
			return
		}
		session.write(Response{Type: "result", OrderID: result.OrderID, Result: result})
	}
}

// subscribe streams the user's own events plus the instrument feeds the
// client asks for down this session.
func (s *Server) subscribe(session *ClientSession, req *Request) {
	topics := []string{common.TopicUser + "." + req.UserID}
	if req.Symbol != "" {
		topics = append(topics,
			common.TopicOrderBook+"."+req.Symbol,
			common.TopicTrades+"."+req.Symbol)
	}
	for _, topic := range topics {
		sub, err := s.events.Subscribe(topic, nil, func(e common.Event) {
			if err := session.write(Response{Type: "event", Event: &e}); err != nil {
				s.dropSession(session)
			}
		})
		if err != nil {
			session.write(Response{Type: "error", Error: err.Error()})
			return
		}
		session.subs = append(session.subs, sub)
	}
	session.write(Response{Type: "result", Result: &common.Result{Accepted: true}})
}

func (s *Server) addSession(session *ClientSession) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[session.conn.RemoteAddr().String()] = session
}

func (s *Server) dropSession(session *ClientSession) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	for _, sub := range session.subs {
		sub.Cancel()
	}
	session.conn.Close()
	delete(s.sessions, session.conn.RemoteAddr().String())
}
