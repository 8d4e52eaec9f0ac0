// Package graphqlws opens subscription streams over WebSocket using the
// graphql-transport-ws protocol. Every subscription gets its own connection.
package graphqlws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"

	"github.com/pipe01/villus/internal/language"
	"github.com/pipe01/villus/internal/logger"
	"github.com/pipe01/villus/internal/operation"
	"github.com/pipe01/villus/internal/subscription"
)

var (
	ErrAckTimeout        = errors.New("graphqlws: timed out waiting for connection_ack")
	ErrUnexpectedMessage = errors.New("graphqlws: unexpected message")
)

type Forwarder struct {
	url         string
	header      http.Header
	initPayload map[string]any
	dialer      *websocket.Dialer
	ackTimeout  time.Duration
	newBackOff  func() backoff.BackOff
	logger      logger.Logger

	streams conc.WaitGroup
}

type Option func(*Forwarder)

// WithHeader sets headers sent with the WebSocket handshake.
func WithHeader(h http.Header) Option { return func(f *Forwarder) { f.header = h.Clone() } }

// WithInitPayload sets the payload of connection_init, e.g. auth tokens.
func WithInitPayload(p map[string]any) Option { return func(f *Forwarder) { f.initPayload = p } }

func WithDialer(d *websocket.Dialer) Option        { return func(f *Forwarder) { f.dialer = d } }
func WithAckTimeout(d time.Duration) Option        { return func(f *Forwarder) { f.ackTimeout = d } }
func WithBackOff(fn func() backoff.BackOff) Option { return func(f *Forwarder) { f.newBackOff = fn } }
func WithLogger(l logger.Logger) Option            { return func(f *Forwarder) { f.logger = l } }

// New creates a forwarder for the endpoint at url (ws:// or wss://).
func New(url string, opts ...Option) *Forwarder {
	f := &Forwarder{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
		ackTimeout: 10 * time.Second,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		logger: logger.NewNoopLogger(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Forward implements subscription.Forwarder.
func (f *Forwarder) Forward(op operation.Resolved) subscription.Observable {
	return subscription.ObservableFunc(func(o subscription.Observer) subscription.Unsubscriber {
		ctx, cancel := context.WithCancel(context.Background())
		s := &stream{
			f:        f,
			id:       uuid.NewString(),
			op:       op,
			observer: o,
			cancel:   cancel,
		}
		f.streams.Go(func() { s.run(ctx) })
		return s
	})
}

// Wait blocks until every stream opened so far has ended.
func (f *Forwarder) Wait() {
	f.streams.Wait()
}

type stream struct {
	f        *Forwarder
	id       string
	op       operation.Resolved
	observer subscription.Observer
	cancel   context.CancelFunc

	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed bool
	stopped    bool
	once       sync.Once
}

// Unsubscribe stops the stream. It does not wait for the reader to exit, so
// it is safe to call from an observer callback.
func (s *stream) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		conn, subscribed := s.conn, s.subscribed
		s.mu.Unlock()

		s.cancel()
		if conn == nil {
			return
		}
		if subscribed {
			if err := s.write(Message{ID: s.id, Type: TypeComplete}); err != nil {
				s.f.logger.Debug("graphqlws: send complete", zap.String("id", s.id), zap.Error(err))
			}
		}
		s.closeConn(conn)
	})
}

func (s *stream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *stream) run(ctx context.Context) {
	conn, err := s.dial(ctx)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.closeConn(conn)
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if err := s.handshake(conn); err != nil {
		s.fail(err)
		s.closeConn(conn)
		return
	}
	s.f.logger.Debug("graphqlws: subscribed", zap.String("id", s.id), zap.String("key", string(s.op.Key)))

	if err := s.read(conn); err != nil {
		s.fail(err)
	}
	s.closeConn(conn)
}

func (s *stream) dial(ctx context.Context) (*websocket.Conn, error) {
	attempt := 1
	return backoff.RetryWithData(func() (*websocket.Conn, error) {
		conn, resp, err := s.f.dialer.DialContext(ctx, s.f.url, s.f.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			return conn, nil
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("graphqlws: dial %s: %s", s.f.url, resp.Status))
		}
		s.f.logger.Info("graphqlws: waiting for endpoint", zap.String("url", s.f.url), zap.Int("attempt", attempt), zap.Error(err))
		attempt++
		return nil, fmt.Errorf("graphqlws: dial %s: %w", s.f.url, err)
	}, backoff.WithContext(s.f.newBackOff(), ctx))
}

func (s *stream) handshake(conn *websocket.Conn) error {
	var payload any
	if s.f.initPayload != nil {
		payload = s.f.initPayload
	}
	init, err := newMessage("", TypeConnectionInit, payload)
	if err != nil {
		return fmt.Errorf("graphqlws: encode connection_init: %w", err)
	}
	if err := s.write(init); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.f.ackTimeout))
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrAckTimeout
			}
			return fmt.Errorf("graphqlws: read: %w", err)
		}
		if m.Type == TypePing {
			if err := s.write(Message{Type: TypePong}); err != nil {
				return err
			}
			continue
		}
		if m.Type != TypeConnectionAck {
			return fmt.Errorf("%w: %q before connection_ack", ErrUnexpectedMessage, m.Type)
		}
		break
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub, err := newMessage(s.id, TypeSubscribe, SubscribePayload{
		Query:         s.op.Query,
		OperationName: language.OperationName(s.op.Query),
		Variables:     s.op.Variables,
	})
	if err != nil {
		return fmt.Errorf("graphqlws: encode subscribe: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.subscribed = true
	s.mu.Unlock()
	return s.write(sub)
}

func (s *stream) read(conn *websocket.Conn) error {
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.complete()
				return nil
			}
			return fmt.Errorf("graphqlws: read: %w", err)
		}

		switch m.Type {
		case TypePing:
			if err := s.write(Message{Type: TypePong}); err != nil {
				return err
			}
		case TypePong:
		case TypeNext:
			if m.ID != s.id {
				continue
			}
			var p NextPayload
			if err := json.Unmarshal(m.Payload, &p); err != nil {
				return fmt.Errorf("graphqlws: decode next: %w", err)
			}
			r := operation.Result{Data: p.Data}
			if len(p.Errors) > 0 {
				r.Error = &operation.CombinedError{GraphQLErrors: p.Errors}
			}
			s.next(r)
		case TypeError:
			if m.ID != s.id {
				continue
			}
			var errs gqlerror.List
			if err := json.Unmarshal(m.Payload, &errs); err != nil {
				return fmt.Errorf("graphqlws: decode error: %w", err)
			}
			// the server ended the operation; report its errors as a final item
			s.next(operation.Result{Error: &operation.CombinedError{GraphQLErrors: errs}})
			s.complete()
			return nil
		case TypeComplete:
			if m.ID != s.id {
				continue
			}
			s.complete()
			return nil
		default:
			return fmt.Errorf("%w: %q", ErrUnexpectedMessage, m.Type)
		}
	}
}

func (s *stream) write(m Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("graphqlws: not connected")
	}
	if err := conn.WriteJSON(m); err != nil {
		return fmt.Errorf("graphqlws: write %s: %w", m.Type, err)
	}
	return nil
}

func (s *stream) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (s *stream) next(r operation.Result) {
	if s.isStopped() || s.observer.Next == nil {
		return
	}
	s.observer.Next(r)
}

func (s *stream) fail(err error) {
	if s.isStopped() {
		return
	}
	s.f.logger.Warn("graphqlws: stream failed", zap.String("id", s.id), zap.Error(err))
	if s.observer.Error != nil {
		s.observer.Error(err)
	}
}

func (s *stream) complete() {
	if s.isStopped() {
		return
	}
	if s.observer.Complete != nil {
		s.observer.Complete()
	}
}
