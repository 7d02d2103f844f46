package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Klein241/bufferwave/internal/tunnel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	readBuffer  = 32 * 1024
	inboxDepth  = 64
	defaultDial = 10 * time.Second

	// finished streams remembered while their source may still send frames
	finishedDepth = 4096
)

// errTargetClosed ends a stream once the target has hung up
var errTargetClosed = errors.New("target closed")

// Sender writes frames back to the broker
type Sender interface {
	Send(frame tunnel.Frame) error
}

// DialFunc opens the outbound connection to a target
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type streamKey struct {
	source    string
	requestID string
}

type stream struct {
	key    streamKey
	target string
	sender Sender
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan []byte
	eof    chan struct{}
	once   sync.Once
	done   chan struct{}

	// sourceClosed is set under Forwarder.mu once the source sent its close
	sourceClosed bool
}

// closeInput marks the source side as finished
func (s *stream) closeInput() {
	s.once.Do(func() { close(s.eof) })
}

// Forwarder performs the real network I/O for sources relayed through this
// node and ships target output back as RESPONSE frames.
type Forwarder struct {
	userID      string
	sender      Sender
	dial        DialFunc
	dialTimeout time.Duration
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	streams  map[streamKey]*stream
	finished map[streamKey]struct{}
	expiry   []streamKey
	bySource map[string]int64

	unreported atomic.Int64
	total      atomic.Int64
}

// Options configure a forwarder
type Options struct {
	DialTimeout time.Duration
	Dial        DialFunc
}

// New creates a forwarder answering as userID through sender. sender may be
// nil until Attach is called.
func New(userID string, sender Sender, opts Options, logger *zap.Logger) *Forwarder {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDial
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		userID:      userID,
		sender:      sender,
		dial:        opts.Dial,
		dialTimeout: opts.DialTimeout,
		logger:      logger.Named("forwarder"),
		ctx:         ctx,
		cancel:      cancel,
		streams:     make(map[streamKey]*stream),
		finished:    make(map[streamKey]struct{}),
		bySource:    make(map[string]int64),
	}
}

// Handle accepts one FORWARD_TO_TARGET frame. The first frame of a request
// opens the stream; later frames are written in order. Frames for a stream
// that already ended are dropped, so a late chunk never reaches a fresh
// target connection.
//
// Handle never blocks: it runs on the tunnel read loop shared by every
// stream. A stream whose target cannot keep up with its inbox is torn down.
func (f *Forwarder) Handle(frame tunnel.ForwardToTarget) {
	key := streamKey{source: frame.FromUserID, requestID: frame.RequestID}

	f.mu.Lock()
	s, ok := f.streams[key]
	if !ok {
		_, ended := f.finished[key]
		if ended && frame.Close {
			delete(f.finished, key)
		}
		if ended || f.ctx.Err() != nil || f.sender == nil || frame.Target == "" || (frame.Close && len(frame.Payload) == 0) {
			f.mu.Unlock()
			if !frame.Close {
				f.logger.Debug("frame for unknown stream dropped",
					zap.String("source_id", frame.FromUserID), zap.String("request_id", frame.RequestID))
			}
			return
		}
		s = f.open(key, frame.Target)
	}
	if frame.Close {
		s.sourceClosed = true
	}
	f.mu.Unlock()

	if len(frame.Payload) > 0 {
		select {
		case s.inbox <- frame.Payload:
		case <-s.done:
			return
		default:
			if s.ctx.Err() == nil {
				f.logger.Warn("target too slow, stream dropped",
					zap.String("source_id", key.source), zap.String("request_id", key.requestID))
				s.cancel()
			}
			return
		}
	}
	if frame.Close {
		s.closeInput()
	}
}

// open starts a stream. f.mu must be held.
func (f *Forwarder) open(key streamKey, target string) *stream {
	ctx, cancel := context.WithCancel(f.ctx)
	s := &stream{
		key:    key,
		target: target,
		sender: f.sender,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan []byte, inboxDepth),
		eof:    make(chan struct{}),
		done:   make(chan struct{}),
	}
	f.streams[key] = s
	f.wg.Add(1)
	go f.serve(s)
	return s
}

// finish removes a stream and, unless its source already closed, remembers
// the key so late frames are dropped. f.mu must be held.
func (f *Forwarder) finish(s *stream) {
	delete(f.streams, s.key)
	if s.sourceClosed {
		return
	}
	f.finished[s.key] = struct{}{}
	f.expiry = append(f.expiry, s.key)
	if len(f.expiry) > finishedDepth {
		delete(f.finished, f.expiry[0])
		f.expiry = f.expiry[1:]
	}
}

func (f *Forwarder) serve(s *stream) {
	defer f.wg.Done()
	defer func() {
		s.cancel()
		f.mu.Lock()
		f.finish(s)
		f.mu.Unlock()
		close(s.done)
	}()

	log := f.logger.With(
		zap.String("source_id", s.key.source),
		zap.String("request_id", s.key.requestID),
		zap.String("target", s.target))

	dialCtx, cancel := context.WithTimeout(s.ctx, f.dialTimeout)
	conn, err := f.dial(dialCtx, "tcp", s.target)
	cancel()
	if err != nil {
		log.Warn("failed to dial target", zap.Error(err))
		return
	}
	defer conn.Close()

	if err := f.respond(s, nil, false); err != nil {
		log.Warn("failed to acknowledge stream", zap.Error(err))
		return
	}
	log.Debug("stream established")

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		return f.pumpToTarget(ctx, s, conn)
	})
	g.Go(func() error {
		return f.pumpToSource(s, conn)
	})
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	err = g.Wait()
	if err != nil && !errors.Is(err, errTargetClosed) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		log.Debug("stream ended", zap.Error(err))
	}
}

func (f *Forwarder) pumpToTarget(ctx context.Context, s *stream, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-s.inbox:
			if err := f.write(s, conn, chunk); err != nil {
				return err
			}
		case <-s.eof:
			for {
				select {
				case chunk := <-s.inbox:
					if err := f.write(s, conn, chunk); err != nil {
						return err
					}
				default:
					if cw, ok := conn.(interface{ CloseWrite() error }); ok {
						return cw.CloseWrite()
					}
					return nil
				}
			}
		}
	}
}

func (f *Forwarder) write(s *stream, conn net.Conn, chunk []byte) error {
	n, err := conn.Write(chunk)
	f.count(s.key.source, n)
	return err
}

func (f *Forwarder) pumpToSource(s *stream, conn net.Conn) error {
	buf := make([]byte, readBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			f.count(s.key.source, n)
			payload := append([]byte(nil), buf[:n]...)
			if sendErr := f.respond(s, payload, false); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			if closeErr := f.respond(s, nil, true); closeErr != nil {
				return closeErr
			}
			if errors.Is(err, io.EOF) {
				return errTargetClosed
			}
			return err
		}
	}
}

func (f *Forwarder) respond(s *stream, payload []byte, closing bool) error {
	return s.sender.Send(tunnel.Response{
		ToUserID:  s.key.source,
		RequestID: s.key.requestID,
		Payload:   payload,
		Close:     closing,
	})
}

func (f *Forwarder) count(source string, n int) {
	if n <= 0 {
		return
	}
	f.unreported.Add(int64(n))
	f.total.Add(int64(n))
	f.mu.Lock()
	f.bySource[source] += int64(n)
	f.mu.Unlock()
}

// Attach sets the channel new streams answer through. Streams already
// running keep the channel they started on.
func (f *Forwarder) Attach(sender Sender) {
	f.mu.Lock()
	f.sender = sender
	f.mu.Unlock()
}

// Active is the number of open streams
func (f *Forwarder) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// Relayed is the total number of bytes carried since start
func (f *Forwarder) Relayed() int64 {
	return f.total.Load()
}

// RelayedFor is the number of bytes carried for one source
func (f *Forwarder) RelayedFor(source string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bySource[source]
}

// Close tears down every stream and waits for them to finish
func (f *Forwarder) Close() {
	f.cancel()

	f.mu.Lock()
	for _, s := range f.streams {
		s.closeInput()
	}
	f.mu.Unlock()

	f.wg.Wait()
}
