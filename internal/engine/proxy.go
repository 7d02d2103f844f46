package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/Klein241/bufferwave/internal/client"
	"github.com/Klein241/bufferwave/internal/dtn"
	"github.com/Klein241/bufferwave/internal/tunnel"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxHeadSize = 64 * 1024
	chunkSize   = 32 * 1024

	// RequestType tags intercepted requests held in the local queue
	RequestType = "http_request"

	connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	badRequest         = "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"
)

// ErrUnsupportedRequest is returned for request lines the proxy cannot route
var ErrUnsupportedRequest = errors.New("unsupported request line")

// Target is the destination of an intercepted request
type Target struct {
	Host    string
	Port    string
	Connect bool
}

// Addr is the host:port the relay dials
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// ParseRequestLine extracts the destination from a CONNECT line or from a
// request line carrying an absolute URI.
func ParseRequestLine(line string) (Target, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedRequest, line)
	}
	method, uri := parts[0], parts[1]

	if method == http.MethodConnect {
		host, port, err := net.SplitHostPort(uri)
		if err != nil || host == "" || port == "" {
			return Target{}, fmt.Errorf("%w: bad authority %q", ErrUnsupportedRequest, uri)
		}
		return Target{Host: host, Port: port, Connect: true}, nil
	}

	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return Target{}, fmt.Errorf("%w: not an absolute uri %q", ErrUnsupportedRequest, uri)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return Target{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedRequest, u.Scheme)
		}
	}
	return Target{Host: u.Hostname(), Port: port}, nil
}

// readHead reads up to and including the blank line ending the header block
func readHead(r *bufio.Reader) ([]byte, string, error) {
	var head bytes.Buffer
	var first string
	for {
		line, err := r.ReadBytes('\n')
		head.Write(line)
		if head.Len() > maxHeadSize {
			return nil, "", fmt.Errorf("request head exceeds %d bytes", maxHeadSize)
		}
		if err != nil {
			return nil, "", err
		}
		if first == "" {
			first = strings.TrimRight(string(line), "\r\n")
			continue
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return head.Bytes(), first, nil
		}
	}
}

// Serve accepts intercepted connections until ctx is done and then waits for
// the ones in flight.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	defer e.streams.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("failed to accept: %w", err)
		}
		e.streams.Add(1)
		go func() {
			defer e.streams.Done()
			e.handle(ctx, conn)
		}()
	}
}

func (e *Engine) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	br := bufio.NewReader(conn)
	head, line, err := readHead(br)
	if err != nil {
		e.logger.Debug("failed to read request head", zap.Error(err))
		return
	}
	target, err := ParseRequestLine(line)
	if err != nil {
		e.logger.Debug("request rejected", zap.Error(err))
		io.WriteString(conn, badRequest)
		return
	}

	tc := e.session()
	if tc == nil {
		e.hold(ctx, conn, target, head, true)
		return
	}
	e.forward(ctx, conn, br, tc, target, head)
}

// forward streams one intercepted connection through the tunnel
func (e *Engine) forward(ctx context.Context, conn net.Conn, br *bufio.Reader, tc *client.TunnelClient, target Target, head []byte) {
	requestID := uuid.NewString()
	log := e.logger.With(zap.String("request_id", requestID), zap.String("target", target.Addr()))

	stream := tc.Open(requestID)
	defer stream.Close()

	first := tunnel.Forward{RequestID: requestID, Target: target.Addr()}
	if !target.Connect {
		first.Payload = head
	}
	if err := tc.Send(first); err != nil {
		log.Debug("failed to open stream", zap.Error(err))
		e.hold(ctx, conn, target, head, true)
		return
	}

	var early tunnel.ResponseToSource
	timer := e.clock.Timer(e.opts.HandshakeTimeout)
	select {
	case ev := <-stream.Events():
		resp, ok := ev.(tunnel.ResponseToSource)
		if !ok {
			timer.Stop()
			log.Info("relay unavailable, request stored", zap.String("frame", fmt.Sprintf("%T", ev)))
			e.lost(tc, "relay unavailable")
			e.hold(ctx, conn, target, head, true)
			return
		}
		early = resp
	case <-stream.Done():
		timer.Stop()
		e.hold(ctx, conn, target, head, true)
		return
	case <-timer.C:
		log.Info("relay did not answer in time, request stored")
		tc.Send(tunnel.Forward{RequestID: requestID, Close: true})
		e.hold(ctx, conn, target, head, true)
		return
	case <-ctx.Done():
		timer.Stop()
		return
	}
	timer.Stop()

	if target.Connect {
		if _, err := io.WriteString(conn, connectEstablished); err != nil {
			tc.Send(tunnel.Forward{RequestID: requestID, Close: true})
			return
		}
	}
	delivered := false
	if len(early.Payload) > 0 {
		if _, err := conn.Write(early.Payload); err != nil {
			tc.Send(tunnel.Forward{RequestID: requestID, Close: true})
			return
		}
		delivered = true
	}
	if early.Close {
		tc.Send(tunnel.Forward{RequestID: requestID, Close: true})
		return
	}

	upstream := make(chan struct{})
	go func() {
		defer close(upstream)
		buf := make([]byte, chunkSize)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if sendErr := tc.Send(tunnel.Forward{RequestID: requestID, Target: target.Addr(), Payload: chunk}); sendErr != nil {
					return
				}
			}
			if err != nil {
				tc.Send(tunnel.Forward{RequestID: requestID, Close: true})
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-upstream
	}()

	for {
		select {
		case ev := <-stream.Events():
			switch f := ev.(type) {
			case tunnel.ResponseToSource:
				if len(f.Payload) > 0 {
					if _, err := conn.Write(f.Payload); err != nil {
						log.Debug("caller went away", zap.Error(err))
						return
					}
					delivered = true
				}
				if f.Close {
					return
				}
			case tunnel.RelayLost, tunnel.DTNMode:
				log.Info("relay lost mid-flight, request stored")
				e.lost(tc, "relay lost")
				e.hold(ctx, conn, target, head, !target.Connect && !delivered)
				return
			}
		case <-stream.Done():
			log.Info("tunnel closed mid-flight, request stored")
			e.hold(ctx, conn, target, head, !target.Connect && !delivered)
			return
		case <-ctx.Done():
			return
		}
	}
}

// hold stores the request in the local queue and, when the caller has not
// seen any response yet, answers with the stored-for-later page.
func (e *Engine) hold(ctx context.Context, conn net.Conn, target Target, head []byte, answer bool) {
	if _, err := e.queue.Add(ctx, dtn.Entry{FromUser: e.opts.UserID, Payload: head, Type: RequestType}); err != nil {
		e.logger.Warn("failed to store request", zap.String("target", target.Addr()), zap.Error(err))
	}
	size, err := e.queue.Size(ctx)
	if err != nil {
		e.logger.Warn("failed to read queue size", zap.Error(err))
	}
	if !answer {
		return
	}
	if err := writeStoredPage(conn, target.Host, size); err != nil {
		e.logger.Debug("failed to answer caller", zap.Error(err))
	}
}

const storedPage = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>BufferWave</title></head>` +
	`<body><h1>No signal</h1><p>%s</p>` +
	`<p>Request stored, it will be delivered as soon as a signal is detected.</p>` +
	`<p>DTN queue: %d pending</p></body></html>`

func writeStoredPage(w io.Writer, host string, queued int) error {
	body := fmt.Sprintf(storedPage, html.EscapeString(host), queued)
	_, err := fmt.Fprintf(w, "HTTP/1.1 503 Service Unavailable\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n\r\n%s", len(body), body)
	return err
}
