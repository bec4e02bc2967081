package streamproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// CorrelationHeader is injected into the page's upstream requests by the
// browser facade before submission. It keys the per-request event channel.
const CorrelationHeader = "X-Proxy-Correlation-Id"

// DefaultStreamPattern matches the AI Studio backend streaming endpoint.
const DefaultStreamPattern = `MakerSuiteService/(Stream)?GenerateContent`

// Interceptor is the local MITM forward proxy (Layer-1 of the acquisition
// pipeline). One channel per in-flight request; no session-level buffering
// beyond the current request's chunks.
type Interceptor struct {
	port      int
	certs     *CertManager
	pattern   *regexp.Regexp
	server    *http.Server
	transport *http.Transport

	mu       sync.Mutex
	channels map[string]chan interfaces.StreamEvent

	healthy atomic.Bool
}

// New builds an interceptor listening on 127.0.0.1:port. An empty pattern
// selects DefaultStreamPattern.
func New(port int, certs *CertManager, pattern string) (*Interceptor, error) {
	if pattern == "" {
		pattern = DefaultStreamPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("streamproxy: bad stream pattern: %w", err)
	}
	return &Interceptor{
		port:    port,
		certs:   certs,
		pattern: re,
		transport: &http.Transport{
			Proxy:                 nil,
			ForceAttemptHTTP2:     false,
			MaxIdleConnsPerHost:   4,
			ResponseHeaderTimeout: 60 * time.Second,
		},
		channels: make(map[string]chan interfaces.StreamEvent),
	}, nil
}

// Start begins accepting proxy connections. Returns once the listener is
// bound; serving continues in the background until Stop.
func (i *Interceptor) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", i.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("streamproxy: listen %s: %w", addr, err)
	}

	i.server = &http.Server{Handler: i}
	i.healthy.Store(true)
	go func() {
		if errServe := i.server.Serve(listener); errServe != nil && errServe != http.ErrServerClosed {
			log.Errorf("streamproxy: serve: %v", errServe)
		}
		i.healthy.Store(false)
	}()
	log.Infof("streamproxy: wire interceptor listening on %s", addr)
	return nil
}

// Stop shuts the proxy down.
func (i *Interceptor) Stop(ctx context.Context) error {
	if i.server == nil {
		return nil
	}
	i.healthy.Store(false)
	return i.server.Shutdown(ctx)
}

// Healthy reports whether the proxy is accepting connections; part of the
// Layer-1 eligibility check.
func (i *Interceptor) Healthy() bool {
	return i.healthy.Load()
}

// Addr returns the proxy address the browser must be pointed at.
func (i *Interceptor) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", i.port)
}

// Register creates the event channel for a correlation id. The caller owns
// the read side; Unregister releases it.
func (i *Interceptor) Register(correlationID string) <-chan interfaces.StreamEvent {
	ch := make(chan interfaces.StreamEvent, 256)
	i.mu.Lock()
	i.channels[correlationID] = ch
	i.mu.Unlock()
	return ch
}

// Unregister removes the channel; subsequent events for the id are dropped.
func (i *Interceptor) Unregister(correlationID string) {
	i.mu.Lock()
	delete(i.channels, correlationID)
	i.mu.Unlock()
}

func (i *Interceptor) publish(correlationID string, event interfaces.StreamEvent) {
	i.mu.Lock()
	ch := i.channels[correlationID]
	i.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- event:
	default:
		log.Warnf("streamproxy: event channel full for %s, dropping event", correlationID)
	}
}

// ServeHTTP handles both CONNECT tunnels and plain proxied requests.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		i.handleConnect(w, r)
		return
	}
	i.forwardPlain(w, r)
}

func (i *Interceptor) forwardPlain(w http.ResponseWriter, r *http.Request) {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	resp, err := i.transport.RoundTrip(outReq)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleConnect terminates the client's TLS with a minted leaf and relays
// inner HTTP requests upstream, teeing matching streaming responses into
// the event channel.
func (i *Interceptor) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	leaf, err := i.certs.LeafFor(host)
	if err != nil {
		log.Errorf("streamproxy: leaf for %s: %v", host, err)
		http.Error(w, "certificate error", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	if _, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	go i.serveTunnel(tlsConn, r.Host)
}

func (i *Interceptor) serveTunnel(conn *tls.Conn, upstreamHost string) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = upstreamHost
		req.RequestURI = ""

		correlationID := req.Header.Get(CorrelationHeader)
		req.Header.Del(CorrelationHeader)

		resp, err := i.transport.RoundTrip(req)
		if err != nil {
			if correlationID != "" {
				i.publish(correlationID, interfaces.StreamEvent{
					Type:      interfaces.EventTransportError,
					ErrKind:   "bad_gateway",
					ErrDetail: err.Error(),
				})
			}
			_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
			return
		}

		if correlationID != "" && i.pattern.MatchString(req.URL.String()) {
			i.teeResponse(resp, correlationID)
		}

		err = resp.Write(conn)
		_ = resp.Body.Close()
		if err != nil {
			return
		}
		if req.Close || resp.Close || strings.EqualFold(req.Header.Get("Connection"), "close") {
			return
		}
	}
}

// teeResponse splices a pipe into the response body so the stream parser
// sees bytes as they flow to the browser, without buffering the body.
func (i *Interceptor) teeResponse(resp *http.Response, correlationID string) {
	pr, pw := io.Pipe()
	original := resp.Body
	body := &teeBody{reader: io.TeeReader(original, pw)}
	body.close = func() error {
		_ = pw.Close()
		return original.Close()
	}
	resp.Body = body
	go i.parseStream(pr, correlationID, resp.StatusCode)
}

type teeBody struct {
	reader io.Reader
	close  func() error
	once   sync.Once
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	if err == io.EOF {
		b.once.Do(func() { _ = b.close() })
	}
	return n, err
}

func (b *teeBody) Close() error {
	var err error
	b.once.Do(func() { err = b.close() })
	return err
}
