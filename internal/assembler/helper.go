package assembler

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/streamproxy"
)

// HelperClient streams the response through the in-page helper endpoint
// (Layer 2). The helper relays the same chunk framing as the wire, so the
// body feeds the shared parser.
type HelperClient struct {
	endpoint string
	client   *http.Client
}

// NewHelperClient builds a client for the configured helper endpoint.
func NewHelperClient(endpoint string) *HelperClient {
	// No overall client timeout: the stream lives as long as the request
	// context allows.
	return &HelperClient{
		endpoint: endpoint,
		client: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		},
	}
}

// Stream fetches the helper stream for one request and publishes the decoded
// events on ch, closing it when the stream ends or fails.
func (h *HelperClient) Stream(ctx context.Context, correlationID string, ch chan<- interfaces.StreamEvent) {
	defer close(ch)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		ch <- interfaces.StreamEvent{Type: interfaces.EventTransportError, ErrKind: "bad_gateway", ErrDetail: err.Error()}
		return
	}
	req.Header.Set(streamproxy.CorrelationHeader, correlationID)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			ch <- interfaces.StreamEvent{Type: interfaces.EventTransportError, ErrKind: "bad_gateway", ErrDetail: err.Error()}
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		kind := "bad_gateway"
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = "rate_limit"
		}
		log.Warnf("assembler: helper endpoint returned %d", resp.StatusCode)
		ch <- interfaces.StreamEvent{Type: interfaces.EventTransportError, ErrKind: kind}
		return
	}

	streamproxy.ParseEvents(resp.Body, func(event interfaces.StreamEvent) {
		select {
		case ch <- event:
		case <-ctx.Done():
		}
	})
}
