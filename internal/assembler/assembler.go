// Package assembler acquires the model response through one of three layers
// and assembles it into the canonical internal response. Layer 1 taps the
// wire through the local interceptor, Layer 2 asks the in-page helper
// endpoint, Layer 3 synthesizes a pseudo-stream from DOM polling. Layers are
// tried in that order; a layer that failed before producing any event is
// escalated past, never silently retried after events have flowed.
package assembler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/browser"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/streamproxy"
)

// Source identifies the acquisition layer a stream came from.
type Source string

const (
	SourceWire   Source = "wire"
	SourceHelper Source = "helper"
	SourceDOM    Source = "dom"
)

// stablePollInterval paces the ResponseStable polling during finalization.
const stablePollInterval = 500 * time.Millisecond

// Assembler owns layer eligibility and stream construction for the worker.
type Assembler struct {
	cfg         *config.Config
	interceptor *streamproxy.Interceptor
	helper      *HelperClient
	facade      browser.Facade
}

// New builds the assembler. interceptor may be nil when the wire layer is
// disabled; the helper layer activates only when the endpoint is configured.
func New(cfg *config.Config, interceptor *streamproxy.Interceptor, facade browser.Facade) *Assembler {
	a := &Assembler{cfg: cfg, interceptor: interceptor, facade: facade}
	if cfg.HelperEndpoint != "" {
		a.helper = NewHelperClient(cfg.HelperEndpoint)
	}
	return a
}

// Sources returns the eligible layers in preference order. The DOM layer is
// always last and always present.
func (a *Assembler) Sources() []Source {
	var sources []Source
	if a.interceptor != nil && a.interceptor.Healthy() {
		sources = append(sources, SourceWire)
	}
	if a.helper != nil {
		sources = append(sources, SourceHelper)
	}
	return append(sources, SourceDOM)
}

// Stream is one opened acquisition layer. Close releases it; closing is
// idempotent only through the worker's single ownership.
type Stream struct {
	Source Source
	Events <-chan interfaces.StreamEvent
	close  func()
}

// Close releases the layer's resources and stops its goroutine if any.
func (s *Stream) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open starts the given layer for one request. The wire layer must be opened
// before the prompt is submitted so the correlation channel exists when the
// first upstream bytes arrive; the helper and DOM layers start polling
// immediately and are opened after submission.
func (a *Assembler) Open(ctx context.Context, source Source, correlationID string) *Stream {
	switch source {
	case SourceWire:
		events := a.interceptor.Register(correlationID)
		return &Stream{
			Source: SourceWire,
			Events: events,
			close:  func() { a.interceptor.Unregister(correlationID) },
		}

	case SourceHelper:
		streamCtx, cancel := context.WithCancel(ctx)
		events := make(chan interfaces.StreamEvent, 256)
		go a.helper.Stream(streamCtx, correlationID, events)
		return &Stream{Source: SourceHelper, Events: events, close: cancel}

	default:
		streamCtx, cancel := context.WithCancel(ctx)
		events := make(chan interfaces.StreamEvent, 256)
		delay := time.Duration(a.cfg.PseudoStreamDelay * float64(time.Second))
		go pseudoStream(streamCtx, a.facade, delay, events)
		return &Stream{Source: SourceDOM, Events: events, close: cancel}
	}
}

// Escalate reports the layer to try after source failed before its first
// event. Returns false when source was already the last resort.
func (a *Assembler) Escalate(source Source) (Source, bool) {
	sources := a.Sources()
	for i, candidate := range sources {
		if candidate == source && i+1 < len(sources) {
			log.Warnf("assembler: layer %s failed before first event, escalating to %s", source, sources[i+1])
			return sources[i+1], true
		}
	}
	return "", false
}

// FinalState is the settled DOM view of a finished response.
type FinalState struct {
	Text      string
	Reasoning string
	Widgets   []browser.FunctionCallWidget
}

// Finalize waits for the response container to stop changing, then reads the
// final text, the reasoning panel and the native call widgets. Used both for
// non-streaming requests and for DOM takeover when the wire closed without a
// finish event.
func (a *Assembler) Finalize(ctx context.Context) (*FinalState, *interfaces.ProxyError) {
	ticker := time.NewTicker(stablePollInterval)
	defer ticker.Stop()
	for {
		stable, err := a.facade.ResponseStable(ctx)
		if err != nil {
			return nil, interfaces.NewErrorf(interfaces.KindTransientDOM, "dom_read_failed",
				"stability check failed: %v", err)
		}
		if stable {
			break
		}
		select {
		case <-ctx.Done():
			return nil, interfaces.NewError(interfaces.KindGatewayTimeout, "stale_timeout",
				"response never stabilized within the request budget")
		case <-ticker.C:
		}
	}

	text, err := a.facade.FinalText(ctx)
	if err != nil {
		return nil, interfaces.NewErrorf(interfaces.KindTransientDOM, "dom_read_failed",
			"final text read failed: %v", err)
	}
	reasoning, err := a.facade.ReasoningText(ctx)
	if err != nil {
		log.Debugf("assembler: reasoning read failed: %v", err)
		reasoning = ""
	}
	widgets, err := a.facade.FunctionCallWidgets(ctx)
	if err != nil {
		log.Debugf("assembler: widget scrape failed: %v", err)
		widgets = nil
	}
	return &FinalState{Text: text, Reasoning: reasoning, Widgets: widgets}, nil
}
