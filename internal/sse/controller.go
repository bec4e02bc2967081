// Package sse implements the streaming lifecycle controller: the request
// scoped state machine that enforces TTFB and silence budgets over the
// acquisition event channel, snoozes while the page still shows active
// generation, propagates client cancellation, and renders OpenAI-compatible
// Server-Sent-Events chunks.
package sse

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// State of the lifecycle controller.
type State int

const (
	StateArmed State = iota
	StateStreaming
	StateSilenceCheck
	StateCompleted
	StateTTFBTimeout
	StateStaleTimeout
	StateCancelled
	StateError
)

// uiProbeTimeout bounds the generation-active check during a silence check.
const uiProbeTimeout = 2000 * time.Millisecond

// minSilence is the floor the snooze halving never goes below.
const minSilence = time.Second

// Budgets are the timing limits of one request.
type Budgets struct {
	// TTFB is the budget from submission to the first event.
	TTFB time.Duration
	// Silence is the budget between consecutive events. Always >= TTFB.
	Silence time.Duration
	// Total is the overall request budget; 3x Total is the hard cap after
	// which even an active UI no longer postpones the stale timeout.
	Total time.Duration
}

// ComputeBudgets derives the budgets from config. The silence budget is the
// larger of the configured floor and half the total timeout, never smaller
// than the TTFB budget, and capped at three times the total.
func ComputeBudgets(cfg *config.Config) Budgets {
	total := time.Duration(cfg.ResponseCompletionTimeout) * time.Millisecond
	ttfb := time.Duration(cfg.TTFBTimeoutMs()) * time.Millisecond

	silence := time.Duration(cfg.SilenceTimeoutDefault) * time.Millisecond
	if half := total / 2; half > silence {
		silence = half
	}
	if silence < ttfb {
		silence = ttfb
	}
	if cap := 3 * total; silence > cap {
		silence = cap
	}
	return Budgets{TTFB: ttfb, Silence: silence, Total: total}
}

// UIProbe reports whether the page still shows generation in progress. Used
// to snooze the silence budget instead of failing a slow but live response.
type UIProbe func(ctx context.Context) (bool, error)

// Result summarizes a finished controller run.
type Result struct {
	State    State
	Received int
	// Source is filled in by the worker with the acquisition layer that
	// produced the events.
	Source string
	// FinishReason is set when an EventFinish arrived.
	FinishReason string
	// WireClosed means the event channel closed without a finish event;
	// the DOM assembler may take over from where the wire stopped.
	WireClosed bool
}

// Controller runs the lifecycle state machine over one event channel.
type Controller struct {
	budgets Budgets
	events  <-chan interfaces.StreamEvent
	probe   UIProbe
}

// NewController builds a controller. probe may be nil when no DOM tracking
// is available; a silence expiry is then immediately stale.
func NewController(budgets Budgets, events <-chan interfaces.StreamEvent, probe UIProbe) *Controller {
	return &Controller{budgets: budgets, events: events, probe: probe}
}

// Run consumes events until completion, timeout or cancellation, invoking
// onEvent for every delta in arrival order. onEvent errors are treated as a
// client disconnect.
func (c *Controller) Run(ctx context.Context, onEvent func(interfaces.StreamEvent) error) (*Result, *interfaces.ProxyError) {
	result := &Result{State: StateArmed}
	started := time.Now()
	silence := c.budgets.Silence

	timer := time.NewTimer(c.budgets.TTFB)
	defer timer.Stop()

	rearm := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-ctx.Done():
			result.State = StateCancelled
			return result, interfaces.NewError(interfaces.KindClientClosed, "client_closed_request",
				"client disconnected before the response completed")

		case event, ok := <-c.events:
			if !ok {
				result.WireClosed = true
				if result.State == StateArmed {
					result.State = StateError
					return result, interfaces.NewError(interfaces.KindBadGateway, "layer_failed",
						"acquisition layer closed before producing any event")
				}
				result.State = StateCompleted
				return result, nil
			}

			switch event.Type {
			case interfaces.EventFinish:
				result.State = StateCompleted
				result.FinishReason = event.FinishReason
				return result, nil

			case interfaces.EventTransportError:
				result.State = StateError
				return result, transportError(event)

			default:
				if result.State == StateArmed {
					result.State = StateStreaming
				}
				result.Received++
				if err := onEvent(event); err != nil {
					result.State = StateCancelled
					return result, interfaces.NewError(interfaces.KindClientClosed, "client_closed_request",
						"client write failed: "+err.Error())
				}
				rearm(silence)
			}

		case <-timer.C:
			if result.State == StateArmed {
				result.State = StateTTFBTimeout
				return result, interfaces.NewErrorf(interfaces.KindGatewayTimeout, "ttfb_timeout",
					"no response event within %s of submission", c.budgets.TTFB)
			}

			// Silence expired mid-stream; ask the UI before giving up.
			result.State = StateSilenceCheck
			if time.Since(started) >= 3*c.budgets.Total {
				result.State = StateStaleTimeout
				return result, interfaces.NewError(interfaces.KindGatewayTimeout, "stale_timeout",
					"stream stalled past the hard cap")
			}
			if c.uiActive(ctx) {
				// Snooze: the page is still generating, halve the
				// remaining patience and keep listening.
				silence = silence / 2
				if silence < minSilence {
					silence = minSilence
				}
				log.Debugf("sse: silence snooze, next budget %s", silence)
				result.State = StateStreaming
				rearm(silence)
				continue
			}
			result.State = StateStaleTimeout
			return result, interfaces.NewErrorf(interfaces.KindGatewayTimeout, "stale_timeout",
				"no event for %s and the page reports idle", silence)
		}
	}
}

func (c *Controller) uiActive(ctx context.Context) bool {
	if c.probe == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, uiProbeTimeout)
	defer cancel()
	active, err := c.probe(probeCtx)
	if err != nil {
		log.Debugf("sse: UI probe failed: %v", err)
		return false
	}
	return active
}

func transportError(event interfaces.StreamEvent) *interfaces.ProxyError {
	switch event.ErrKind {
	case "quota_exceeded":
		return interfaces.NewError(interfaces.KindQuota, "quota_exceeded", event.ErrDetail)
	case "rate_limit":
		return interfaces.NewError(interfaces.KindRateLimit, "rate_limit", event.ErrDetail)
	case "transient_dom":
		return interfaces.NewError(interfaces.KindTransientDOM, "dom_read_failed", event.ErrDetail)
	default:
		detail := event.ErrDetail
		if detail == "" {
			detail = "upstream stream failed"
		}
		return interfaces.NewError(interfaces.KindBadGateway, "bad_gateway", detail)
	}
}
