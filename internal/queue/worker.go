package queue

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/assembler"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/browser"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/fc"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/pool"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/sse"
)

const (
	refreshTimeout  = 15 * time.Second
	rotationTimeout = 2 * time.Minute
	cleanupTimeout  = 10 * time.Second
	stopClickBudget = time.Second
)

// Worker is the single consumer of the queue. It owns the page: every DOM
// mutation in the process happens on its goroutine while the processing lock
// is held.
type Worker struct {
	cfg          *config.Config
	queue        *Queue
	session      *browser.Session
	pool         *pool.Pool
	orchestrator *fc.Orchestrator
	assembler    *assembler.Assembler
	budgets      sse.Budgets

	canary pool.CanaryFunc
	commit pool.CommitFunc

	running atomic.Bool
	parked  atomic.Bool
}

// NewWorker wires the worker. canary and commit are the rotation probes the
// engine builds on top of the browser facade.
func NewWorker(cfg *config.Config, q *Queue, session *browser.Session, p *pool.Pool,
	orchestrator *fc.Orchestrator, asm *assembler.Assembler, canary pool.CanaryFunc, commit pool.CommitFunc) *Worker {
	return &Worker{
		cfg:          cfg,
		queue:        q,
		session:      session,
		pool:         p,
		orchestrator: orchestrator,
		assembler:    asm,
		budgets:      sse.ComputeBudgets(cfg),
		canary:       canary,
		commit:       commit,
	}
}

// Running reports whether the worker loop is alive; surfaced on /health.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Parked reports whether the worker stopped processing after a fatal session
// failure.
func (w *Worker) Parked() bool {
	return w.parked.Load()
}

// Unpark resumes processing after the engine restored the page.
func (w *Worker) Unpark() {
	w.parked.Store(false)
}

// Run drains the queue until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	log.Info("worker: started")

	prevStream := false
	for {
		req, ok := w.queue.Dequeue(ctx)
		if !ok {
			log.Info("worker: stopped")
			return
		}

		// Back-to-back streaming requests get a short randomized pause so
		// submissions do not hit the page in a mechanical rhythm.
		if prevStream && req.Stream && time.Since(req.EnqueuedAt) < time.Second {
			delay := 500 + rand.Intn(500)
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(delay) * time.Millisecond):
			}
		}
		prevStream = req.Stream

		w.handle(ctx, req)
	}
}

// handle runs one request end to end, including mode gating, recovery and
// cleanup. The outcome is always delivered.
func (w *Worker) handle(ctx context.Context, req *Request) {
	// Cancelled while queued but after dequeue won the race.
	if req.Ctx().Err() != nil {
		w.queue.Finish(req, Outcome{Err: interfaces.NewError(interfaces.KindClientClosed,
			"client_closed_request", "request cancelled before processing")})
		return
	}

	if perr := w.gateOnMode(ctx, req); perr != nil {
		w.queue.Finish(req, Outcome{Err: perr})
		return
	}
	if w.parked.Load() {
		w.queue.Finish(req, Outcome{Err: interfaces.NewError(interfaces.KindFatalSession,
			"worker_parked", "browser session is down, waiting for recovery")})
		return
	}

	log.Infof("worker: processing %s model=%s stream=%v queue=%d",
		req.ID, req.Model, req.Stream, w.queue.Len())

	outcome := w.processWithRecovery(ctx, req)
	if outcome.Response != nil {
		if active := w.pool.Active(); active != nil {
			w.pool.Ledger().AddUsage(active.ID, int64(outcome.Response.Usage.TotalTokens))
		}
	}
	w.queue.Finish(req, outcome)
	w.postRequestCleanup()
}

// gateOnMode blocks or rejects according to the deployment mode and performs
// pending rotations.
func (w *Worker) gateOnMode(ctx context.Context, req *Request) *interfaces.ProxyError {
	for {
		switch w.pool.Mode() {
		case pool.ModeNormal:
			return nil

		case pool.ModeEmergency:
			return interfaces.NewError(interfaces.KindRotationExhausted, "emergency_mode",
				"no usable auth profile remains; request rejected")

		case pool.ModeNeedsRotation:
			if perr := w.rotatePending(ctx); perr != nil {
				return perr
			}

		case pool.ModeQuotaExceeded:
			// Suspended; the watchdog flips the mode back once a cooldown
			// expires.
			select {
			case <-ctx.Done():
				return interfaces.NewError(interfaces.KindInternal, "queue_closed", "server is shutting down")
			case <-req.Ctx().Done():
				return interfaces.NewError(interfaces.KindClientClosed, "client_closed_request",
					"request cancelled while the pool was suspended")
			case <-time.After(time.Second):
			}
		}
	}
}

// processWithRecovery applies the tiered recovery policy around processOne.
func (w *Worker) processWithRecovery(ctx context.Context, req *Request) Outcome {
	var perr *interfaces.ProxyError
	var submitted bool
	var outcome Outcome

	for attempt := 0; attempt < 2; attempt++ {
		outcome, submitted, perr = w.processOne(ctx, req)
		if perr == nil {
			return outcome
		}

		switch perr.Kind {
		case interfaces.KindTransientDOM:
			if attempt > 0 {
				break
			}
			// One quick refresh, one retry. Only valid when the prompt
			// never reached the page.
			if submitted {
				break
			}
			log.Warnf("worker: transient DOM failure on %s, refreshing: %v", req.ID, perr)
			refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
			err := w.session.Facade().Refresh(refreshCtx)
			cancel()
			if err != nil {
				log.Errorf("worker: refresh failed, parking worker: %v", err)
				w.parked.Store(true)
				return Outcome{Err: interfaces.NewError(interfaces.KindFatalSession,
					"session_lost", "page refresh failed during recovery")}
			}
			w.session.InvalidateModel()
			w.session.ResetDeclarations()
			continue

		case interfaces.KindQuota, interfaces.KindRateLimit:
			retry, rotErr := w.recoverQuota(ctx, req, perr.Kind, submitted)
			if rotErr != nil {
				return Outcome{Err: rotErr}
			}
			if retry && attempt == 0 {
				log.Infof("worker: retrying %s on the rotated profile", req.ID)
				continue
			}

		case interfaces.KindGatewayTimeout, interfaces.KindClientClosed:
			w.clickStop()

		case interfaces.KindFatalSession:
			w.parked.Store(true)
		}
		break
	}
	return Outcome{Err: perr}
}

// rotatePending runs the rotation the pool recorded, so a quota trigger
// keeps excluding profiles cooled for the model that tripped it. On failure
// the queue is drained; the pool is already in emergency mode by then.
func (w *Worker) rotatePending(ctx context.Context) *interfaces.ProxyError {
	trigger, model := w.pool.PendingRotation()
	rotCtx, cancel := context.WithTimeout(ctx, rotationTimeout)
	_, perr := w.pool.Rotate(rotCtx, trigger, model, w.canary, w.commit)
	cancel()
	if perr != nil {
		drained := w.queue.Drain(perr)
		log.Errorf("worker: rotation failed, drained %d queued requests", drained)
		return perr
	}
	w.session.InvalidateModel()
	w.session.ResetDeclarations()
	return nil
}

// recoverQuota cools the active profile, rotates in the same queue turn and
// reports whether the failed request may be retried on the new profile. A
// retry is only allowed when the prompt never reached the upstream.
func (w *Worker) recoverQuota(ctx context.Context, req *Request, kind interfaces.ErrorKind, submitted bool) (bool, *interfaces.ProxyError) {
	trigger, reason, model := pool.TriggerRateLimit, pool.ReasonRateLimit, ""
	if kind == interfaces.KindQuota {
		trigger, reason, model = pool.TriggerQuota, pool.ReasonQuotaExceeded, req.Model
	}
	w.pool.MarkActiveCooldown(reason, model)
	w.pool.RequestRotation(trigger, model)
	if perr := w.rotatePending(ctx); perr != nil {
		return false, perr
	}
	return !submitted, nil
}

// processOne runs the full pipeline for one request: model, parameters,
// tools, submission, acquisition, assembly. submitted reports whether the
// prompt reached the page, which gates retries.
func (w *Worker) processOne(ctx context.Context, req *Request) (Outcome, bool, *interfaces.ProxyError) {
	opCtx := req.Ctx()

	if !w.session.Ready() {
		return Outcome{}, false, interfaces.NewError(interfaces.KindFatalSession,
			"session_lost", "browser page is not ready")
	}

	if perr := w.session.EnsureModel(opCtx, req.Model); perr != nil {
		return Outcome{}, false, perr
	}

	plan, perr := w.orchestrator.Prepare(opCtx, w.session, req.Tools, &req.Params)
	if perr != nil {
		return Outcome{}, false, perr
	}

	if perr = w.session.ApplyParams(opCtx, req.Params, w.cfg, req.Model); perr != nil {
		return Outcome{}, false, perr
	}

	preamble := ""
	if plan.Decls != nil && !plan.NativeActive {
		preamble = plan.EmulatedPreamble
	}
	prompt, attachments := ComposePrompt(req.Messages, preamble, w.cfg.OnlyCollectCurrentUserAttachments)
	if prompt == "" {
		return Outcome{}, false, interfaces.NewError(interfaces.KindValidation,
			"empty_prompt", "messages contain no usable text")
	}

	correlationID := uuid.NewString()
	sources := w.assembler.Sources()
	source := sources[0]

	// The wire channel must exist before submission or the first chunks
	// race past it.
	var stream *assembler.Stream
	if source == assembler.SourceWire {
		stream = w.assembler.Open(opCtx, source, correlationID)
	}

	if err := w.session.Facade().SubmitPrompt(opCtx, prompt, attachments, correlationID); err != nil {
		if stream != nil {
			stream.Close()
		}
		if opCtx.Err() != nil {
			return Outcome{}, false, interfaces.NewError(interfaces.KindClientClosed,
				"client_closed_request", "request cancelled during submission")
		}
		return Outcome{}, false, interfaces.NewErrorf(interfaces.KindTransientDOM,
			"submit_failed", "prompt submission failed: %v", err)
	}

	collector, result, perr := w.acquire(opCtx, req, stream, source, correlationID)
	if perr != nil {
		return Outcome{}, true, perr
	}

	outcome, perr := w.assemble(opCtx, req, plan, prompt, collector, result)
	return outcome, true, perr
}

// acquire runs the lifecycle controller over the selected layer, escalating
// to the next layer when one fails before its first event.
func (w *Worker) acquire(opCtx context.Context, req *Request, stream *assembler.Stream,
	source assembler.Source, correlationID string) (*assembler.Collector, *sse.Result, *interfaces.ProxyError) {

	probe := func(ctx context.Context) (bool, error) {
		return w.session.Facade().GenerationActive(ctx)
	}

	for {
		if stream == nil {
			stream = w.assembler.Open(opCtx, source, correlationID)
		}

		collector := assembler.NewCollector()
		onEvent := func(event interfaces.StreamEvent) error {
			collector.Apply(event)
			if req.OnDelta == nil {
				return nil
			}
			switch event.Type {
			case interfaces.EventTextDelta, interfaces.EventReasoningDelta:
				return req.OnDelta(event)
			}
			return nil
		}

		controller := sse.NewController(w.budgets, stream.Events, probe)
		result, perr := controller.Run(opCtx, onEvent)
		stream.Close()

		if perr != nil && perr.Code == "layer_failed" && result.Received == 0 {
			next, ok := w.assembler.Escalate(source)
			if ok {
				source = next
				stream = nil
				continue
			}
		}
		if perr != nil {
			return nil, nil, perr
		}
		result.Source = string(source)
		return collector, result, nil
	}
}

// assemble turns the collected stream plus the settled DOM state into the
// canonical response.
func (w *Worker) assemble(opCtx context.Context, req *Request, plan *fc.Plan, prompt string,
	collector *assembler.Collector, result *sse.Result) (Outcome, *interfaces.ProxyError) {

	needFinalize := result.WireClosed ||
		result.Source == string(assembler.SourceDOM) ||
		(plan.Decls != nil && len(collector.Calls()) == 0)

	var final *assembler.FinalState
	if needFinalize {
		finalizeCtx, cancel := context.WithTimeout(opCtx, w.budgets.Total)
		state, perr := w.assembler.Finalize(finalizeCtx)
		cancel()
		if perr != nil {
			if collector.Content() == "" && len(collector.Calls()) == 0 {
				return Outcome{}, perr
			}
			log.Warnf("worker: finalize failed on %s, keeping streamed content: %v", req.ID, perr)
		} else {
			final = state
		}
	}

	content := collector.Content()
	tail := ""
	reasoning := collector.Reasoning()
	var widgets []browser.FunctionCallWidget
	if final != nil {
		content, tail = collector.ReconcileFinal(final.Text)
		if reasoning == "" {
			reasoning = final.Reasoning
		}
		widgets = final.Widgets
	}

	var calls []interfaces.ToolCall
	var warnings []string
	if plan.Decls != nil {
		calls, warnings = w.orchestrator.ExtractCalls(collector.Calls(), widgets, content, plan.Decls.Names)
		if len(calls) > 0 && len(collector.Calls()) == 0 && len(widgets) == 0 {
			// Calls came from the emulated text protocol; strip the
			// protocol lines from the visible answer.
			content = fc.RemoveEmulatedCalls(content)
			tail = ""
		}
	}

	finish := result.FinishReason
	if len(calls) > 0 {
		finish = interfaces.FinishToolCalls
	} else if finish == "" {
		finish = interfaces.FinishStop
	}

	resp := &interfaces.InternalResponse{
		Content:      content,
		Reasoning:    reasoning,
		ToolCalls:    calls,
		FinishReason: finish,
		Usage:        assembler.EstimateUsage(prompt, content+reasoning),
		Warnings:     append(plan.Warnings, warnings...),
	}
	return Outcome{Response: resp, StreamedTail: tail}, nil
}

// postRequestCleanup runs with a detached context so a cancelled request
// still leaves the page clean for the next one.
func (w *Worker) postRequestCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	w.orchestrator.PostRequestCleanup(ctx, w.session)

	if w.cfg.ClearChatAfterRequest {
		if err := w.session.Facade().ClearChat(ctx); err != nil {
			log.Warnf("worker: post-request chat clear failed: %v", err)
			return
		}
		w.session.ResetDeclarations()
	}
}

func (w *Worker) clickStop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopClickBudget)
	defer cancel()
	if err := w.session.Facade().ClickStop(ctx); err != nil {
		log.Debugf("worker: stop click failed: %v", err)
	}
}
