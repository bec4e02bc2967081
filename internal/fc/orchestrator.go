package fc

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/browser"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/logging"
)

// Plan is the per-request outcome of tool preparation: which pipeline is
// active, what was installed, and the prompt preamble for emulated mode.
type Plan struct {
	// Decls is nil when the request carries no function tools.
	Decls *Declarations
	// NativeActive means the page UI holds the declarations; the tools
	// catalog must not also be injected into the prompt.
	NativeActive bool
	// EmulatedPreamble is prepended to the system prompt when the emulated
	// pipeline is active.
	EmulatedPreamble string
	// Warnings surface non-fatal adjustments (disabled page tools, native
	// fallback) in the response metadata.
	Warnings []string
}

// Orchestrator drives tool-call preparation and response parsing for the
// queue worker.
type Orchestrator struct {
	cfg    *config.Config
	logger *log.Logger
}

// NewOrchestrator builds the orchestrator with its fc_debug sink.
func NewOrchestrator(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		logger: logging.FCDebugLogger("orchestrator"),
	}
}

// Prepare converts the request tools and sets up the selected pipeline on
// the session. With no tools it returns an empty plan and never touches the
// page toggle.
func (o *Orchestrator) Prepare(ctx context.Context, session *browser.Session, toolsJSON gjson.Result, params *interfaces.Params) (*Plan, *interfaces.ProxyError) {
	decls, convErr := ConvertTools(toolsJSON)
	if convErr != nil {
		return nil, convErr
	}
	plan := &Plan{Decls: decls}
	if decls == nil {
		return plan, nil
	}

	mode := o.cfg.FunctionCalling.Mode
	if mode == "native" || mode == "auto" {
		// Native declarations and the page's built-in tools cannot be
		// active at the same time; the built-ins lose, with a warning.
		if params.GoogleSearch || params.URLContext {
			params.GoogleSearch = false
			params.URLContext = false
			plan.Warnings = append(plan.Warnings,
				"google_search and url_context are disabled while native function calling is active")
		}

		if err := o.ensureNative(ctx, session, decls); err == nil {
			plan.NativeActive = true
			return plan, nil
		} else if mode == "native" && !o.cfg.FunctionCalling.FallbackOnFailure {
			return nil, err
		} else {
			plan.Warnings = append(plan.Warnings, "native function calling unavailable, using emulated mode")
			o.logger.Warnf("native setup failed, falling back to emulated: %v", err)
		}
	}

	plan.EmulatedPreamble = BuildEmulatedPreamble(toolsJSON)
	return plan, nil
}

// ensureNative makes the page hold exactly decls with the toggle on. A
// digest cache hit skips every UI step, which is the performance-critical
// path.
func (o *Orchestrator) ensureNative(ctx context.Context, session *browser.Session, decls *Declarations) *interfaces.ProxyError {
	if o.cacheHit(session, decls) {
		o.logger.Debugf("declarations cache hit, digest=%s", decls.Digest[:12])
		return nil
	}

	uiTimeout := time.Duration(o.cfg.FunctionCalling.UITimeout) * time.Millisecond
	attempts := o.cfg.FunctionCalling.NativeRetryCount + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := o.installOnce(ctx, session, decls, uiTimeout); err != nil {
			lastErr = err
			o.logger.Warnf("native install attempt %d/%d failed: %v", attempt+1, attempts, err)
			continue
		}
		session.SetToggleEnabled(true)
		session.RecordDeclarations(decls.Digest, decls.Names)
		o.logger.Debugf("installed %d declarations, digest=%s", len(decls.Names), decls.Digest[:12])
		return nil
	}
	return interfaces.NewErrorf(interfaces.KindTransientDOM, "native_mode_unavailable",
		"declarations setup failed after %d attempts: %v", attempts, lastErr)
}

func (o *Orchestrator) installOnce(ctx context.Context, session *browser.Session, decls *Declarations, uiTimeout time.Duration) error {
	facade := session.Facade()

	toggleCtx, cancel := context.WithTimeout(ctx, uiTimeout)
	defer cancel()
	enabled, err := facade.FunctionToggleEnabled(toggleCtx)
	if err != nil {
		return fmt.Errorf("read toggle: %w", err)
	}
	if !enabled {
		if err = facade.SetFunctionToggle(toggleCtx, true); err != nil {
			return fmt.Errorf("enable toggle: %w", err)
		}
	}

	installCtx, cancelInstall := context.WithTimeout(ctx, uiTimeout)
	defer cancelInstall()
	if err = facade.InstallDeclarations(installCtx, decls.CanonicalJSON); err != nil {
		return fmt.Errorf("install declarations: %w", err)
	}
	return nil
}

func (o *Orchestrator) cacheHit(session *browser.Session, decls *Declarations) bool {
	if !o.cfg.FunctionCalling.CacheEnabled {
		return false
	}
	if session.DeclDigest() != decls.Digest || !session.ToggleEnabled() {
		return false
	}
	if ttl := o.cfg.FunctionCalling.CacheTTL; ttl > 0 {
		if time.Since(session.DeclInstalledAt()) > time.Duration(ttl)*time.Second {
			return false
		}
	}
	return true
}

// PostRequestCleanup applies the clear_between_requests policy. A live
// cache entry implies skipping both the clear and the next re-install, so
// with caching enabled the clear is suppressed.
func (o *Orchestrator) PostRequestCleanup(ctx context.Context, session *browser.Session) {
	if !o.cfg.FunctionCalling.ClearBetweenRequests {
		return
	}
	if o.cfg.FunctionCalling.CacheEnabled && session.DeclDigest() != "" {
		o.logger.Debug("clear_between_requests suppressed by live declarations cache")
		return
	}
	if session.ToggleEnabled() {
		if err := session.Facade().SetFunctionToggle(ctx, false); err != nil {
			o.logger.Warnf("post-request toggle clear failed: %v", err)
			return
		}
	}
	session.ResetDeclarations()
}

// ExtractCalls runs the parsing strategies in reliability order: structured
// wire events, native DOM widgets, then the emulated text protocol. Names
// are resolved against the registered set with prefix repair; unresolved
// names become warnings instead of calls.
func (o *Orchestrator) ExtractCalls(wire []ParsedCall, widgets []browser.FunctionCallWidget, finalText string, registered map[string]struct{}) ([]interfaces.ToolCall, []string) {
	parsed := wire
	if len(parsed) == 0 && len(widgets) > 0 {
		for _, widget := range widgets {
			parsed = append(parsed, ParsedCall{Name: widget.Name, Arguments: widget.ArgumentsJSON})
		}
	}
	if len(parsed) == 0 && finalText != "" {
		parsed = ParseEmulatedText(finalText)
	}
	if len(parsed) == 0 {
		return nil, nil
	}

	manager := NewCallManager()
	threshold := o.cfg.FunctionCalling.FuzzyMatchThreshold
	var calls []interfaces.ToolCall
	var warnings []string
	for _, candidate := range parsed {
		name := candidate.Name
		if len(registered) > 0 {
			resolved, ok := ResolveName(name, registered, threshold)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("unknown tool %q in model output", name))
				o.logger.Warnf("unknown tool %q, no prefix match above %.2f", name, threshold)
				continue
			}
			if resolved != name {
				o.logger.Debugf("repaired truncated tool name %q -> %q", name, resolved)
				name = resolved
			}
		}
		args := normalizeArguments(candidate.Arguments)
		calls = append(calls, interfaces.ToolCall{
			ID:        manager.Register(name, args),
			Name:      name,
			Arguments: args,
		})
	}
	return calls, warnings
}

// BuildEmulatedPreamble renders the tool catalog and protocol line injected
// into the system prompt when the emulated pipeline is active.
func BuildEmulatedPreamble(toolsJSON gjson.Result) string {
	var b strings.Builder
	b.WriteString("You have access to the following functions:\n")
	toolsJSON.ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		if !fn.Exists() {
			return true
		}
		name := fn.Get("name").String()
		if name == "" {
			return true
		}
		b.WriteString("- ")
		b.WriteString(name)
		if desc := fn.Get("description").String(); desc != "" {
			b.WriteString(": ")
			b.WriteString(firstLine(desc))
		}
		b.WriteString("\n")
		if params := fn.Get("parameters"); params.Exists() {
			b.WriteString("  Arguments JSON schema: ")
			b.WriteString(params.Raw)
			b.WriteString("\n")
		}
		return true
	})
	b.WriteString("\nTo call a function, emit exactly: `Request function call: <name>` followed by a JSON object on the next line.\n")
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
