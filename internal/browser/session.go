package browser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// Session tracks what the engine believes about the live page: current
// model, last applied parameter fingerprint, installed function
// declarations. There is exactly one Session per process. All mutation goes
// through the queue worker while it holds the processing lock; the session
// itself carries no lock for those fields.
type Session struct {
	facade Facade

	currentModelID   string
	paramFingerprint string

	declDigest      string
	declNames       map[string]struct{}
	declInstalledAt time.Time
	toggleEnabled   bool

	// ModelSwitchLock coordinates model switching with the quota watchdog
	// during deployment-mode transitions.
	ModelSwitchLock sync.Mutex
}

// NewSession wraps a facade with empty cached state.
func NewSession(facade Facade) *Session {
	return &Session{facade: facade}
}

// Facade exposes the underlying page driver.
func (s *Session) Facade() Facade {
	return s.facade
}

// Ready reports whether the page can accept requests. The API adapter
// rejects requests while this is false.
func (s *Session) Ready() bool {
	return s.facade.Connected() && s.facade.PageReady()
}

// CurrentModelID returns the model the page is believed to be on, empty when
// unknown (e.g. right after a profile rotation).
func (s *Session) CurrentModelID() string {
	return s.currentModelID
}

// InvalidateModel forgets the cached model so the next request forces a
// switch. Called after profile rotation.
func (s *Session) InvalidateModel() {
	s.currentModelID = ""
	s.paramFingerprint = ""
}

// EnsureModel makes sure the page is on modelID. Idempotent: a repeated call
// with the cached model is a no-op. On failure the cached model is restored
// to its pre-switch value and the request fails as model_not_available.
func (s *Session) EnsureModel(ctx context.Context, modelID string) *interfaces.ProxyError {
	if s.currentModelID == modelID {
		return nil
	}

	s.ModelSwitchLock.Lock()
	defer s.ModelSwitchLock.Unlock()

	previous := s.currentModelID
	if err := s.facade.SwitchModel(ctx, modelID); err != nil {
		s.currentModelID = previous
		return interfaces.NewErrorf(interfaces.KindValidation, "model_not_available",
			"failed to switch page to model %q: %v", modelID, err)
	}

	s.currentModelID = modelID
	// A model switch resets the page's function-calling editor.
	s.ResetDeclarations()
	s.paramFingerprint = ""
	log.Debugf("session: switched model %q -> %q", previous, modelID)
	return nil
}

// ApplyParams pushes the request parameters onto the page. Unchanged
// parameter sets are detected by fingerprint and skipped. Failures are
// transient DOM errors.
func (s *Session) ApplyParams(ctx context.Context, params interfaces.Params, cfg *config.Config, modelID string) *interfaces.ProxyError {
	resolved := resolveParams(params, cfg, modelID)
	fingerprint := paramsFingerprint(resolved)
	if fingerprint == s.paramFingerprint {
		return nil
	}

	for _, kv := range resolved {
		if err := s.facade.SetParameter(ctx, kv.name, kv.value); err != nil {
			return interfaces.NewErrorf(interfaces.KindTransientDOM, "parameter_set_failed",
				"failed to set %s: %v", kv.name, err)
		}
	}

	s.paramFingerprint = fingerprint
	return nil
}

// DeclDigest returns the digest of the last successfully installed function
// declarations, empty when nothing is installed.
func (s *Session) DeclDigest() string {
	return s.declDigest
}

// DeclInstalledAt returns when the current declarations were installed.
func (s *Session) DeclInstalledAt() time.Time {
	return s.declInstalledAt
}

// DeclNames returns the installed tool name set.
func (s *Session) DeclNames() map[string]struct{} {
	return s.declNames
}

// ToggleEnabled returns the cached function toggle state.
func (s *Session) ToggleEnabled() bool {
	return s.toggleEnabled
}

// SetToggleEnabled records the toggle state after a successful UI mutation.
func (s *Session) SetToggleEnabled(enabled bool) {
	s.toggleEnabled = enabled
}

// RecordDeclarations caches a successful declarations installation.
func (s *Session) RecordDeclarations(digest string, names map[string]struct{}) {
	s.declDigest = digest
	s.declNames = names
	s.declInstalledAt = time.Now()
}

// ResetDeclarations drops the declarations cache. Invoked on model switch,
// new chat, explicit clear, and profile rotation.
func (s *Session) ResetDeclarations() {
	s.declDigest = ""
	s.declNames = nil
	s.declInstalledAt = time.Time{}
	s.toggleEnabled = false
}

type paramKV struct {
	name  string
	value any
}

// resolveParams turns the request parameters into the ordered list of page
// controls to set, applying the model capability table and config defaults.
func resolveParams(params interfaces.Params, cfg *config.Config, modelID string) []paramKV {
	capability := cfg.CapabilityFor(modelID)
	out := make([]paramKV, 0, 8)

	if params.Temperature != nil {
		out = append(out, paramKV{"temperature", *params.Temperature})
	}
	if params.TopP != nil {
		out = append(out, paramKV{"top_p", *params.TopP})
	}
	if params.MaxOutputTokens != nil {
		out = append(out, paramKV{"max_output_tokens", *params.MaxOutputTokens})
	}
	if len(params.StopSequences) > 0 {
		out = append(out, paramKV{"stop_sequences", params.StopSequences})
	}

	if kv, ok := resolveThinking(params.ReasoningEffort, capability, cfg, modelID); ok {
		out = append(out, kv)
	}

	if capability.SupportsGoogleSearch {
		out = append(out, paramKV{"google_search", params.GoogleSearch})
	}
	out = append(out, paramKV{"url_context", params.URLContext})

	return out
}

func resolveThinking(effort string, capability config.ModelCapability, cfg *config.Config, modelID string) (paramKV, bool) {
	switch capability.Thinking {
	case config.ThinkingLevels:
		level := effort
		if level == "" {
			if strings.Contains(modelID, "flash") {
				level = cfg.DefaultThinkingLevelFlash
			} else {
				level = cfg.DefaultThinkingLevelPro
			}
		}
		if level == "" {
			return paramKV{}, false
		}
		return paramKV{"thinking_level", level}, true
	case config.ThinkingBudget:
		if !cfg.EnableThinkingBudget && effort == "" {
			return paramKV{}, false
		}
		budget := effort
		if budget == "" {
			budget = levelToBudget(cfg.DefaultThinkingBudget, capability)
		}
		return paramKV{"thinking_budget", budget}, true
	default:
		return paramKV{}, false
	}
}

func levelToBudget(defaultBudget int, capability config.ModelCapability) string {
	budget := defaultBudget
	if capability.BudgetMax > 0 && budget > capability.BudgetMax {
		budget = capability.BudgetMax
	}
	if budget < capability.BudgetMin {
		budget = capability.BudgetMin
	}
	b, _ := json.Marshal(budget)
	return string(b)
}

// paramsFingerprint hashes the resolved parameter list so unchanged sets can
// be skipped.
func paramsFingerprint(resolved []paramKV) string {
	payload := make(map[string]any, len(resolved))
	for _, kv := range resolved {
		payload[kv.name] = kv.value
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
