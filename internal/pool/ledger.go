package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// GlobalScope is the cooldown scope covering every model of a profile.
const GlobalScope = "global"

// CooldownReason classifies why a cooldown was recorded.
type CooldownReason string

const (
	// ReasonRateLimit sets a global cooldown.
	ReasonRateLimit CooldownReason = "RATE_LIMIT"
	// ReasonQuotaExceeded sets a per-model cooldown.
	ReasonQuotaExceeded CooldownReason = "QUOTA_EXCEEDED"
	// ReasonCanaryFailed sets a short global cooldown.
	ReasonCanaryFailed CooldownReason = "CANARY_FAILED"
)

// Ledger is the persisted cooldown and usage state of the profile pool.
// Both maps are written atomically (write-temp, fsync, rename) under one
// mutex, so reads after writes are consistent within the process.
type Ledger struct {
	mu sync.Mutex

	// cooldowns maps profile id -> scope ("global" or model id) -> unix ms
	// deadline.
	cooldowns map[string]map[string]int64
	// usage maps profile id -> total tokens consumed.
	usage map[string]int64

	cooldownPath string
	usagePath    string

	now func() time.Time
}

// NewLedger loads (or initializes) the ledger files under stateDir.
func NewLedger(stateDir string) (*Ledger, error) {
	l := &Ledger{
		cooldowns:    make(map[string]map[string]int64),
		usage:        make(map[string]int64),
		cooldownPath: filepath.Join(stateDir, "cooldown_status.json"),
		usagePath:    filepath.Join(stateDir, "profile_usage.json"),
		now:          time.Now,
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create state dir: %w", err)
	}
	if err := readJSONFile(l.cooldownPath, &l.cooldowns); err != nil {
		return nil, err
	}
	if err := readJSONFile(l.usagePath, &l.usage); err != nil {
		return nil, err
	}
	return l, nil
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err = json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ledger: parse %s: %w", path, err)
	}
	return nil
}

// SetCooldown records a cooldown for the profile. The scope is derived from
// the reason: per-model for quota, global otherwise.
func (l *Ledger) SetCooldown(profileID string, reason CooldownReason, model string, duration time.Duration) {
	scope := GlobalScope
	if reason == ReasonQuotaExceeded && model != "" {
		scope = model
	}
	deadline := l.now().Add(duration).UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cooldowns[profileID] == nil {
		l.cooldowns[profileID] = make(map[string]int64)
	}
	l.cooldowns[profileID][scope] = deadline
	l.persistCooldownsLocked()
	log.Infof("ledger: cooldown %s on %s scope %q until %s", reason, profileID, scope,
		time.UnixMilli(deadline).Format(time.RFC3339))
}

// ClearCooldown removes one scope entry, used by operators and tests.
func (l *Ledger) ClearCooldown(profileID, scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if scopes := l.cooldowns[profileID]; scopes != nil {
		delete(scopes, scope)
		l.persistCooldownsLocked()
	}
}

// CooldownUntil returns the active deadline for the scope, zero when none is
// in the future.
func (l *Ledger) CooldownUntil(profileID, scope string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	deadline := l.cooldowns[profileID][scope]
	if deadline == 0 || deadline <= l.now().UnixMilli() {
		return time.Time{}
	}
	return time.UnixMilli(deadline)
}

// Eligible reports whether the profile may serve model right now: neither
// its global cooldown nor its per-model cooldown is in the future.
func (l *Ledger) Eligible(profileID, model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	nowMs := l.now().UnixMilli()
	scopes := l.cooldowns[profileID]
	if scopes == nil {
		return true
	}
	if scopes[GlobalScope] > nowMs {
		return false
	}
	if model != "" && scopes[model] > nowMs {
		return false
	}
	return true
}

// GloballyCooled reports whether the profile's global cooldown is active.
func (l *Ledger) GloballyCooled(profileID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldowns[profileID][GlobalScope] > l.now().UnixMilli()
}

// OtherModelCooldowns counts models (not the target, not global) currently
// on cooldown for the profile. Rotation prefers profiles already partially
// spent on unrelated models.
func (l *Ledger) OtherModelCooldowns(profileID, targetModel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	nowMs := l.now().UnixMilli()
	count := 0
	for scope, deadline := range l.cooldowns[profileID] {
		if scope == GlobalScope || scope == targetModel {
			continue
		}
		if deadline > nowMs {
			count++
		}
	}
	return count
}

// AddUsage accumulates the token usage of a finished request.
func (l *Ledger) AddUsage(profileID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage[profileID] += tokens
	l.persistUsageLocked()
}

// Usage returns the total tokens recorded for the profile.
func (l *Ledger) Usage(profileID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage[profileID]
}

// CooldownSnapshot returns a deep copy of the cooldown map for the watchdog
// and the health endpoint.
func (l *Ledger) CooldownSnapshot() map[string]map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make(map[string]map[string]int64, len(l.cooldowns))
	for id, scopes := range l.cooldowns {
		inner := make(map[string]int64, len(scopes))
		for scope, deadline := range scopes {
			inner[scope] = deadline
		}
		snapshot[id] = inner
	}
	return snapshot
}

func (l *Ledger) persistCooldownsLocked() {
	if err := writeJSONAtomic(l.cooldownPath, l.cooldowns); err != nil {
		log.Errorf("ledger: persist cooldowns failed: %v", err)
	}
}

func (l *Ledger) persistUsageLocked() {
	if err := writeJSONAtomic(l.usagePath, l.usage); err != nil {
		log.Errorf("ledger: persist usage failed: %v", err)
	}
}

func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(raw); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
