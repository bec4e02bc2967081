package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

func writeProfile(t *testing.T, authDir, tier, name string) {
	t.Helper()
	dir := filepath.Join(authDir, tier)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{"cookies":[]}`), 0o600))
}

func newTestPool(t *testing.T, names ...string) (*Pool, *Ledger) {
	t.Helper()
	authDir := t.TempDir()
	for _, name := range names {
		writeProfile(t, authDir, "primary", name)
	}
	ledger, err := NewLedger(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		AuthDir:                authDir,
		RateLimitCooldownS:     1800,
		QuotaExceededCooldownS: 14400,
		CanaryCooldownS:        300,
	}
	p, err := NewPool(cfg, ledger)
	require.NoError(t, err)
	return p, ledger
}

func TestScanProfilesTierOrder(t *testing.T) {
	authDir := t.TempDir()
	writeProfile(t, authDir, "emergency", "z.json")
	writeProfile(t, authDir, "primary", "b.json")
	writeProfile(t, authDir, "primary", "a.json")
	writeProfile(t, authDir, "active", "m.json")

	profiles, err := ScanProfiles(authDir)
	require.NoError(t, err)
	require.Len(t, profiles, 4)
	assert.Equal(t, "primary/a.json", profiles[0].ID)
	assert.Equal(t, "primary/b.json", profiles[1].ID)
	assert.Equal(t, "active/m.json", profiles[2].ID)
	assert.Equal(t, "emergency/z.json", profiles[3].ID)
}

func TestScanProfilesIgnoresNonJSON(t *testing.T) {
	authDir := t.TempDir()
	writeProfile(t, authDir, "primary", "a.json")
	require.NoError(t, os.WriteFile(filepath.Join(authDir, "primary", "notes.txt"), []byte("x"), 0o600))

	profiles, err := ScanProfiles(authDir)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
}

func TestLedgerScopes(t *testing.T) {
	ledger, err := NewLedger(t.TempDir())
	require.NoError(t, err)

	ledger.SetCooldown("primary/a.json", ReasonQuotaExceeded, "gemini-pro", time.Hour)
	assert.False(t, ledger.Eligible("primary/a.json", "gemini-pro"))
	assert.True(t, ledger.Eligible("primary/a.json", "gemini-flash"))
	assert.False(t, ledger.GloballyCooled("primary/a.json"))

	ledger.SetCooldown("primary/a.json", ReasonRateLimit, "", time.Hour)
	assert.False(t, ledger.Eligible("primary/a.json", "gemini-flash"))
	assert.True(t, ledger.GloballyCooled("primary/a.json"))
}

func TestLedgerCooldownExpiry(t *testing.T) {
	ledger, err := NewLedger(t.TempDir())
	require.NoError(t, err)

	base := time.Now()
	ledger.now = func() time.Time { return base }
	ledger.SetCooldown("primary/a.json", ReasonRateLimit, "", 10*time.Minute)
	assert.False(t, ledger.Eligible("primary/a.json", ""))

	ledger.now = func() time.Time { return base.Add(11 * time.Minute) }
	assert.True(t, ledger.Eligible("primary/a.json", ""))
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ledger, err := NewLedger(dir)
	require.NoError(t, err)
	ledger.SetCooldown("primary/a.json", ReasonQuotaExceeded, "gemini-pro", time.Hour)
	ledger.AddUsage("primary/a.json", 1234)

	reopened, err := NewLedger(dir)
	require.NoError(t, err)
	assert.False(t, reopened.Eligible("primary/a.json", "gemini-pro"))
	assert.Equal(t, int64(1234), reopened.Usage("primary/a.json"))
}

func TestOtherModelCooldowns(t *testing.T) {
	ledger, err := NewLedger(t.TempDir())
	require.NoError(t, err)

	ledger.SetCooldown("p", ReasonQuotaExceeded, "model-a", time.Hour)
	ledger.SetCooldown("p", ReasonQuotaExceeded, "model-b", time.Hour)
	ledger.SetCooldown("p", ReasonQuotaExceeded, "target", time.Hour)

	assert.Equal(t, 2, ledger.OtherModelCooldowns("p", "target"))
	assert.Equal(t, 3, ledger.OtherModelCooldowns("p", "unrelated"))
}

func TestRotatePrefersPartiallySpentProfiles(t *testing.T) {
	p, ledger := newTestPool(t, "a.json", "b.json", "c.json")

	// a is spent on two other models, b on one, c fresh.
	ledger.SetCooldown("primary/a.json", ReasonQuotaExceeded, "model-x", time.Hour)
	ledger.SetCooldown("primary/a.json", ReasonQuotaExceeded, "model-y", time.Hour)
	ledger.SetCooldown("primary/b.json", ReasonQuotaExceeded, "model-x", time.Hour)

	selected, perr := p.Rotate(context.Background(), TriggerQuota, "target", nil, nil)
	require.Nil(t, perr)
	assert.Equal(t, "primary/a.json", selected.ID)
	assert.Equal(t, ModeNormal, p.Mode())
}

func TestRotateOrdersByUsageWhenCooldownsTie(t *testing.T) {
	p, ledger := newTestPool(t, "a.json", "b.json")
	ledger.AddUsage("primary/a.json", 50_000)
	ledger.AddUsage("primary/b.json", 10)

	selected, perr := p.Rotate(context.Background(), TriggerManual, "target", nil, nil)
	require.Nil(t, perr)
	assert.Equal(t, "primary/b.json", selected.ID)
}

func TestRotateQuotaExcludesModelCooldowns(t *testing.T) {
	p, ledger := newTestPool(t, "a.json", "b.json")
	ledger.SetCooldown("primary/a.json", ReasonQuotaExceeded, "target", time.Hour)

	selected, perr := p.Rotate(context.Background(), TriggerQuota, "target", nil, nil)
	require.Nil(t, perr)
	assert.Equal(t, "primary/b.json", selected.ID)
}

func TestRotateRateLimitIgnoresModelCooldowns(t *testing.T) {
	p, ledger := newTestPool(t, "a.json")
	// A per-model cooldown does not block rotation for a rate-limit
	// trigger; only global cooldowns do.
	ledger.SetCooldown("primary/a.json", ReasonQuotaExceeded, "target", time.Hour)

	selected, perr := p.Rotate(context.Background(), TriggerRateLimit, "target", nil, nil)
	require.Nil(t, perr)
	assert.Equal(t, "primary/a.json", selected.ID)
}

func TestRotateCanaryFailureCoolsCandidate(t *testing.T) {
	p, ledger := newTestPool(t, "a.json", "b.json")

	canary := func(_ context.Context, profile *Profile) error {
		if profile.ID == "primary/a.json" {
			return fmt.Errorf("login expired")
		}
		return nil
	}
	selected, perr := p.Rotate(context.Background(), TriggerManual, "", canary, nil)
	require.Nil(t, perr)
	require.NotNil(t, selected)
	assert.Equal(t, "primary/b.json", selected.ID)
	assert.True(t, ledger.GloballyCooled("primary/a.json"))
	assert.Equal(t, "primary/b.json", p.Active().ID)
}

func TestRotateExhaustionEntersEmergency(t *testing.T) {
	p, ledger := newTestPool(t, "a.json", "b.json")

	canary := func(context.Context, *Profile) error { return fmt.Errorf("always fails") }
	selected, perr := p.Rotate(context.Background(), TriggerManual, "", canary, nil)
	require.Nil(t, selected)
	require.NotNil(t, perr)
	assert.Equal(t, interfaces.KindRotationExhausted, perr.Kind)
	assert.Equal(t, "rotation_exhausted", perr.Code)
	assert.Equal(t, ModeEmergency, p.Mode())
	assert.True(t, ledger.GloballyCooled("primary/a.json"))
	assert.True(t, ledger.GloballyCooled("primary/b.json"))
}

func TestRequestRotationRecordsTrigger(t *testing.T) {
	p, _ := newTestPool(t, "a.json")
	p.RequestRotation(TriggerQuota, "target")
	assert.Equal(t, ModeNeedsRotation, p.Mode())

	trigger, model := p.PendingRotation()
	assert.Equal(t, TriggerQuota, trigger)
	assert.Equal(t, "target", model)

	// Consumed: a second read falls back to a manual rotation.
	trigger, model = p.PendingRotation()
	assert.Equal(t, TriggerManual, trigger)
	assert.Empty(t, model)
}

func TestRescanKeepsActiveProfile(t *testing.T) {
	p, _ := newTestPool(t, "a.json", "b.json")
	active := p.Active()
	require.NotNil(t, active)

	require.NoError(t, p.Rescan())
	assert.Equal(t, active.ID, p.Active().ID)
}

func TestWatchdogDrivesDeploymentMode(t *testing.T) {
	p, ledger := newTestPool(t, "a.json", "b.json")
	w := NewWatchdog(p, time.Minute)

	base := time.Now()
	ledger.now = func() time.Time { return base }
	ledger.SetCooldown("primary/a.json", ReasonRateLimit, "", 10*time.Minute)
	ledger.SetCooldown("primary/b.json", ReasonRateLimit, "", 10*time.Minute)

	w.scan()
	assert.Equal(t, ModeQuotaExceeded, p.Mode())

	// One cooldown elapses; the next scan recovers.
	ledger.now = func() time.Time { return base.Add(11 * time.Minute) }
	w.scan()
	assert.Equal(t, ModeNormal, p.Mode())
}

func TestWatchdogRecoversFromEmergency(t *testing.T) {
	p, _ := newTestPool(t, "a.json")
	p.SetMode(ModeEmergency)
	NewWatchdog(p, time.Minute).scan()
	assert.Equal(t, ModeNormal, p.Mode())
}
