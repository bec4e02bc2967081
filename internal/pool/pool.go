package pool

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
)

// DeploymentMode is the process-wide state the queue worker consults before
// dequeueing.
type DeploymentMode string

const (
	// ModeNormal means requests are processed.
	ModeNormal DeploymentMode = "NORMAL"
	// ModeNeedsRotation asks the worker to rotate before the next request.
	ModeNeedsRotation DeploymentMode = "NEEDS_ROTATION"
	// ModeQuotaExceeded suspends dequeueing; every profile is cooled.
	ModeQuotaExceeded DeploymentMode = "QUOTA_EXCEEDED"
	// ModeEmergency rejects new requests; only cancellations are serviced.
	ModeEmergency DeploymentMode = "EMERGENCY"
)

// Pool is the set of auth profiles plus the active selection and the global
// deployment mode.
type Pool struct {
	mu sync.Mutex

	authDir  string
	profiles []*Profile
	active   *Profile
	mode     DeploymentMode

	// Pending rotation request, recorded so the trigger and target model
	// survive the NEEDS_ROTATION mode transition.
	pendingTrigger Trigger
	pendingModel   string

	ledger *Ledger

	rateLimitCooldown time.Duration
	quotaCooldown     time.Duration
	canaryCooldown    time.Duration
}

// NewPool scans authDir and builds the pool. The first profile in tier
// order becomes the initial active profile when one exists.
func NewPool(cfg *config.Config, ledger *Ledger) (*Pool, error) {
	p := &Pool{
		authDir:           cfg.AuthDir,
		mode:              ModeNormal,
		ledger:            ledger,
		rateLimitCooldown: time.Duration(cfg.RateLimitCooldownS) * time.Second,
		quotaCooldown:     time.Duration(cfg.QuotaExceededCooldownS) * time.Second,
		canaryCooldown:    time.Duration(cfg.CanaryCooldownS) * time.Second,
	}
	if err := p.Rescan(); err != nil {
		return nil, err
	}
	return p, nil
}

// Rescan re-reads the profile directories. Called at startup and by the
// file watcher when blobs are added or removed. The active profile survives
// a rescan when its file still exists.
func (p *Pool) Rescan() error {
	profiles, err := ScanProfiles(p.authDir)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = profiles
	if p.active != nil {
		found := false
		for _, profile := range profiles {
			if profile.ID == p.active.ID {
				p.active = profile
				found = true
				break
			}
		}
		if !found {
			log.Warnf("pool: active profile %s disappeared on rescan", p.active.ID)
			p.active = nil
		}
	}
	if p.active == nil && len(profiles) > 0 {
		p.active = profiles[0]
		log.Infof("pool: selected initial profile %s", p.active.ID)
	}
	log.Debugf("pool: %d profiles available", len(profiles))
	return nil
}

// Ledger exposes the cooldown/usage ledger.
func (p *Pool) Ledger() *Ledger {
	return p.ledger
}

// Profiles returns a copy of the current profile list.
func (p *Pool) Profiles() []*Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Profile, len(p.profiles))
	copy(out, p.profiles)
	return out
}

// Active returns the profile currently loaded in the browser, nil when none.
func (p *Pool) Active() *Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) setActive(profile *Profile) {
	p.mu.Lock()
	p.active = profile
	p.mu.Unlock()
}

// Mode returns the current deployment mode.
func (p *Pool) Mode() DeploymentMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode transitions the deployment mode, logging the change.
func (p *Pool) SetMode(mode DeploymentMode) {
	p.mu.Lock()
	previous := p.mode
	p.mode = mode
	p.mu.Unlock()
	if previous != mode {
		log.Infof("pool: deployment mode %s -> %s", previous, mode)
	}
}

// RequestRotation records why a rotation is needed and enters
// NEEDS_ROTATION. A quota trigger carries the model that tripped it so the
// per-model cooldown exclusion applies when the rotation actually runs.
func (p *Pool) RequestRotation(trigger Trigger, model string) {
	p.mu.Lock()
	p.pendingTrigger = trigger
	p.pendingModel = model
	p.mu.Unlock()
	p.SetMode(ModeNeedsRotation)
}

// PendingRotation consumes the recorded rotation request. Defaults to a
// manual trigger when nothing was recorded.
func (p *Pool) PendingRotation() (Trigger, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	trigger, model := p.pendingTrigger, p.pendingModel
	p.pendingTrigger, p.pendingModel = "", ""
	if trigger == "" {
		trigger = TriggerManual
	}
	return trigger, model
}

// MarkActiveCooldown records a cooldown against the active profile using
// the configured duration for the reason.
func (p *Pool) MarkActiveCooldown(reason CooldownReason, model string) {
	active := p.Active()
	if active == nil {
		return
	}
	p.ledger.SetCooldown(active.ID, reason, model, p.cooldownFor(reason))
}

func (p *Pool) cooldownFor(reason CooldownReason) time.Duration {
	switch reason {
	case ReasonRateLimit:
		return p.rateLimitCooldown
	case ReasonQuotaExceeded:
		return p.quotaCooldown
	case ReasonCanaryFailed:
		return p.canaryCooldown
	default:
		return p.rateLimitCooldown
	}
}
