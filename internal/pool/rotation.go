package pool

import (
	"context"
	"math/rand"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// Trigger identifies why a rotation was requested.
type Trigger string

const (
	TriggerQuota     Trigger = "QUOTA_EXCEEDED"
	TriggerRateLimit Trigger = "RATE_LIMIT"
	TriggerManual    Trigger = "MANUAL"
)

// CanaryFunc probes a candidate profile with a minimal request before the
// pool commits to it. Any error counts as an auth failure for the candidate.
type CanaryFunc func(ctx context.Context, profile *Profile) error

// CommitFunc swaps the browser over to the selected profile. It runs after
// the canary passed; an error disqualifies the candidate like a canary
// failure.
type CommitFunc func(ctx context.Context, profile *Profile) error

// Rotate selects a replacement profile for targetModel and commits it.
//
// Eligibility: profiles in global cooldown are excluded; for quota triggers
// profiles with an active cooldown on the target model are excluded too.
// Among the eligible, ordering is (1) most other-model cooldowns first, so
// partially spent profiles are consumed before fresh ones, (2) lowest total
// token usage, (3) random.
//
// When no candidate passes the canary the pool enters emergency mode and a
// rotation_exhausted error is returned.
func (p *Pool) Rotate(ctx context.Context, trigger Trigger, targetModel string, canary CanaryFunc, commit CommitFunc) (*Profile, *interfaces.ProxyError) {
	model := ""
	if trigger == TriggerQuota {
		model = targetModel
	}

	candidates := make([]*Profile, 0)
	for _, profile := range p.Profiles() {
		if p.ledger.Eligible(profile.ID, model) {
			candidates = append(candidates, profile)
		}
	}

	// Random tie-break first, then a stable sort on the scored keys.
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		effI := p.ledger.OtherModelCooldowns(candidates[i].ID, targetModel)
		effJ := p.ledger.OtherModelCooldowns(candidates[j].ID, targetModel)
		if effI != effJ {
			return effI > effJ
		}
		return p.ledger.Usage(candidates[i].ID) < p.ledger.Usage(candidates[j].ID)
	})

	log.Infof("pool: rotation triggered (%s, model=%q), %d candidates", trigger, targetModel, len(candidates))

	for _, candidate := range candidates {
		if canary != nil {
			if err := canary(ctx, candidate); err != nil {
				log.Warnf("pool: canary failed for %s: %v", candidate.ID, err)
				p.ledger.SetCooldown(candidate.ID, ReasonCanaryFailed, "", p.canaryCooldown)
				continue
			}
		}
		if commit != nil {
			if err := commit(ctx, candidate); err != nil {
				log.Warnf("pool: commit failed for %s: %v", candidate.ID, err)
				p.ledger.SetCooldown(candidate.ID, ReasonCanaryFailed, "", p.canaryCooldown)
				continue
			}
		}
		p.setActive(candidate)
		p.SetMode(ModeNormal)
		log.Infof("pool: rotated to profile %s", candidate.ID)
		return candidate, nil
	}

	p.SetMode(ModeEmergency)
	return nil, interfaces.NewError(interfaces.KindRotationExhausted, "rotation_exhausted",
		"no eligible auth profile passed the canary test")
}
