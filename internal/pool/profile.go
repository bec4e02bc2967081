// Package pool manages the authentication profile pool: the tiered
// credential files on disk, the persisted cooldown and usage ledgers, the
// smart-efficiency rotation that picks a replacement profile when the active
// one hits quota or rate limits, and the quota watchdog driving the global
// deployment mode.
package pool

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tier is the eligibility pool a profile belongs to.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierActive    Tier = "active"
	TierEmergency Tier = "emergency"
)

// tierOrder controls scan order: primary profiles are preferred sources.
var tierOrder = []Tier{TierPrimary, TierActive, TierEmergency}

// Profile is one credential blob on disk. The blob itself is opaque to the
// engine; only the browser facade interprets it.
type Profile struct {
	// ID is the path-like handle used as the ledger key, e.g.
	// "primary/alice.json".
	ID string
	// Tier is the directory the profile was found in.
	Tier Tier
	// Path is the absolute location of the blob.
	Path string
}

// ScanProfiles walks the tier subdirectories of authDir and returns every
// profile blob found, ordered primary, active, emergency, each tier sorted
// by file name for stable ids.
func ScanProfiles(authDir string) ([]*Profile, error) {
	var profiles []*Profile
	for _, tier := range tierOrder {
		dir := filepath.Join(authDir, string(tier))
		var tierProfiles []*Profile
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			tierProfiles = append(tierProfiles, &Profile{
				ID:   filepath.ToSlash(filepath.Join(string(tier), d.Name())),
				Tier: tier,
				Path: path,
			})
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		sort.Slice(tierProfiles, func(i, j int) bool { return tierProfiles[i].ID < tierProfiles[j].ID })
		profiles = append(profiles, tierProfiles...)
	}
	return profiles, nil
}
