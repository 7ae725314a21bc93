package mesh

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/AdguardTeam/golibs/log"
)

// shortText truncates s to at most maxLen bytes without splitting a UTF-8
// rune, adapted from utils/other_utils.go's ShortText. Used to keep
// SetString's stored values bounded — a chain-build error message or a
// hop's raw address string shouldn't grow the stats tree unbounded.
func shortText(s string, maxLen int) string {
	if len(s) < maxLen {
		return s
	}
	if utf8.ValidString(s[:maxLen]) {
		return s[:maxLen]
	}
	cut := maxLen
	for cut > 0 && cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// StatsManager is a dotted-path nested-map metrics store, adapted from
// proxy/stats_manager.go: keys like "chains::built" or "hops::dead_tier"
// address nested map entries without callers having to build the nesting
// themselves.
type StatsManager struct {
	stats map[string]any
	mux   sync.Mutex
}

// NewStatsManager returns an empty StatsManager.
func NewStatsManager() *StatsManager {
	return &StatsManager{stats: make(map[string]any)}
}

// Set stores value at the dotted path key, creating intermediate maps as
// needed.
func (r *StatsManager) Set(key string, value any) {
	r.mux.Lock()
	defer r.mux.Unlock()

	keyParts := strings.Split(key, "::")
	if len(keyParts) == 1 {
		r.stats[keyParts[0]] = value
		return
	}

	stats := r.stats
	for i := 0; i < len(keyParts)-1; i++ {
		if _, ok := stats[keyParts[i]]; !ok {
			stats[keyParts[i]] = make(map[string]any)
		}
		stats = stats[keyParts[i]].(map[string]any)
	}
	stats[keyParts[len(keyParts)-1]] = value
}

// SetString stores a length-bounded string at key via shortText, for
// free-form text (error causes, last hop addresses) that shouldn't be
// allowed to bloat the persisted stats file.
func (r *StatsManager) SetString(key, value string) {
	r.Set(key, shortText(value, 256))
}

// Incr adds delta to the integer stored at key, treating an absent key as
// zero.
func (r *StatsManager) Incr(key string, delta int64) {
	r.mux.Lock()
	cur := r.stats
	keyParts := strings.Split(key, "::")
	for i := 0; i < len(keyParts)-1; i++ {
		if _, ok := cur[keyParts[i]]; !ok {
			cur[keyParts[i]] = make(map[string]any)
		}
		cur = cur[keyParts[i]].(map[string]any)
	}
	last := keyParts[len(keyParts)-1]
	var existing int64
	if v, ok := cur[last]; ok {
		switch n := v.(type) {
		case int64:
			existing = n
		case int:
			existing = int64(n)
		case float64:
			existing = int64(n)
		}
	}
	cur[last] = existing + delta
	r.mux.Unlock()
}

// Get reads the value at the dotted path key, or nil if absent.
func (r *StatsManager) Get(key string) any {
	r.mux.Lock()
	defer r.mux.Unlock()

	keyParts := strings.Split(key, "::")
	stats := r.stats
	for i := 0; i < len(keyParts)-1; i++ {
		next, ok := stats[keyParts[i]]
		if !ok {
			return nil
		}
		stats = next.(map[string]any)
	}
	return stats[keyParts[len(keyParts)-1]]
}

// AsJSONPretty renders the whole stats tree as indented JSON, for the
// stats subcommand's output.
func (r *StatsManager) AsJSONPretty() ([]byte, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	return json.MarshalIndent(r.stats, "", "  ")
}

// Snapshot returns a shallow copy of the top-level stats map.
func (r *StatsManager) Snapshot() map[string]any {
	r.mux.Lock()
	defer r.mux.Unlock()

	out := make(map[string]any, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}

// Save writes the stats tree to filePath as JSON.
func (r *StatsManager) Save(filePath string) {
	r.mux.Lock()
	defer r.mux.Unlock()

	bytes, err := json.Marshal(&r.stats)
	if err != nil {
		log.Error("duskmesh: marshaling stats for %s: %s", filePath, err)
		return
	}
	if err := os.WriteFile(filePath, bytes, 0644); err != nil {
		log.Error("duskmesh: writing stats to %s: %s", filePath, err)
	}
}

// Load reads a previously saved stats tree from filePath, replacing the
// current one. A missing file is not an error: stats start empty on
// first run.
func (r *StatsManager) Load(filePath string) {
	if _, err := os.Stat(filePath); err != nil {
		return
	}

	bytes, err := os.ReadFile(filePath)
	if err != nil {
		log.Error("duskmesh: reading stats from %s: %s", filePath, err)
		return
	}

	var loaded map[string]any
	if err := json.Unmarshal(bytes, &loaded); err != nil {
		log.Error("duskmesh: parsing stats from %s: %s", filePath, err)
		return
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	r.stats = loaded
}
