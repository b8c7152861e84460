package memory

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// clientAffairs is the per-client slice of the affairs hot map: one active
// affair plus its parked siblings, and an index over every affair this
// client has touched (including resolved ones still within the bound).
type clientAffairs struct {
	active *Affair
	parked []Affair
	all    map[string]*Affair
	touch  time.Time
}

type cacheEntry struct {
	results   []SearchResult
	expiresAt time.Time
}

// LQMConfig bounds the three caches' sizes and lifetimes.
type LQMConfig struct {
	ClientTTL        time.Duration
	MaxClients       int
	SearchCacheTTL   time.Duration
	MaxWriteBuffer   int
}

// DefaultLQMConfig mirrors the teacher's embedding-cache TTL order of
// magnitude, scaled down for a hot, frequently-invalidated cache.
func DefaultLQMConfig() LQMConfig {
	return LQMConfig{
		ClientTTL:      6 * time.Hour,
		MaxClients:     10_000,
		SearchCacheTTL: 2 * time.Minute,
		MaxWriteBuffer: 5_000,
	}
}

// LQM is the process-global Local Quick Memory singleton: an affairs hot
// map keyed by client, a search cache, and an append-only write buffer.
// All mutation happens through the Memory Agent; LQM itself only enforces
// its own invariants (at most one ACTIVE affair per client, bounded buffer
// with CRITICAL-never-evicted-pre-flush).
type LQM struct {
	mu sync.Mutex

	cfg LQMConfig

	clients map[string]*clientAffairs
	search  map[string]cacheEntry
	buffer  []PendingWrite

	snapshot Snapshotter // optional warm-restart persistence, nil if unconfigured
}

// Snapshotter persists/restores the affairs hot map across process
// restarts. Implemented by BadgerSnapshotStore; nil-safe by convention.
type Snapshotter interface {
	Save(clientID string, affairs []Affair) error
	Load(clientID string) ([]Affair, error)
}

// NewLQM constructs the singleton. snapshot may be nil (in-memory only).
func NewLQM(cfg LQMConfig, snapshot Snapshotter) *LQM {
	return &LQM{
		cfg:      cfg,
		clients:  make(map[string]*clientAffairs),
		search:   make(map[string]cacheEntry),
		snapshot: snapshot,
	}
}

// clientEntry returns (creating if absent) the hot-map entry for clientID.
// Caller must hold l.mu.
func (l *LQM) clientEntry(clientID string) *clientAffairs {
	c, ok := l.clients[clientID]
	if !ok {
		c = &clientAffairs{all: make(map[string]*Affair)}
		l.clients[clientID] = c
		l.evictClientsLocked()
	}
	c.touch = time.Now()
	return c
}

func (l *LQM) evictClientsLocked() {
	if len(l.clients) <= l.cfg.MaxClients {
		return
	}
	oldest, oldestTime := "", time.Now()
	for id, c := range l.clients {
		if c.touch.Before(oldestTime) {
			oldest, oldestTime = id, c.touch
		}
	}
	if oldest != "" {
		delete(l.clients, oldest)
	}
}

// Active returns the client's active affair and whether one exists.
func (l *LQM) Active(clientID string) (Affair, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.clientEntry(clientID)
	if c.active == nil {
		return Affair{}, false
	}
	return *c.active, true
}

// Parked returns the client's parked affairs.
func (l *LQM) Parked(clientID string) []Affair {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.clientEntry(clientID)
	out := make([]Affair, len(c.parked))
	copy(out, c.parked)
	return out
}

// Populate seeds a client's hot-map entry from a cold KB load, used by
// load_session's cold path. Overwrites whatever is currently cached.
func (l *LQM) Populate(clientID string, active *Affair, parked []Affair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.clientEntry(clientID)
	c.all = make(map[string]*Affair)
	c.active = active
	if active != nil {
		a := *active
		c.all[a.ID] = &a
	}
	c.parked = parked
	for i := range parked {
		p := parked[i]
		c.all[p.ID] = &p
	}
}

// Activate sets affair as the client's ACTIVE affair, removing it from
// parked if present. Enforces the at-most-one-ACTIVE invariant.
func (l *LQM) Activate(clientID string, affair Affair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.clientEntry(clientID)

	if c.active != nil && c.active.ID != affair.ID {
		parked := *c.active
		parked.Status = StatusParked
		parked.UpdatedAt = time.Now()
		c.parked = append(c.parked, parked)
		c.all[parked.ID] = &parked
	}

	filtered := c.parked[:0]
	for _, p := range c.parked {
		if p.ID != affair.ID {
			filtered = append(filtered, p)
		}
	}
	c.parked = filtered

	affair.Status = StatusActive
	a := affair
	c.active = &a
	c.all[a.ID] = &a
}

// Park moves the client's active affair to parked, clearing Active.
func (l *LQM) Park(clientID string, summary string) (Affair, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.clientEntry(clientID)
	if c.active == nil {
		return Affair{}, false
	}
	parked := *c.active
	parked.Status = StatusParked
	parked.Summary = summary
	parked.UpdatedAt = time.Now()
	c.parked = append(c.parked, parked)
	c.all[parked.ID] = &parked
	c.active = nil
	return parked, true
}

// LookupByID finds any affair (active or parked) the client has cached.
func (l *LQM) LookupByID(clientID, affairID string) (Affair, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.clientEntry(clientID)
	a, ok := c.all[affairID]
	if !ok {
		return Affair{}, false
	}
	return *a, true
}

// UpdateKeyFacts merges subject/content into the active affair's key_facts.
func (l *LQM) UpdateKeyFacts(clientID, subject, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.clientEntry(clientID)
	if c.active == nil {
		return
	}
	if c.active.KeyFacts == nil {
		c.active.KeyFacts = make(map[string]string)
	}
	c.active.KeyFacts[subject] = content
	c.active.UpdatedAt = time.Now()
}

// CacheSearch stores a normalized-query result set with the configured TTL.
func (l *LQM) CacheSearch(normalizedQuery string, results []SearchResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.search[normalizedQuery] = cacheEntry{results: results, expiresAt: time.Now().Add(l.cfg.SearchCacheTTL)}
}

// LookupCache returns a cached result set if present and unexpired.
func (l *LQM) LookupCache(normalizedQuery string) ([]SearchResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.search[normalizedQuery]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.results, true
}

// InvalidateCache drops every cached query whose normalized form overlaps
// subject, e.g. after a store() call touches that subject.
func (l *LQM) InvalidateCache(subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	needle := strings.ToLower(subject)
	for q := range l.search {
		if strings.Contains(q, needle) || strings.Contains(needle, q) {
			delete(l.search, q)
		}
	}
}

// Enqueue appends a PendingWrite to the buffer, evicting the oldest NORMAL
// entry first if the buffer is at capacity. CRITICAL and HIGH entries are
// never evicted pre-flush.
func (l *LQM) Enqueue(w PendingWrite) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buffer) >= l.cfg.MaxWriteBuffer {
		l.evictOldestNormalLocked()
	}
	l.buffer = append(l.buffer, w)
}

func (l *LQM) evictOldestNormalLocked() {
	for i, w := range l.buffer {
		if w.Priority == WriteNormal {
			l.buffer = append(l.buffer[:i], l.buffer[i+1:]...)
			return
		}
	}
	// Buffer is saturated entirely with CRITICAL/HIGH entries; grow rather
	// than silently drop a write that must reach the KB.
}

// SearchBuffer returns every unsynced write matching the normalized query,
// most-recent first.
func (l *LQM) SearchBuffer(normalizedQuery string) []SearchResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SearchResult
	for i := len(l.buffer) - 1; i >= 0; i-- {
		w := l.buffer[i]
		if w.Matches(normalizedQuery) {
			out = append(out, SearchResult{SourceURN: w.SourceURN, Content: w.Content, Tier: "write_buffer"})
		}
	}
	return out
}

// PendingSnapshot returns a copy of the buffer for flush_session, ordered
// CRITICAL, HIGH, then NORMAL (stable within tier).
func (l *LQM) PendingSnapshot() []PendingWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingWrite, len(l.buffer))
	copy(out, l.buffer)
	sort.SliceStable(out, func(i, j int) bool {
		return writeRank(out[i].Priority) < writeRank(out[j].Priority)
	})
	return out
}

func writeRank(p WritePriority) int {
	switch p {
	case WriteCritical:
		return 0
	case WriteHigh:
		return 1
	default:
		return 2
	}
}

// MarkSynced removes writes matching the given source URNs from the buffer,
// called after a successful flush.
func (l *LQM) MarkSynced(sourceURNs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	synced := make(map[string]bool, len(sourceURNs))
	for _, u := range sourceURNs {
		synced[u] = true
	}
	kept := l.buffer[:0]
	for _, w := range l.buffer {
		if !synced[w.SourceURN] {
			kept = append(kept, w)
		}
	}
	l.buffer = kept
}
