package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"olav/internal/types"
)

// ===== REGISTRY =====

// Registry holds the active capability index. Reload builds a complete new
// index off to the side and swaps it in one step, so readers never observe a
// partially loaded state and a failed reload leaves the old index serving.
type Registry struct {
	commandsDir string
	apisDir     string
	log         *zap.Logger

	mu  sync.RWMutex
	idx *index
}

type index struct {
	byPlatform map[string][]*Capability // kind + "\x00" + platform
	all        []*Capability
	counts     map[string]int // "kind/platform" → rows loaded
	loadedAt   time.Time
}

func platformKey(kind Kind, platform string) string {
	return string(kind) + "\x00" + strings.ToLower(platform)
}

// NewRegistry creates an empty registry over the given import directories.
// Call Reload before first use; until then every match fails closed.
func NewRegistry(commandsDir, apisDir string, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		commandsDir: commandsDir,
		apisDir:     apisDir,
		log:         log,
	}
}

// ===== RELOAD =====

// Reload rebuilds the index from the import files. It is transactional: if
// any file fails to parse the previous index stays active and the error is
// returned. On success it returns the number of capabilities loaded per
// "kind/platform".
func (r *Registry) Reload() (map[string]int, error) {
	next, err := r.buildIndex()
	if err != nil {
		r.log.Error("capability reload failed, keeping previous index", zap.Error(err))
		return nil, err
	}

	r.mu.Lock()
	r.idx = next
	r.mu.Unlock()

	r.log.Info("capability index loaded",
		zap.Int("total", len(next.all)),
		zap.Int("sources", len(next.counts)))
	return copyCounts(next.counts), nil
}

func (r *Registry) buildIndex() (*index, error) {
	idx := &index{
		byPlatform: make(map[string][]*Capability),
		counts:     make(map[string]int),
		loadedAt:   time.Now(),
	}
	seen := make(map[string]string) // capability key → source file

	add := func(c *Capability) {
		if prev, dup := seen[c.Key()]; dup {
			r.log.Warn("duplicate capability ignored",
				zap.String("pattern", c.Pattern),
				zap.String("file", c.SourceFile),
				zap.String("first_seen", prev))
			return
		}
		seen[c.Key()] = c.SourceFile
		k := platformKey(c.Kind, c.Platform)
		idx.byPlatform[k] = append(idx.byPlatform[k], c)
		idx.all = append(idx.all, c)
		idx.counts[string(c.Kind)+"/"+c.Platform]++
	}

	if err := r.loadCommands(add); err != nil {
		return nil, err
	}
	if err := r.loadAPIs(add); err != nil {
		return nil, err
	}

	// Longest pattern first so the most specific wildcard wins a match scan.
	for _, caps := range idx.byPlatform {
		sort.Slice(caps, func(i, j int) bool {
			return len(caps[i].Pattern) > len(caps[j].Pattern)
		})
	}
	return idx, nil
}

func (r *Registry) loadCommands(add func(*Capability)) error {
	entries, err := os.ReadDir(r.commandsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no commands directory is a valid (empty) whitelist
		}
		return fmt.Errorf("failed to read commands dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "_") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		path := filepath.Join(r.commandsDir, name)
		platform := strings.TrimSuffix(name, ".txt")
		caps, err := parseCommandsFile(path, platform)
		if err != nil {
			return fmt.Errorf("commands file %s: %w", name, err)
		}
		for _, c := range caps {
			add(c)
		}
	}
	return nil
}

// parseCommandsFile reads one platform whitelist. Grammar: one operation per
// line; blank lines and '#' comment lines are skipped; a leading '!' marks a
// write operation; a trailing '*' marks prefix match.
func parseCommandsFile(path, platform string) ([]*Capability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("not valid UTF-8")
	}

	var caps []*Capability
	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		isWrite := false
		if strings.HasPrefix(line, "!") {
			isWrite = true
			line = strings.TrimSpace(line[1:])
			if line == "" {
				return nil, fmt.Errorf("line %d: write marker without operation", i+1)
			}
		}
		if n := strings.Count(line, "*"); n > 1 || (n == 1 && !strings.HasSuffix(line, "*")) {
			return nil, fmt.Errorf("line %d: wildcard is only valid at the end of a pattern", i+1)
		}

		caps = append(caps, &Capability{
			Kind:       KindCommand,
			Platform:   platform,
			Pattern:    line,
			IsWrite:    isWrite,
			SourceFile: path,
		})
	}
	return caps, nil
}

// ===== MATCH =====

// MatchCommand returns the capability covering the command on the given
// platform. Comparison is case-insensitive and whitespace-normalized; a
// pattern ending in '*' matches any command starting with its prefix.
// Unknown commands fail closed with NotPermitted.
func (r *Registry) MatchCommand(platform, command string) (*Capability, error) {
	idx := r.snapshot()
	if idx != nil {
		op := normalizeCommand(command)
		var best *Capability
		bestLen := -1
		for _, c := range idx.byPlatform[platformKey(KindCommand, platform)] {
			pat := normalizePattern(c.Pattern)
			if strings.HasSuffix(pat, "*") {
				prefix := strings.TrimSpace(pat[:len(pat)-1])
				if strings.HasPrefix(op, prefix) && len(prefix) > bestLen {
					best, bestLen = c, len(prefix)
				}
				continue
			}
			if op == pat {
				// Exact beats any wildcard.
				return c, nil
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, types.Errorf(types.KindNotPermitted,
		"command %q is not whitelisted for platform %s", strings.TrimSpace(command), platform)
}

// MatchAPI returns the capability covering the API call. Method must match
// exactly; path templates match segment by segment with {var} consuming one
// segment. Unknown operations fail closed with NotPermitted.
func (r *Registry) MatchAPI(system, method, path string) (*Capability, error) {
	idx := r.snapshot()
	if idx != nil {
		method = strings.ToUpper(strings.TrimSpace(method))
		segs := splitPath(path)
		var best *Capability
		bestVars := -1
		for _, c := range idx.byPlatform[platformKey(KindAPI, system)] {
			if c.Method != method {
				continue
			}
			vars, ok := matchTemplate(splitPath(c.Pattern), segs)
			if !ok {
				continue
			}
			// Fewest template variables is the most literal match.
			if bestVars == -1 || vars < bestVars {
				best, bestVars = c, vars
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, types.Errorf(types.KindNotPermitted,
		"%s %s is not whitelisted for system %s", strings.ToUpper(method), path, system)
}

func splitPath(p string) []string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchTemplate reports whether concrete path segments satisfy a template,
// and how many {var} segments were consumed.
func matchTemplate(tmpl, segs []string) (int, bool) {
	if len(tmpl) != len(segs) {
		return 0, false
	}
	vars := 0
	for i, t := range tmpl {
		if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
			if segs[i] == "" {
				return 0, false
			}
			vars++
			continue
		}
		if !strings.EqualFold(t, segs[i]) {
			return 0, false
		}
	}
	return vars, true
}

// ===== SEARCH =====

// SearchOptions narrows a capability search.
type SearchOptions struct {
	Kind     Kind   // zero value: any
	Platform string // zero value: any
	Limit    int    // <=0: DefaultSearchLimit
}

// DefaultSearchLimit bounds search results when the caller does not.
const DefaultSearchLimit = 20

// Search ranks capabilities against a free-text query: pattern-prefix hits
// first, then pattern substrings, then description substrings. Ties break by
// ascending pattern length, then lexically.
func (r *Registry) Search(query string, opts SearchOptions) []*Capability {
	idx := r.snapshot()
	if idx == nil {
		return nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	q := normalizeCommand(query)

	type hit struct {
		cap  *Capability
		rank int
	}
	var hits []hit
	for _, c := range idx.all {
		if opts.Kind != "" && c.Kind != opts.Kind {
			continue
		}
		if opts.Platform != "" && !strings.EqualFold(c.Platform, opts.Platform) {
			continue
		}
		pat := strings.ToLower(c.Pattern)
		desc := strings.ToLower(c.Description)
		switch {
		case q == "":
			hits = append(hits, hit{c, 1})
		case strings.HasPrefix(pat, q):
			hits = append(hits, hit{c, 0})
		case strings.Contains(pat, q):
			hits = append(hits, hit{c, 1})
		case desc != "" && strings.Contains(desc, q):
			hits = append(hits, hit{c, 2})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		if len(hits[i].cap.Pattern) != len(hits[j].cap.Pattern) {
			return len(hits[i].cap.Pattern) < len(hits[j].cap.Pattern)
		}
		return hits[i].cap.Pattern < hits[j].cap.Pattern
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]*Capability, len(hits))
	for i, h := range hits {
		out[i] = h.cap
	}
	return out
}

// ===== INTROSPECTION =====

// Counts returns rows loaded per "kind/platform" for the active index.
func (r *Registry) Counts() map[string]int {
	idx := r.snapshot()
	if idx == nil {
		return map[string]int{}
	}
	return copyCounts(idx.counts)
}

// Len reports the total number of loaded capabilities.
func (r *Registry) Len() int {
	idx := r.snapshot()
	if idx == nil {
		return 0
	}
	return len(idx.all)
}

// LoadedAt reports when the active index was built; zero before first reload.
func (r *Registry) LoadedAt() time.Time {
	idx := r.snapshot()
	if idx == nil {
		return time.Time{}
	}
	return idx.loadedAt
}

func (r *Registry) snapshot() *index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idx
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
