package skill

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"olav/internal/types"
)

// ===== CATALOG =====

// Catalog holds the loaded skills. Reload re-reads the directory; a skill
// that fails to parse is skipped with an error logged and the rest of the
// catalog continues — one broken document never empties the catalog.
type Catalog struct {
	dir string
	log *zap.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewCatalog creates an empty catalog over a skills directory. Call Reload
// before first use.
func NewCatalog(dir string, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{
		dir:    dir,
		log:    log,
		skills: map[string]*Skill{},
	}
}

// Reload re-reads the skills directory. Files with a leading underscore and
// skills with enabled: false are skipped. Returns the number of skills
// loaded.
func (c *Catalog) Reload() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.skills = map[string]*Skill{}
			c.mu.Unlock()
			return 0, nil
		}
		return 0, types.WrapError(types.KindInternal, "failed to read skills dir", err)
	}

	next := make(map[string]*Skill)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "_") || !strings.HasSuffix(name, ".md") {
			continue
		}
		path := filepath.Join(c.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			c.log.Error("skill unreadable, skipping", zap.String("path", path), zap.Error(err))
			continue
		}
		sk, err := Parse(path, string(data))
		if err != nil {
			c.log.Error("skill failed to parse, skipping", zap.String("path", path), zap.Error(err))
			continue
		}
		if !sk.Enabled {
			c.log.Debug("skill disabled", zap.String("id", sk.ID))
			continue
		}
		if prev, dup := next[sk.ID]; dup {
			c.log.Warn("duplicate skill id, keeping first",
				zap.String("id", sk.ID),
				zap.String("kept", prev.Path),
				zap.String("ignored", path))
			continue
		}
		next[sk.ID] = sk
	}

	c.mu.Lock()
	c.skills = next
	c.mu.Unlock()
	c.log.Info("skill catalog loaded", zap.Int("skills", len(next)))
	return len(next), nil
}

// Get returns a skill by id.
func (c *Catalog) Get(id string) (*Skill, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sk, ok := c.skills[id]; ok {
		return sk, nil
	}
	return nil, types.Errorf(types.KindNotFound, "no skill with id %q", id)
}

// List returns every loaded skill sorted by id.
func (c *Catalog) List() []*Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Skill, 0, len(c.skills))
	for _, sk := range c.skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of loaded skills.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.skills)
}

// Dir returns the catalog directory (watcher wiring).
func (c *Catalog) Dir() string { return c.dir }
