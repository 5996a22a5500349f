// Package knowledge is the path-addressed document store under the agent
// directory. A fixed permission matrix decides what agents may read and
// write; allowed writes from an agent context still require human approval.
// Writes are atomic (temp file + rename) and feed the search re-index queue.
package knowledge

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"olav/internal/types"
)

// Origin identifies who is asking. Direct administrative calls bypass the
// approval gate; agent calls never do.
type Origin int

const (
	OriginAgent Origin = iota
	OriginAdmin
)

// Store is the permission-gated file store.
type Store struct {
	root string
	log  *zap.Logger

	// mu serializes structured rewrites (alias table, slug allocation).
	mu sync.Mutex

	reindex func(relPath string)
}

// NewStore creates a store rooted at the agent directory.
func NewStore(root string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: root, log: log}
}

// SetReindexHook registers the callback invoked with the relative path of
// every successfully written document.
func (s *Store) SetReindexHook(fn func(relPath string)) { s.reindex = fn }

// Root returns the agent directory.
func (s *Store) Root() string { return s.root }

// ===== PERMISSION MATRIX =====
//
//	skills/**              read  write (with approval)
//	knowledge/**           read  write (with approval)
//	imports/commands/**    read  write (with approval)
//	imports/apis/**        read  -
//	OLAV.md                read  -
//	everything else        -     -

func canRead(rel string) bool {
	return rel == "OLAV.md" ||
		under(rel, "skills") ||
		under(rel, "knowledge") ||
		under(rel, "imports/commands") ||
		under(rel, "imports/apis")
}

func canWrite(rel string) bool {
	return under(rel, "skills") ||
		under(rel, "knowledge") ||
		under(rel, "imports/commands")
}

func under(rel, prefix string) bool {
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}

// normalize cleans a store path and rejects escapes from the agent dir.
func normalize(rel string) (string, error) {
	rel = filepath.ToSlash(strings.TrimSpace(rel))
	rel = strings.TrimPrefix(rel, "./")
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", types.Errorf(types.KindNotPermitted, "invalid store path %q", rel)
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", types.Errorf(types.KindNotPermitted, "path %q escapes the agent directory", rel)
	}
	return clean, nil
}

// ===== OPERATIONS =====

// Read returns a document's content. Paths outside the readable set fail
// with NotPermitted even if the file exists.
func (s *Store) Read(rel string) (string, error) {
	rel, err := normalize(rel)
	if err != nil {
		return "", err
	}
	if !canRead(rel) {
		return "", types.Errorf(types.KindNotPermitted, "reading %q is not permitted", rel)
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", types.Errorf(types.KindNotFound, "no document at %q", rel)
		}
		return "", types.WrapError(types.KindInternal, "failed to read "+rel, err)
	}
	return string(data), nil
}

// Write replaces a document. Agent-originated writes require prior approval;
// the unapproved call surfaces NeedsApproval for the session FSM to convert
// into an interrupt.
func (s *Store) Write(rel, content string, origin Origin, approved bool) error {
	rel, err := normalize(rel)
	if err != nil {
		return err
	}
	if !canWrite(rel) {
		return types.Errorf(types.KindNotPermitted, "writing %q is not permitted", rel)
	}
	if origin == OriginAgent && !approved {
		return types.NeedsApproval("write_file", map[string]any{"path": rel})
	}
	if err := s.atomicWrite(rel, []byte(content)); err != nil {
		return err
	}
	s.queueReindex(rel)
	return nil
}

// Append adds content to the end of a document, creating it if absent. Same
// gates as Write; the append itself is read-modify-atomic-replace.
func (s *Store) Append(rel, content string, origin Origin, approved bool) error {
	rel, err := normalize(rel)
	if err != nil {
		return err
	}
	if !canWrite(rel) {
		return types.Errorf(types.KindNotPermitted, "writing %q is not permitted", rel)
	}
	if origin == OriginAgent && !approved {
		return types.NeedsApproval("write_file", map[string]any{"path": rel, "append": true})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil && !os.IsNotExist(err) {
		return types.WrapError(types.KindInternal, "failed to read "+rel, err)
	}
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		existing = append(existing, '\n')
	}
	if err := s.atomicWrite(rel, append(existing, []byte(content)...)); err != nil {
		return err
	}
	s.queueReindex(rel)
	return nil
}

// List returns the readable documents under a directory, optionally filtered
// by a basename glob, as relative paths in stable order.
func (s *Store) List(dir, glob string) ([]string, error) {
	dir, err := normalize(dir)
	if err != nil {
		return nil, err
	}
	if !canRead(dir) {
		return nil, types.Errorf(types.KindNotPermitted, "listing %q is not permitted", dir)
	}

	var out []string
	base := filepath.Join(s.root, filepath.FromSlash(dir))
	err = filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !canRead(rel) {
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.Errorf(types.KindNotFound, "no directory at %q", dir)
		}
		return nil, types.WrapError(types.KindInternal, "failed to list "+dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// atomicWrite creates a temp file beside the target, flushes, and renames.
func (s *Store) atomicWrite(rel string, data []byte) error {
	target := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return types.WrapError(types.KindInternal, "failed to create directory for "+rel, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to create temp file for "+rel, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.WrapError(types.KindInternal, "failed to write "+rel, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return types.WrapError(types.KindInternal, "failed to flush "+rel, err)
	}
	if err := tmp.Close(); err != nil {
		return types.WrapError(types.KindInternal, "failed to close temp file for "+rel, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return types.WrapError(types.KindInternal, "failed to replace "+rel, err)
	}
	s.log.Debug("document written", zap.String("path", rel), zap.Int("bytes", len(data)))
	return nil
}

func (s *Store) queueReindex(rel string) {
	if s.reindex != nil {
		s.reindex(rel)
	}
}
