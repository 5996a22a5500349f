// Package search indexes the knowledge corpus (skills, solutions, aliases,
// conventions) for hybrid retrieval: BM25 over tokens plus cosine similarity
// over embeddings, fused by reciprocal rank. The SQLite database is purely
// derived state — it can be deleted and rebuilt from the documents at any
// time.
package search

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"olav/internal/embedding"
	"olav/internal/skill"
	"olav/internal/types"
)

// Document is one indexed knowledge artifact.
type Document struct {
	DocID     string    `json:"doc_id"`
	Path      string    `json:"path"`     // relative to the agent dir
	Category  string    `json:"category"` // skill, solution, alias, knowledge
	Platform  string    `json:"platform,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Title     string    `json:"title"`
	Header    string    `json:"header"` // frontmatter text, boosted in BM25
	Body      string    `json:"body"`
	Embedding []float32 `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`

	// Derived lexical state, rebuilt on load.
	bodyTF   map[string]int
	headerTF map[string]int
	length   int
}

// Result is one search hit.
type Result struct {
	DocID    string  `json:"doc_id"`
	Path     string  `json:"path"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
	Snippet  string  `json:"snippet,omitempty"`
}

// Options tunes hybrid retrieval.
type Options struct {
	TopK int // per-leg candidates for fusion (default 50)
	TopN int // fused results (default 10)
	TopM int // post-rerank results (default 5)
}

// Index is the writer-biased document index: writes briefly take the
// exclusive lock to update records, readers search a consistent snapshot.
type Index struct {
	db     *sql.DB
	engine embedding.Engine
	opts   Options
	log    *zap.Logger

	mu   sync.RWMutex
	docs map[string]*Document // keyed by path

	reranker Reranker
	retry    *retryQueue
}

// NewIndex opens (creating if needed) the index database and loads all
// documents into memory. engine may be nil for lexical-only search.
func NewIndex(dbPath string, engine embedding.Engine, opts Options, log *zap.Logger) (*Index, error) {
	if opts.TopK <= 0 {
		opts.TopK = 50
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.TopM <= 0 {
		opts.TopM = 5
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to create index dir", err)
	}
	db, err := sql.Open(sqliteDriver, dbPath)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to open index db", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to enable WAL on index db", zap.Error(err))
	}

	idx := &Index{
		db:     db,
		engine: engine,
		opts:   opts,
		log:    log,
		docs:   make(map[string]*Document),
	}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := idx.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	idx.retry = newRetryQueue(idx)
	return idx, nil
}

func (i *Index) initialize() error {
	_, err := i.db.Exec(`
	CREATE TABLE IF NOT EXISTS documents (
		path       TEXT PRIMARY KEY,
		doc_id     TEXT NOT NULL,
		category   TEXT NOT NULL,
		platform   TEXT NOT NULL DEFAULT '',
		tags       TEXT NOT NULL DEFAULT '',
		title      TEXT NOT NULL DEFAULT '',
		header     TEXT NOT NULL DEFAULT '',
		body       TEXT NOT NULL DEFAULT '',
		embedding  BLOB,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to initialize index schema", err)
	}
	return nil
}

func (i *Index) loadAll() error {
	rows, err := i.db.Query(`SELECT path, doc_id, category, platform, tags, title, header, body, embedding, updated_at FROM documents`)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to load index", err)
	}
	defer rows.Close()

	i.mu.Lock()
	defer i.mu.Unlock()
	for rows.Next() {
		var d Document
		var tags string
		var blob []byte
		if err := rows.Scan(&d.Path, &d.DocID, &d.Category, &d.Platform, &tags, &d.Title, &d.Header, &d.Body, &blob, &d.UpdatedAt); err != nil {
			return types.WrapError(types.KindInternal, "failed to scan index row", err)
		}
		if tags != "" {
			d.Tags = strings.Split(tags, ",")
		}
		d.Embedding = decodeVector(blob)
		d.analyze()
		i.docs[d.Path] = &d
	}
	i.log.Debug("search index loaded", zap.Int("documents", len(i.docs)))
	return rows.Err()
}

// SetReranker installs the optional reranker.
func (i *Index) SetReranker(r Reranker) { i.reranker = r }

// Len reports the number of indexed documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// Close stops background work and closes the database.
func (i *Index) Close() error {
	i.retry.stop()
	return i.db.Close()
}

// ===== WRITE PATH =====

// Upsert indexes one document. An embedding failure does not fail the
// upsert: the document is indexed lexically and queued for a background
// embed retry.
func (i *Index) Upsert(ctx context.Context, doc Document) error {
	if doc.Path == "" {
		return types.NewError(types.KindInternal, "document has no path")
	}
	if doc.DocID == "" {
		i.mu.RLock()
		if prev, ok := i.docs[doc.Path]; ok {
			doc.DocID = prev.DocID
		} else {
			doc.DocID = uuid.NewString()
		}
		i.mu.RUnlock()
	}
	doc.UpdatedAt = time.Now().UTC()

	if i.engine != nil && doc.Embedding == nil {
		vec, err := i.engine.Embed(ctx, doc.embedText())
		if err != nil {
			i.log.Warn("embedding failed, indexing lexically and queueing retry",
				zap.String("path", doc.Path), zap.Error(err))
			i.retry.enqueue(doc.Path)
		} else {
			doc.Embedding = vec
		}
	}
	return i.store(&doc)
}

func (i *Index) store(doc *Document) error {
	doc.analyze()

	i.mu.Lock()
	defer i.mu.Unlock()
	_, err := i.db.Exec(`
	INSERT INTO documents (path, doc_id, category, platform, tags, title, header, body, embedding, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		doc_id=excluded.doc_id, category=excluded.category, platform=excluded.platform,
		tags=excluded.tags, title=excluded.title, header=excluded.header,
		body=excluded.body, embedding=excluded.embedding, updated_at=excluded.updated_at`,
		doc.Path, doc.DocID, doc.Category, doc.Platform, strings.Join(doc.Tags, ","),
		doc.Title, doc.Header, doc.Body, encodeVector(doc.Embedding), doc.UpdatedAt)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to store document "+doc.Path, err)
	}
	i.docs[doc.Path] = doc
	return nil
}

// Remove drops a document from the index.
func (i *Index) Remove(path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, err := i.db.Exec(`DELETE FROM documents WHERE path = ?`, path); err != nil {
		return types.WrapError(types.KindInternal, "failed to remove document "+path, err)
	}
	delete(i.docs, path)
	return nil
}

// ===== DOCUMENT BUILD =====

// DocumentFromFile builds an indexable document from a knowledge file. The
// category derives from the path; frontmatter supplies title, platform and
// tags when present.
func DocumentFromFile(relPath, content string) Document {
	header, body, err := skill.SplitFrontmatter(content)
	headerText := ""
	if err != nil {
		// Unparseable frontmatter is still searchable text.
		header, body = map[string]any{}, content
	}
	if len(header) > 0 {
		var parts []string
		for k, v := range header {
			switch val := v.(type) {
			case string:
				parts = append(parts, k+": "+val)
			case []any:
				for _, item := range val {
					if s, ok := item.(string); ok {
						parts = append(parts, s)
					}
				}
			}
		}
		headerText = strings.Join(parts, "\n")
	}

	doc := Document{
		Path:     relPath,
		Category: categoryOf(relPath),
		Header:   headerText,
		Body:     body,
	}
	if t, ok := header["title"].(string); ok {
		doc.Title = t
	} else if n, ok := header["name"].(string); ok {
		doc.Title = n
	} else {
		doc.Title = strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))
	}
	if p, ok := header["platform"].(string); ok {
		doc.Platform = p
	}
	switch tags := header["tags"].(type) {
	case string:
		doc.Tags = []string{tags}
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok {
				doc.Tags = append(doc.Tags, s)
			}
		}
	}
	return doc
}

func categoryOf(relPath string) string {
	rel := filepath.ToSlash(relPath)
	switch {
	case strings.HasPrefix(rel, "skills/"):
		return "skill"
	case strings.HasPrefix(rel, "knowledge/solutions/"):
		return "solution"
	case strings.HasSuffix(rel, "aliases.md"):
		return "alias"
	default:
		return "knowledge"
	}
}

// Rebuild re-indexes every knowledge document under the agent directory.
// Returns the number of documents indexed.
func (i *Index) Rebuild(ctx context.Context, agentDir string) (int, error) {
	count := 0
	for _, dir := range []string{"skills", "knowledge"} {
		root := filepath.Join(agentDir, dir)
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") || strings.HasPrefix(d.Name(), "_") {
				return nil //nolint:nilerr
			}
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				i.log.Warn("skipping unreadable document", zap.String("path", path), zap.Error(rerr))
				return nil
			}
			rel, rerr := filepath.Rel(agentDir, path)
			if rerr != nil {
				return nil
			}
			if uerr := i.Upsert(ctx, DocumentFromFile(filepath.ToSlash(rel), string(data))); uerr != nil {
				return uerr
			}
			count++
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return count, err
		}
	}
	i.log.Info("search index rebuilt", zap.Int("documents", count))
	return count, nil
}

// embedText is the text sent to the embedder: title plus a bounded body
// prefix, which is what retrieval queries actually resemble.
func (d *Document) embedText() string {
	text := d.Title + "\n" + d.Header + "\n" + d.Body
	const maxEmbedChars = 6000
	if len(text) > maxEmbedChars {
		text = text[:maxEmbedChars]
	}
	return text
}

// analyze rebuilds derived lexical state.
func (d *Document) analyze() {
	d.bodyTF = termFrequencies(Tokenize(d.Title + " " + d.Body))
	d.headerTF = termFrequencies(Tokenize(d.Header))
	d.length = 0
	for _, n := range d.bodyTF {
		d.length += n
	}
}

// ===== VECTOR ENCODING =====

// encodeVector packs float32s little-endian, the layout sqlite-vec expects.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
