package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"olav/internal/types"
)

// ===== SOLUTIONS =====

// Solution is one troubleshooting episode to remember.
type Solution struct {
	Title     string   `json:"title"`
	Problem   string   `json:"problem"`
	Process   string   `json:"process"`
	RootCause string   `json:"root_cause"`
	Solution  string   `json:"solution"`
	Commands  []string `json:"commands,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// SaveSolution renders the standard solution document and writes it under
// knowledge/solutions/. Returns the relative path written. Slug collisions
// get numeric suffixes; an existing file is never overwritten.
func (s *Store) SaveSolution(sol Solution, origin Origin, approved bool) (string, error) {
	if strings.TrimSpace(sol.Title) == "" {
		return "", types.NewError(types.KindInternal, "solution has no title")
	}
	if origin == OriginAgent && !approved {
		return "", types.NeedsApproval("save_solution", map[string]any{"title": sol.Title})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rel, err := s.allocateSlug(Slug(sol.Title))
	if err != nil {
		return "", err
	}
	if err := s.atomicWrite(rel, []byte(sol.render())); err != nil {
		return "", err
	}
	s.queueReindex(rel)
	return rel, nil
}

// allocateSlug finds the first free knowledge/solutions/<slug>[-n].md path.
func (s *Store) allocateSlug(slug string) (string, error) {
	for n := 1; ; n++ {
		name := slug
		if n > 1 {
			name = fmt.Sprintf("%s-%d", slug, n)
		}
		rel := "knowledge/solutions/" + name + ".md"
		if _, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(rel))); os.IsNotExist(err) {
			return rel, nil
		} else if err != nil {
			return "", types.WrapError(types.KindInternal, "failed to probe "+rel, err)
		}
	}
}

// Slug lower-cases a title and collapses runs of non-alphanumerics to '-'.
func Slug(title string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		out = "solution"
	}
	return out
}

func (sol Solution) render() string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %s\n", sol.Title)
	b.WriteString("category: solution\n")
	fmt.Fprintf(&b, "date: %s\n", time.Now().UTC().Format("2006-01-02"))
	if len(sol.Tags) > 0 {
		fmt.Fprintf(&b, "tags: [%s]\n", strings.Join(sol.Tags, ", "))
	}
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n", sol.Title)

	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", title, strings.TrimSpace(body))
	}
	section("Problem", sol.Problem)
	section("Troubleshooting process", sol.Process)
	section("Root cause", sol.RootCause)
	section("Resolution", sol.Solution)

	if len(sol.Commands) > 0 {
		b.WriteString("\n## Commands used\n\n```\n")
		for _, c := range sol.Commands {
			b.WriteString(c)
			b.WriteByte('\n')
		}
		b.WriteString("```\n")
	}
	return b.String()
}
