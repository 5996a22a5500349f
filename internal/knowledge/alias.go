package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"olav/internal/types"
)

// ===== ALIASES =====
//
// knowledge/aliases.md is a Markdown table mapping human phrases to device
// names or group selectors. Rows are keyed by (alias, type): updating an
// existing key replaces the row in place, everything else appends.

const aliasesPath = "knowledge/aliases.md"

const aliasesHeader = `# Device aliases

| Alias | Type | Value | Platform | Notes |
|-------|------|-------|----------|-------|
`

// Alias is one row of the alias table.
type Alias struct {
	Alias    string `json:"alias"`
	Type     string `json:"type"` // device or group
	Value    string `json:"value"`
	Platform string `json:"platform,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// UpdateAlias appends or replaces the row keyed by (alias, type).
func (s *Store) UpdateAlias(a Alias, origin Origin, approved bool) error {
	a.Alias = strings.TrimSpace(a.Alias)
	a.Type = strings.ToLower(strings.TrimSpace(a.Type))
	a.Value = strings.TrimSpace(a.Value)
	if a.Alias == "" || a.Value == "" {
		return types.NewError(types.KindInternal, "alias and value are required")
	}
	if a.Type != "device" && a.Type != "group" {
		return types.Errorf(types.KindInternal, "alias type must be device or group, got %q", a.Type)
	}
	if origin == OriginAgent && !approved {
		return types.NeedsApproval("update_alias", map[string]any{
			"alias": a.Alias, "type": a.Type, "value": a.Value,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.readAliases()
	if err != nil {
		return err
	}
	replaced := false
	for i, row := range rows {
		if strings.EqualFold(row.Alias, a.Alias) && row.Type == a.Type {
			rows[i] = a
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, a)
	}

	var b strings.Builder
	b.WriteString(aliasesHeader)
	for _, row := range rows {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			cell(row.Alias), cell(row.Type), cell(row.Value), cell(row.Platform), cell(row.Notes))
	}
	if err := s.atomicWrite(aliasesPath, []byte(b.String())); err != nil {
		return err
	}
	s.queueReindex(aliasesPath)
	return nil
}

// Aliases returns the parsed alias table; empty when the file is absent.
func (s *Store) Aliases() ([]Alias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAliases()
}

// ResolveAlias returns the alias row matching a phrase, if any.
func (s *Store) ResolveAlias(phrase string) (Alias, bool, error) {
	rows, err := s.Aliases()
	if err != nil {
		return Alias{}, false, err
	}
	phrase = strings.TrimSpace(phrase)
	for _, row := range rows {
		if strings.EqualFold(row.Alias, phrase) {
			return row, true, nil
		}
	}
	return Alias{}, false, nil
}

func (s *Store) readAliases() ([]Alias, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(aliasesPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.WrapError(types.KindInternal, "failed to read alias table", err)
	}

	var rows []Alias
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitRow(line)
		if len(cells) < 3 {
			continue
		}
		// Header and separator rows.
		if strings.EqualFold(cells[0], "alias") || strings.Trim(cells[0], "-: ") == "" {
			continue
		}
		row := Alias{
			Alias: cells[0],
			Type:  strings.ToLower(cells[1]),
			Value: cells[2],
		}
		if len(cells) > 3 {
			row.Platform = cells[3]
		}
		if len(cells) > 4 {
			row.Notes = cells[4]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func splitRow(line string) []string {
	parts := strings.Split(strings.Trim(line, "|"), "|")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// cell escapes pipes so a value cannot break the table.
func cell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
