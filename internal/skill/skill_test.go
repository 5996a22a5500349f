package skill

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"olav/internal/types"
)

const interfaceCheck = `---
id: interface-check
name: Interface health check
description: Verify interface error counters and oper status
version: "2"
triggers: [interface, errors]
platforms: [cisco_ios, huawei_vrp]
estimated_runtime: 20s
parameters:
  - name: max_errors
    type: int
    required: true
  - name: include_down
    type: bool
    default: "false"
commands:
  cisco_ios:
    - run: show interfaces status
      parse: true
      independent: true
      fail: status == "err-disabled"
      warn: duplex == a-half
    - run: show interfaces counters errors
      parse: true
      fail: crc > {{max_errors}}
  huawei_vrp:
    - run: display interface brief
      parse: true
---
# Interface health check

Checks oper status and error counters on every interface.
`

func TestParseSkill(t *testing.T) {
	sk, err := Parse("skills/interface-check.md", interfaceCheck)
	require.NoError(t, err)

	assert.Equal(t, "interface-check", sk.ID)
	assert.Equal(t, "Interface health check", sk.Name)
	assert.Equal(t, "2", sk.Version)
	assert.Equal(t, []string{"interface", "errors"}, sk.Triggers)
	assert.ElementsMatch(t, []string{"cisco_ios", "huawei_vrp"}, sk.Platforms)
	assert.Equal(t, 20*time.Second, sk.EstimatedRuntime)
	assert.True(t, sk.Enabled)
	assert.Contains(t, sk.Body, "Checks oper status")

	require.Len(t, sk.Parameters, 2)
	assert.Equal(t, Parameter{Name: "max_errors", Type: "int", Required: true}, sk.Parameters[0])

	ios := sk.StepsFor("cisco_ios")
	require.Len(t, ios, 2)
	assert.Equal(t, "show interfaces status", ios[0].Run)
	assert.True(t, ios[0].Independent)
	assert.NotNil(t, ios[0].FailExpr())
	assert.NotNil(t, ios[0].WarnExpr())
	assert.Equal(t, "crc > {{max_errors}}", ios[1].Fail)

	require.Len(t, sk.StepsFor("HUAWEI_VRP"), 1) // platform lookup is case-insensitive
	assert.Nil(t, sk.StepsFor("junos"))
}

func TestParseSkillRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no id", "---\nname: x\ncommands:\n  a:\n    - run: show version\n---\n"},
		{"no commands", "---\nid: x\n---\n"},
		{"unterminated header", "---\nid: x\n"},
		{"bad runtime", "---\nid: x\nestimated_runtime: fast\ncommands:\n  a:\n    - run: show version\n---\n"},
		{"bad criteria", "---\nid: x\ncommands:\n  a:\n    - run: show version\n      fail: status ==\n---\n"},
		{"step without run", "---\nid: x\ncommands:\n  a:\n    - parse: true\n---\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("x.md", tc.content)
			assert.Error(t, err)
		})
	}
}

func TestBindParameters(t *testing.T) {
	sk, err := Parse("x.md", interfaceCheck)
	require.NoError(t, err)

	bound, err := sk.BindParameters(map[string]any{"max_errors": "100"})
	require.NoError(t, err)
	assert.Equal(t, 100, bound["max_errors"]) // string coerced to int
	assert.Equal(t, false, bound["include_down"])

	// JSON numbers arrive as float64.
	bound, err = sk.BindParameters(map[string]any{"max_errors": float64(5), "include_down": "true"})
	require.NoError(t, err)
	assert.Equal(t, 5, bound["max_errors"])
	assert.Equal(t, true, bound["include_down"])

	_, err = sk.BindParameters(map[string]any{})
	assert.Equal(t, types.KindNotFound, types.KindOf(err)) // required missing

	_, err = sk.BindParameters(map[string]any{"max_errors": 1, "bogus": 2})
	assert.Equal(t, types.KindNotFound, types.KindOf(err)) // undeclared

	_, err = sk.BindParameters(map[string]any{"max_errors": "lots"})
	assert.Error(t, err)
}

func TestBindCommand(t *testing.T) {
	got := BindCommand("ping {{target}} count {{count}}", map[string]any{"target": "10.0.0.1", "count": 5})
	assert.Equal(t, "ping 10.0.0.1 count 5", got)
}

func TestCriteriaEval(t *testing.T) {
	rows := []map[string]string{
		{"Port": "Gi0/1", "Status": "connected", "Duplex": "a-full", "CRC Errors": "0"},
		{"Port": "Gi0/2", "Status": "err-disabled", "Duplex": "a-half", "CRC Errors": "152"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`status == "err-disabled"`, true},
		{`status == connected and duplex == a-half`, false},
		{`crc_errors > 100`, true}, // column name normalization
		{`crc_errors > 200`, false},
		{`status != connected and (duplex == a-half or crc_errors > 10)`, true},
		{`not status == err-disabled`, true}, // first row
		{`port contains gi0`, true},
		{`missing_field == 1`, false},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			e, err := CompileCriteria(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, e.EvalAny(rows))
		})
	}

	e, err := CompileCriteria("")
	require.NoError(t, err)
	assert.Nil(t, e)

	for _, bad := range []string{"status ==", "== up", "(status == up", "status = up", "status == up extra"} {
		_, err := CompileCriteria(bad)
		assert.Error(t, err, bad)
	}
}

func TestCatalogReloadSkipsDisabledAndBroken(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("good.md", interfaceCheck)
	write("_draft.md", interfaceCheck)
	write("disabled.md", "---\nid: off-skill\nenabled: false\ncommands:\n  a:\n    - run: show version\n---\n")
	write("broken.md", "---\nid: broken\n") // unterminated header
	write("notes.txt", "not a skill")

	cat := NewCatalog(dir, zap.NewNop())
	n, err := cat.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sk, err := cat.Get("interface-check")
	require.NoError(t, err)
	assert.Equal(t, "interface-check", sk.ID)

	_, err = cat.Get("off-skill")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
	_, err = cat.Get("broken")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestCatalogReloadMissingDirIsEmpty(t *testing.T) {
	cat := NewCatalog(filepath.Join(t.TempDir(), "nope"), zap.NewNop())
	n, err := cat.Reload()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, cat.Len())
}

func TestFrontmatterShapes(t *testing.T) {
	header, body, err := SplitFrontmatter("---\na: 1\nlist:\n  - x\n  - y\ninline: [p, q]\nquoted: \"hello world\"\n---\nbody text\n")
	require.NoError(t, err)
	assert.Equal(t, "1", header["a"])
	assert.Equal(t, []any{"x", "y"}, header["list"])
	assert.Equal(t, []any{"p", "q"}, header["inline"])
	assert.Equal(t, "hello world", header["quoted"])
	assert.Equal(t, "body text\n", body)

	header, body, err = SplitFrontmatter("no header here")
	require.NoError(t, err)
	assert.Empty(t, header)
	assert.Equal(t, "no header here", body)
}
