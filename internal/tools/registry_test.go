package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"olav/internal/capability"
	"olav/internal/fleet"
	"olav/internal/inspect"
	"olav/internal/inventory"
	"olav/internal/knowledge"
	"olav/internal/search"
	"olav/internal/skill"
	"olav/internal/transport"
	"olav/internal/types"
)

type rosterProvider struct{ devices []inventory.Device }

func (p *rosterProvider) List(ctx context.Context) ([]inventory.Device, error) {
	return p.devices, nil
}

func (p *rosterProvider) Get(ctx context.Context, name string) (inventory.Device, error) {
	for _, d := range p.devices {
		if d.Name == name {
			return d, nil
		}
	}
	return inventory.Device{}, types.Errorf(types.KindNotFound, "device %q not in inventory", name)
}

type fixture struct {
	reg  *Registry
	mock *transport.MockTransport
	root string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	commandsDir := filepath.Join(root, "imports", "commands")
	apisDir := filepath.Join(root, "imports", "apis")
	skillsDir := filepath.Join(root, "skills")
	for _, dir := range []string{commandsDir, apisDir, skillsDir} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(commandsDir, "cisco_ios.txt"),
		[]byte("show version\n!configure terminal\n"), 0o644))

	caps := capability.NewRegistry(commandsDir, apisDir, zap.NewNop())
	_, err := caps.Reload()
	require.NoError(t, err)

	catalog := skill.NewCatalog(skillsDir, zap.NewNop())
	_, err = catalog.Reload()
	require.NoError(t, err)

	mock := transport.NewMock()
	pool := fleet.NewPool([]transport.Transport{mock}, transport.StaticCredentialProvider{
		"lab": {Username: "admin", Password: "pw"},
	}, fleet.PoolOptions{ConnectTimeout: time.Second, IdleClose: time.Minute}, zap.NewNop())
	t.Cleanup(pool.Close)

	provider := &rosterProvider{devices: []inventory.Device{{
		Name: "R1", Address: "10.0.0.1", Platform: "cisco_ios", CredentialsRef: "lab",
		Groups: []string{"core"}, Attributes: map[string]string{"transport": "mock"},
	}}}
	engine := fleet.NewEngine(caps, provider, pool, nil, nil, nil, fleet.Config{}, zap.NewNop())

	store := knowledge.NewStore(root, zap.NewNop())
	index, err := search.NewIndex(filepath.Join(root, ".index", "knowledge.db"), nil, search.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	store.SetReindexHook(func(rel string) {
		content, rerr := store.Read(rel)
		if rerr == nil {
			_ = index.Upsert(context.Background(), search.DocumentFromFile(rel, content))
		}
	})

	orch := inspect.NewOrchestrator(catalog, engine, store, inspect.Config{}, zap.NewNop())

	reg := NewRegistry(zap.NewNop())
	RegisterAll(reg, Deps{
		Engine:       engine,
		Capabilities: caps,
		Orchestrator: orch,
		Store:        store,
		Index:        index,
	})
	return &fixture{reg: reg, mock: mock, root: root}
}

func TestRegisterAllSurface(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{
		"execute_api", "execute_command", "inspect", "list_devices",
		"read_file", "request_approval", "resolve_selector", "save_solution",
		"search_capabilities", "search_knowledge", "update_alias", "write_file",
	}, f.reg.Names())

	defs := f.reg.Defs()
	require.Len(t, defs, 12)
	for _, def := range defs {
		assert.Equal(t, "object", def.Schema["type"])
	}
}

func TestIsWriteClassification(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.reg.IsWrite("execute_command"))
	assert.True(t, f.reg.IsWrite("write_file"))
	assert.True(t, f.reg.IsWrite("save_solution"))
	assert.False(t, f.reg.IsWrite("list_devices"))
	assert.False(t, f.reg.IsWrite("search_knowledge"))
	assert.True(t, f.reg.IsWrite("no_such_tool")) // unknown defaults to write
}

func TestValidateArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Execute(ctx, "resolve_selector", Call{Args: map[string]any{}})
	assert.Equal(t, types.KindNotFound, types.KindOf(err)) // required missing

	_, err = f.reg.Execute(ctx, "resolve_selector", Call{Args: map[string]any{
		"selector": "all", "verbose": true,
	}})
	assert.Equal(t, types.KindNotPermitted, types.KindOf(err)) // unexpected arg

	_, err = f.reg.Execute(ctx, "resolve_selector", Call{Args: map[string]any{"selector": 42}})
	assert.Equal(t, types.KindParseFailed, types.KindOf(err)) // wrong type

	_, err = f.reg.Execute(ctx, "no_such_tool", Call{})
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestFleetTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mock.Script("R1", "show version", transport.MockResponse{Output: "IOS 15.2"})

	out, err := f.reg.Execute(ctx, "list_devices", Call{Args: map[string]any{}})
	require.NoError(t, err)
	assert.Contains(t, out, `"R1"`)

	out, err = f.reg.Execute(ctx, "resolve_selector", Call{Args: map[string]any{"selector": "group:core"}})
	require.NoError(t, err)
	var res struct {
		Resolved []string `json:"resolved"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []string{"R1"}, res.Resolved)

	out, err = f.reg.Execute(ctx, "execute_command", Call{Args: map[string]any{
		"device": "R1", "command": "show version",
	}})
	require.NoError(t, err)
	assert.Contains(t, out, "IOS 15.2")

	out, err = f.reg.Execute(ctx, "search_capabilities", Call{Args: map[string]any{"query": "version"}})
	require.NoError(t, err)
	assert.Contains(t, out, "show version")
}

func TestWriteCommandInterrupts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Execute(ctx, "execute_command", Call{Args: map[string]any{
		"device": "R1", "command": "configure terminal",
	}})
	require.Error(t, err)
	assert.Equal(t, types.KindNeedsApproval, types.KindOf(err))
	assert.Empty(t, f.mock.Calls()) // no device contact before approval

	// Approved re-invocation runs.
	f.mock.Script("R1", "configure terminal", transport.MockResponse{Output: "Enter configuration commands"})
	out, err := f.reg.Execute(ctx, "execute_command", Call{
		Args:     map[string]any{"device": "R1", "command": "configure terminal"},
		Approved: true,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Enter configuration")
}

func TestKnowledgeToolsApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Execute(ctx, "write_file", Call{Args: map[string]any{
		"path": "knowledge/notes.md", "content": "ntp drift on core",
	}})
	assert.Equal(t, types.KindNeedsApproval, types.KindOf(err))

	out, err := f.reg.Execute(ctx, "write_file", Call{
		Args:     map[string]any{"path": "knowledge/notes.md", "content": "ntp drift on core"},
		Approved: true,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "knowledge/notes.md")

	// The reindex hook made the write searchable immediately.
	out, err = f.reg.Execute(ctx, "search_knowledge", Call{Args: map[string]any{"query": "ntp drift"}})
	require.NoError(t, err)
	assert.Contains(t, out, "knowledge/notes.md")

	out, err = f.reg.Execute(ctx, "read_file", Call{Args: map[string]any{"path": "knowledge/notes.md"}})
	require.NoError(t, err)
	assert.Equal(t, "ntp drift on core", out)
}

func TestSaveSolutionAndAlias(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.reg.Execute(ctx, "save_solution", Call{
		Args: map[string]any{
			"title":    "BGP flap on edge",
			"problem":  "Neighbor flapping every 90s",
			"solution": "Fix MTU on the core link",
			"tags":     []any{"bgp", "mtu"},
		},
		Approved: true,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "knowledge/solutions/bgp-flap-on-edge.md")

	out, err = f.reg.Execute(ctx, "update_alias", Call{
		Args:     map[string]any{"alias": "edge pair", "type": "group", "value": "group:edge"},
		Approved: true,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "edge pair")
}

func TestRequestApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Execute(ctx, "request_approval", Call{Args: map[string]any{
		"tool": "execute_command",
		"args": map[string]any{"device": "R1", "command": "reload"},
	}})
	require.Error(t, err)
	assert.Equal(t, types.KindNeedsApproval, types.KindOf(err))
	req, ok := types.ApprovalOf(err)
	require.True(t, ok)
	assert.Equal(t, "execute_command", req.Tool)

	out, err := f.reg.Execute(ctx, "request_approval", Call{
		Args:     map[string]any{"tool": "execute_command"},
		Approved: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "approved", out)
}

func TestRegistryRejectsBadTools(t *testing.T) {
	r := NewRegistry(nil)
	assert.Error(t, r.Register(&Tool{Name: "", Handler: func(ctx context.Context, c Call) (string, error) { return "", nil }}))
	assert.Error(t, r.Register(&Tool{Name: "x"}))
	require.NoError(t, r.Register(&Tool{Name: "x", Handler: func(ctx context.Context, c Call) (string, error) { return "", nil }}))
	assert.Error(t, r.Register(&Tool{Name: "x", Handler: func(ctx context.Context, c Call) (string, error) { return "", nil }}))
}
