package inspect

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"olav/internal/capability"
	"olav/internal/fleet"
	"olav/internal/inventory"
	"olav/internal/knowledge"
	"olav/internal/skill"
	"olav/internal/transport"
	"olav/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fanoutSkill = `---
id: uplink-check
name: Uplink check
platforms: [cisco_ios]
estimated_runtime: 5s
parameters:
  - name: max_errors
    type: int
    default: "10"
commands:
  cisco_ios:
    - run: show interfaces status
      parse: true
      fail: status == err-disabled
    - run: show version
---
Checks uplinks.
`

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

// rowParser turns "col=val col=val" lines into rows.
type rowParser struct{}

func (rowParser) Supports(platform, operation string) bool {
	return strings.HasPrefix(operation, "show interfaces")
}

func (rowParser) Parse(platform, operation, raw string) ([]map[string]string, error) {
	var rows []map[string]string
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		row := map[string]string{}
		for _, field := range strings.Fields(line) {
			if k, v, ok := strings.Cut(field, "="); ok {
				row[k] = v
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

type fixture struct {
	orch  *Orchestrator
	mock  *transport.MockTransport
	store *knowledge.Store
	root  string
}

func newFixture(t *testing.T, devices []inventory.Device, cfg Config) *fixture {
	t.Helper()
	root := t.TempDir()
	commandsDir := filepath.Join(root, "imports", "commands")
	apisDir := filepath.Join(root, "imports", "apis")
	skillsDir := filepath.Join(root, "skills")
	for _, dir := range []string{commandsDir, apisDir, skillsDir} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(commandsDir, "cisco_ios.txt"),
		[]byte("show version\nshow interface*\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "uplink-check.md"),
		[]byte(fanoutSkill), 0o644))

	reg := capability.NewRegistry(commandsDir, apisDir, zap.NewNop())
	_, err := reg.Reload()
	require.NoError(t, err)

	catalog := skill.NewCatalog(skillsDir, zap.NewNop())
	_, err = catalog.Reload()
	require.NoError(t, err)

	mock := transport.NewMock()
	pool := fleet.NewPool([]transport.Transport{mock}, transport.StaticCredentialProvider{
		"lab": {Username: "admin", Password: "pw"},
	}, fleet.PoolOptions{ConnectTimeout: time.Second, IdleClose: time.Minute}, zap.NewNop())
	t.Cleanup(pool.Close)

	engine := fleet.NewEngine(reg, &rosterProvider{devices: devices}, pool, rowParser{}, nil, nil,
		fleet.Config{ParseFallback: true}, zap.NewNop())

	store := knowledge.NewStore(root, zap.NewNop())
	orch := NewOrchestrator(catalog, engine, store, cfg, zap.NewNop())
	return &fixture{orch: orch, mock: mock, store: store, root: root}
}

func labDevice(name string, platform string) inventory.Device {
	return inventory.Device{
		Name: name, Address: name + ".lab", Platform: platform, CredentialsRef: "lab",
		Groups: []string{"core"}, Attributes: map[string]string{"transport": "mock"},
	}
}

func scriptHealthy(f *fixture, device string) {
	f.mock.Script(device, "show interfaces status", transport.MockResponse{Output: "port=Gi0/1 status=connected"})
	f.mock.Script(device, "show version", transport.MockResponse{Output: "IOS 15.2"})
}

func TestPrepare(t *testing.T) {
	f := newFixture(t, []inventory.Device{labDevice("R1", "cisco_ios"), labDevice("R2", "cisco_ios")}, Config{})

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "group:core", nil, false)
	require.NoError(t, err)
	assert.Len(t, plan.Devices, 2)
	assert.Equal(t, 10, plan.Parameters["max_errors"])  // default applied
	assert.Equal(t, 30*time.Second, plan.DeviceTimeout) // 5s×3 clamped up to the floor
	assert.Empty(t, f.mock.Calls())                     // planning never touches devices
}

func TestPrepareErrors(t *testing.T) {
	f := newFixture(t, []inventory.Device{labDevice("R1", "cisco_ios")}, Config{})
	ctx := context.Background()

	_, err := f.orch.Prepare(ctx, "missing-skill", "all", nil, false)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	_, err = f.orch.Prepare(ctx, "uplink-check", "group:edge", nil, false)
	assert.Equal(t, types.KindEmptyScope, types.KindOf(err))

	_, err = f.orch.Prepare(ctx, "uplink-check", "all", map[string]any{"max_errors": "lots"}, false)
	assert.Error(t, err)
}

func TestRunAllPass(t *testing.T) {
	devices := []inventory.Device{labDevice("R1", "cisco_ios"), labDevice("R2", "cisco_ios")}
	f := newFixture(t, devices, Config{})
	scriptHealthy(f, "R1")
	scriptHealthy(f, "R2")

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "all", nil, false)
	require.NoError(t, err)
	report, err := f.orch.Run(context.Background(), plan, false)
	require.NoError(t, err)

	// Every resolved device has a summary.
	require.Len(t, report.PerDevice, 2)
	assert.Equal(t, TierPass, report.PerDevice["R1"].Tier)
	assert.Equal(t, TierPass, report.PerDevice["R2"].Tier)
	assert.Equal(t, 2, report.Aggregate.Tiers[TierPass])
	assert.Positive(t, report.TokensIn)
	assert.Contains(t, report.Markdown, "# Inspection Report: uplink-check")
	assert.Contains(t, report.Markdown, "### R1 — PASS")
}

func TestRunCriteriaTiers(t *testing.T) {
	devices := []inventory.Device{labDevice("R1", "cisco_ios")}
	f := newFixture(t, devices, Config{})
	f.mock.Script("R1", "show interfaces status", transport.MockResponse{Output: "port=Gi0/2 status=err-disabled"})
	f.mock.Script("R1", "show version", transport.MockResponse{Output: "IOS 15.2"})

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "R1", nil, false)
	require.NoError(t, err)
	report, err := f.orch.Run(context.Background(), plan, false)
	require.NoError(t, err)

	assert.Equal(t, TierFail, report.PerDevice["R1"].Tier)
	assert.Contains(t, report.PerDevice["R1"].Issues()[0], "err-disabled")
	assert.Contains(t, report.Aggregate.CommonIssues[0], "err-disabled")
}

func TestRunUnreachableDeviceFailsWithoutAborting(t *testing.T) {
	devices := []inventory.Device{labDevice("R1", "cisco_ios"), labDevice("R2", "cisco_ios")}
	f := newFixture(t, devices, Config{})
	scriptHealthy(f, "R1")
	f.mock.FailOpen("R2", types.NewError(types.KindTransport, "connection refused"))

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "all", nil, false)
	require.NoError(t, err)
	report, err := f.orch.Run(context.Background(), plan, false)
	require.NoError(t, err)

	require.Len(t, report.PerDevice, 2)
	assert.Equal(t, TierPass, report.PerDevice["R1"].Tier)
	assert.Equal(t, TierFail, report.PerDevice["R2"].Tier)
	assert.Equal(t, types.KindTransport, report.PerDevice["R2"].ErrorKind)
	assert.Equal(t, []string{"R2"}, report.Aggregate.TopFailing)
	assert.Equal(t, []string{"transport"}, report.Aggregate.DominantErrors)
}

func TestRunUnsupportedPlatformSkipped(t *testing.T) {
	devices := []inventory.Device{labDevice("R1", "cisco_ios"), labDevice("SW1", "junos")}
	f := newFixture(t, devices, Config{})
	scriptHealthy(f, "R1")

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "all", nil, false)
	require.NoError(t, err)
	report, err := f.orch.Run(context.Background(), plan, false)
	require.NoError(t, err)

	assert.Equal(t, TierSkipped, report.PerDevice["SW1"].Tier)
	assert.Equal(t, "UnsupportedPlatform", report.PerDevice["SW1"].Reason)
	assert.Empty(t, f.mock.CallsFor("SW1"))
}

func TestRunDeterministicReport(t *testing.T) {
	devices := []inventory.Device{labDevice("R1", "cisco_ios"), labDevice("R2", "cisco_ios")}
	f := newFixture(t, devices, Config{})
	scriptHealthy(f, "R1")
	scriptHealthy(f, "R2")

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "all", nil, false)
	require.NoError(t, err)
	first, err := f.orch.Run(context.Background(), plan, false)
	require.NoError(t, err)
	second, err := f.orch.Run(context.Background(), plan, false)
	require.NoError(t, err)

	normalize := func(md string) string {
		// The duration line is the only nondeterministic part.
		lines := strings.Split(md, "\n")
		var out []string
		for _, l := range lines {
			if !strings.HasPrefix(l, "Duration:") {
				out = append(out, l)
			}
		}
		return strings.Join(out, "\n")
	}
	assert.Equal(t, normalize(first.Markdown), normalize(second.Markdown))
}

func TestRunPersistWritesAndReindexes(t *testing.T) {
	devices := []inventory.Device{labDevice("R1", "cisco_ios")}
	f := newFixture(t, devices, Config{})
	scriptHealthy(f, "R1")

	var reindexed []string
	f.store.SetReindexHook(func(rel string) { reindexed = append(reindexed, rel) })

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "all", nil, false)
	require.NoError(t, err)
	report, err := f.orch.Run(context.Background(), plan, true)
	require.NoError(t, err)

	require.NotEmpty(t, report.PersistedTo)
	content, err := f.store.Read(report.PersistedTo)
	require.NoError(t, err)
	assert.Contains(t, content, "# Inspection Report: uplink-check")
	assert.Equal(t, []string{report.PersistedTo}, reindexed)
}

func TestRunCancellationPartialReport(t *testing.T) {
	var devices []inventory.Device
	for _, name := range []string{"R1", "R2", "R3", "R4"} {
		devices = append(devices, labDevice(name, "cisco_ios"))
	}
	f := newFixture(t, devices, Config{Concurrency: 1, CancelGrace: 200 * time.Millisecond})
	f.mock.Script("R1", "show interfaces status", transport.MockResponse{Output: "port=Gi0/1 status=connected"})
	f.mock.Script("R1", "show version", transport.MockResponse{Output: "IOS"})
	for _, name := range []string{"R2", "R3", "R4"} {
		f.mock.Script(name, "show interfaces status", transport.MockResponse{Output: "port=x status=connected", Delay: 300 * time.Millisecond})
		f.mock.Script(name, "show version", transport.MockResponse{Output: "IOS", Delay: 300 * time.Millisecond})
	}

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "all", nil, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	report, err := f.orch.Run(ctx, plan, false)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Contains(t, report.Markdown, "Cancelled")
	// Fewer devices than resolved: scheduling stopped at cancel.
	assert.Less(t, len(report.PerDevice), len(devices))

	// Never-started devices stay out of the report body but still count
	// as skipped in the rollup.
	assert.Equal(t, len(devices), report.Aggregate.Total)
	assert.Equal(t, len(devices)-len(report.PerDevice), report.Aggregate.Tiers[TierSkipped])
}

func TestRunBusyWhenGateFull(t *testing.T) {
	devices := []inventory.Device{labDevice("R1", "cisco_ios")}
	f := newFixture(t, devices, Config{MaxInspections: 1})
	f.mock.Script("R1", "show interfaces status", transport.MockResponse{Output: "port=x status=connected", Delay: 200 * time.Millisecond})
	f.mock.Script("R1", "show version", transport.MockResponse{Output: "IOS", Delay: 200 * time.Millisecond})

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "all", nil, false)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, runErr := f.orch.Run(context.Background(), plan, false)
		assert.NoError(t, runErr)
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = f.orch.Run(context.Background(), plan, false)
	assert.Equal(t, types.KindBusy, types.KindOf(err))
	<-done
}

func TestSpillOversizedReport(t *testing.T) {
	devices := []inventory.Device{labDevice("R1", "cisco_ios")}
	spillDir := t.TempDir()
	f := newFixture(t, devices, Config{SpillTokens: 10, SpillDir: spillDir})
	scriptHealthy(f, "R1")

	plan, err := f.orch.Prepare(context.Background(), "uplink-check", "all", nil, false)
	require.NoError(t, err)
	report, err := f.orch.Run(context.Background(), plan, false)
	require.NoError(t, err)

	require.NotEmpty(t, report.SpilledTo)
	assert.Contains(t, report.Markdown, report.SpilledTo)
	data, err := os.ReadFile(report.SpilledTo)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Inspection Report")
}
