package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olav/internal/types"
)

var testRoster = []Device{
	{Name: "R1", Address: "10.0.0.1", Platform: "cisco_ios", Groups: []string{"core", "wan"},
		Attributes: map[string]string{"site": "dc1", "role": "core"}},
	{Name: "R2", Address: "10.0.0.2", Platform: "cisco_ios", Groups: []string{"core"},
		Attributes: map[string]string{"site": "dc2", "role": "core"}},
	{Name: "SW1", Address: "10.0.1.1", Platform: "huawei_vrp", Groups: []string{"access"},
		Attributes: map[string]string{"site": "dc1", "role": "access"}},
}

type memProvider struct{ devices []Device }

func (m *memProvider) List(ctx context.Context) ([]Device, error) { return m.devices, nil }
func (m *memProvider) Get(ctx context.Context, name string) (Device, error) {
	for _, d := range m.devices {
		if d.Name == name {
			return d, nil
		}
	}
	return Device{}, types.Errorf(types.KindNotFound, "device %q not in inventory", name)
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		in      string
		want    Selector
		wantErr types.ErrorKind
	}{
		{in: "R1", want: Selector{Names: []string{"R1"}}},
		{in: "R1, R2 ,SW1", want: Selector{Names: []string{"R1", "R2", "SW1"}}},
		{in: "all", want: Selector{All: true}},
		{in: "ALL", want: Selector{All: true}},
		{in: "group:core", want: Selector{Key: "group", Value: "core"}},
		{in: "site:dc1", want: Selector{Key: "site", Value: "dc1"}},
		{in: "role:access", want: Selector{Key: "role", Value: "access"}},
		{in: "platform:cisco_ios", want: Selector{Key: "platform", Value: "cisco_ios"}},
		{in: "", wantErr: types.KindEmptyScope},
		{in: "   ", wantErr: types.KindEmptyScope},
		{in: "group:", wantErr: types.KindEmptyScope},
		{in: "rack:42", wantErr: types.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSelector(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, types.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Names, got.Names)
			assert.Equal(t, tt.want.All, got.All)
			assert.Equal(t, tt.want.Key, got.Key)
			assert.Equal(t, tt.want.Value, got.Value)
		})
	}
}

func TestResolveByName(t *testing.T) {
	p := &memProvider{devices: testRoster}
	sel, err := ParseSelector("R1,R9,SW1")
	require.NoError(t, err)

	res, err := Resolve(context.Background(), p, sel)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "SW1"}, res.Names())
	assert.Equal(t, []string{"R9"}, res.Missing)
}

func TestResolveAll(t *testing.T) {
	p := &memProvider{devices: testRoster}
	sel, err := ParseSelector("all")
	require.NoError(t, err)

	res, err := Resolve(context.Background(), p, sel)
	require.NoError(t, err)
	assert.Len(t, res.Resolved, 3)
	assert.Empty(t, res.Missing)
}

func TestResolveKeyedFilters(t *testing.T) {
	p := &memProvider{devices: testRoster}
	tests := []struct {
		selector string
		want     []string
	}{
		{"group:core", []string{"R1", "R2"}},
		{"group:wan", []string{"R1"}},
		{"site:dc1", []string{"R1", "SW1"}},
		{"role:access", []string{"SW1"}},
		{"platform:huawei_vrp", []string{"SW1"}},
		{"platform:CISCO_IOS", []string{"R1", "R2"}}, // tags compare case-insensitively
		{"group:nonexistent", nil},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			sel, err := ParseSelector(tt.selector)
			require.NoError(t, err)
			res, err := Resolve(context.Background(), p, sel)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, res.Resolved)
			} else {
				assert.Equal(t, tt.want, res.Names())
			}
		})
	}
}

func TestResolveEmptyRosterReturnsEmpty(t *testing.T) {
	p := &memProvider{}
	sel, err := ParseSelector("all")
	require.NoError(t, err)

	res, err := Resolve(context.Background(), p, sel)
	require.NoError(t, err)
	assert.Empty(t, res.Resolved)
}
