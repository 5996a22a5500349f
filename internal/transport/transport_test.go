package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olav/internal/inventory"
	"olav/internal/types"
)

func TestEnvCredentialProvider(t *testing.T) {
	t.Setenv("OLAV_CRED_LAB_USERNAME", "admin")
	t.Setenv("OLAV_CRED_LAB_PASSWORD", "hunter2")

	creds, err := EnvCredentialProvider{}.Lookup("lab")
	require.NoError(t, err)
	assert.Equal(t, "admin", creds.Username)
	assert.Equal(t, "hunter2", creds.Password)
}

func TestEnvCredentialProviderDashesMapToUnderscores(t *testing.T) {
	t.Setenv("OLAV_CRED_SITE_A_USERNAME", "ops")
	t.Setenv("OLAV_CRED_SITE_A_PASSWORD", "pw")

	creds, err := EnvCredentialProvider{}.Lookup("site-a")
	require.NoError(t, err)
	assert.Equal(t, "ops", creds.Username)
}

func TestEnvCredentialProviderMissing(t *testing.T) {
	_, err := EnvCredentialProvider{}.Lookup("nonexistent-ref")
	require.Error(t, err)
	assert.Equal(t, types.KindAuth, types.KindOf(err))

	_, err = EnvCredentialProvider{}.Lookup("")
	require.Error(t, err)
	assert.Equal(t, types.KindAuth, types.KindOf(err))
}

func TestStaticCredentialProvider(t *testing.T) {
	p := StaticCredentialProvider{"lab": {Username: "admin", Password: "pw"}}

	creds, err := p.Lookup("lab")
	require.NoError(t, err)
	assert.Equal(t, "admin", creds.Username)

	_, err = p.Lookup("other")
	require.Error(t, err)
	assert.Equal(t, types.KindAuth, types.KindOf(err))
}

func TestSSHOpenUnreachableIsTransport(t *testing.T) {
	tr := NewSSH(Options{ConnectTimeout: 200 * time.Millisecond})
	// Reserved TEST-NET-1 address; nothing listens there.
	_, err := tr.Open(context.Background(), inventory.Device{Name: "R1", Address: "192.0.2.1"},
		Credentials{Username: "admin", Password: "pw"})
	require.Error(t, err)
	assert.Equal(t, types.KindTransport, types.KindOf(err))
}

func TestSSHNoAuthMethodIsAuth(t *testing.T) {
	tr := NewSSH(Options{ConnectTimeout: 200 * time.Millisecond})
	_, err := tr.Open(context.Background(), inventory.Device{Name: "R1", Address: "192.0.2.1"},
		Credentials{Username: "admin"})
	require.Error(t, err)
	assert.Equal(t, types.KindAuth, types.KindOf(err))
}

func TestMockScriptedSend(t *testing.T) {
	m := NewMock()
	m.Script("R1", "show version", MockResponse{Output: "IOS 15.2"})

	sess, err := m.Open(context.Background(), inventory.Device{Name: "R1"}, Credentials{})
	require.NoError(t, err)
	defer sess.Close()

	out, err := sess.Send(context.Background(), "show version", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "IOS 15.2", out)

	_, err = sess.Send(context.Background(), "show clock", time.Second)
	require.Error(t, err)
	assert.Equal(t, types.KindTransport, types.KindOf(err))

	assert.Equal(t, []string{"show version", "show clock"}, m.CallsFor("R1"))
}

func TestMockFailTimesThenSucceed(t *testing.T) {
	m := NewMock()
	m.Script("R1", "show version", MockResponse{
		Output:    "IOS 15.2",
		Err:       types.NewError(types.KindTransport, "flap"),
		FailTimes: 2,
	})

	sess, err := m.Open(context.Background(), inventory.Device{Name: "R1"}, Credentials{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := sess.Send(context.Background(), "show version", time.Second)
		require.Error(t, err)
	}
	out, err := sess.Send(context.Background(), "show version", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "IOS 15.2", out)
}

func TestMockDelayHitsTimeout(t *testing.T) {
	m := NewMock()
	m.Script("R1", "show tech-support", MockResponse{Output: "huge", Delay: 500 * time.Millisecond})

	sess, err := m.Open(context.Background(), inventory.Device{Name: "R1"}, Credentials{})
	require.NoError(t, err)

	_, err = sess.Send(context.Background(), "show tech-support", 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}

func TestMockSendAfterClose(t *testing.T) {
	m := NewMock()
	m.DefaultOutput("ok")

	sess, err := m.Open(context.Background(), inventory.Device{Name: "R1"}, Credentials{})
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	_, err = sess.Send(context.Background(), "show version", time.Second)
	require.Error(t, err)
	assert.Equal(t, 1, m.CloseCount("R1"))
}
