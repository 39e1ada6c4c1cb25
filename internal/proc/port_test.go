package proc

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.olrik.dev/xpos/internal/core"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, port := listen(t)
	ln.Close()
	return port
}

func TestIsListening(t *testing.T) {
	quietLogger(t)

	_, port := listen(t)
	assert.True(t, IsListening("127.0.0.1", port, time.Second))

	closed := freePort(t)
	assert.False(t, IsListening("127.0.0.1", closed, 200*time.Millisecond))
}

func TestIsListening_DefaultTimeout(t *testing.T) {
	quietLogger(t)

	_, port := listen(t)
	assert.True(t, IsListening("127.0.0.1", port, 0))
}

func TestIsListening_UnresolvableHost(t *testing.T) {
	quietLogger(t)

	assert.False(t, IsListening("host.invalid", 80, 200*time.Millisecond))
}

func TestFindAvailablePort_FirstFree(t *testing.T) {
	quietLogger(t)

	port := freePort(t)
	got, err := FindAvailablePort("127.0.0.1", port, 10)
	require.NoError(t, err)
	assert.Equal(t, port, got)
}

func TestFindAvailablePort_SkipsOccupied(t *testing.T) {
	quietLogger(t)

	_, occupied := listen(t)
	got, err := FindAvailablePort("127.0.0.1", occupied, 10)
	require.NoError(t, err)
	assert.Greater(t, got, occupied)
	assert.LessOrEqual(t, got, occupied+9)
}

func TestFindAvailablePort_Exhausted(t *testing.T) {
	quietLogger(t)

	_, occupied := listen(t)
	_, err := FindAvailablePort("127.0.0.1", occupied, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPortExhausted), "expected ErrPortExhausted, got %v", err)
}
