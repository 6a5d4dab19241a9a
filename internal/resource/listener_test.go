package resource

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func isNonblocking(fd uintptr) (bool, error) {
	flags, err := unix.FcntlInt(fd, unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// passSocket duplicates l's descriptor the way a service manager would pass
// it and returns the new fd. l itself is closed.
func passSocket(t *testing.T, l net.Listener) int {
	t.Helper()
	f, err := l.(*net.TCPListener).File()
	require.NoError(t, err)
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	return fd
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, ":8080", canonical(":8080"))
	assert.Equal(t, ":8080", canonical("0.0.0.0:8080"))
	assert.Equal(t, ":8080", canonical("[::]:8080"))
	assert.Equal(t, "127.0.0.1:8080", canonical("127.0.0.1:8080"))
	assert.Equal(t, "not an address", canonical("not an address"))
}

func TestListen_Idempotent(t *testing.T) {
	t.Setenv(envListenFDs, "")
	ls := NewListeners()
	defer ls.Close()

	l1, err := ls.Listen("127.0.0.1:0")
	require.NoError(t, err)
	l2, err := ls.Listen("127.0.0.1:0")
	require.NoError(t, err)
	assert.Same(t, l1, l2)

	// The bound address resolves to the same listener too.
	l3, err := ls.Listen(l1.Addr().String())
	require.NoError(t, err)
	assert.Same(t, l1, l3)
}

func TestListen_AddressNormalization(t *testing.T) {
	t.Setenv(envListenFDs, "")
	ls := NewListeners()
	defer ls.Close()

	l1, err := ls.Listen(":0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(l1.Addr().String())
	require.NoError(t, err)

	l2, err := ls.Listen("0.0.0.0:" + port)
	require.NoError(t, err)
	assert.Same(t, l1, l2)
}

func TestListen_ClaimsPassedSocket(t *testing.T) {
	orig, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := orig.Addr().String()
	fd := passSocket(t, orig)

	t.Setenv(envListenFDs, "1")
	t.Setenv(envListenPID, strconv.Itoa(os.Getpid()))

	ls := NewListeners()
	ls.firstFD = fd
	defer ls.Close()

	l, err := ls.Listen(addr)
	require.NoError(t, err, "binding again would fail with address in use")
	assert.Empty(t, os.Getenv(envListenFDs))
	assert.Empty(t, os.Getenv(envListenPID))

	raw, err := l.(*net.TCPListener).SyscallConn()
	require.NoError(t, err)
	var nonblocking bool
	var ctrlErr error
	require.NoError(t, raw.Control(func(fd uintptr) { nonblocking, ctrlErr = isNonblocking(fd) }))
	require.NoError(t, ctrlErr)
	assert.True(t, nonblocking)

	accepted := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
		accepted <- err
	}()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c.Close()
	assert.NoError(t, <-accepted)
}

func TestListen_IgnoresSocketsForOtherPID(t *testing.T) {
	orig, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fd := passSocket(t, orig)
	defer unix.Close(fd)

	t.Setenv(envListenFDs, "1")
	t.Setenv(envListenPID, strconv.Itoa(os.Getpid()+1))

	ls := NewListeners()
	ls.firstFD = fd
	defer ls.Close()

	_, err = ls.Listen("127.0.0.1:0")
	require.NoError(t, err)
	assert.Empty(t, ls.inherited)
}

func TestListen_SkipsNonSocket(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "not-a-socket"))
	require.NoError(t, err)
	defer f.Close()

	t.Setenv(envListenFDs, "1")
	t.Setenv(envListenPID, "")

	ls := NewListeners()
	ls.firstFD = int(f.Fd())
	defer ls.Close()

	l, err := ls.Listen("127.0.0.1:0")
	require.NoError(t, err)
	assert.NotNil(t, l)
	assert.Empty(t, ls.inherited)
}
