// Package resource owns long-lived OS resources shared by the daemon, such
// as the API listening socket.
package resource

import (
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Vigil/pkg/logger"
)

const (
	envListenPID = "LISTEN_PID"
	envListenFDs = "LISTEN_FDS"

	// Service managers pass sockets starting at fd 3.
	listenFDsStart = 3
)

// Listeners hands out TCP listeners. Sockets passed in by a service manager
// (LISTEN_PID/LISTEN_FDS socket activation) are claimed by address before
// anything new is bound.
type Listeners struct {
	mu sync.Mutex

	// Keyed by canonical address.
	active    map[string]net.Listener
	inherited map[string]net.Listener

	discovered bool
	firstFD    int
	log        logger.Logger
}

// NewListeners creates an empty set.
func NewListeners() *Listeners {
	return &Listeners{
		active:    make(map[string]net.Listener),
		inherited: make(map[string]net.Listener),
		firstFD:   listenFDsStart,
		log:       logger.Log.With("component", "listeners"),
	}
}

// canonical normalises addr so ":8080", "0.0.0.0:8080" and "[::]:8080"
// compare equal. Unresolvable addresses are returned unchanged.
func canonical(addr string) string {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return addr
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return ":" + strconv.Itoa(tcp.Port)
	}
	return net.JoinHostPort(tcp.IP.String(), strconv.Itoa(tcp.Port))
}

func isSocket(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFSOCK
}

// discover adopts the sockets passed by a service manager. The variables
// are cleared so child processes do not inherit them.
func (ls *Listeners) discover() {
	if ls.discovered {
		return
	}
	ls.discovered = true

	pid, fds := os.Getenv(envListenPID), os.Getenv(envListenFDs)
	os.Unsetenv(envListenPID)
	os.Unsetenv(envListenFDs)
	if fds == "" {
		return
	}
	if pid != "" && pid != strconv.Itoa(os.Getpid()) {
		ls.log.Debug("Ignoring sockets passed to another process", "listen_pid", pid)
		return
	}
	count, err := strconv.Atoi(fds)
	if err != nil || count <= 0 {
		return
	}

	for fd := ls.firstFD; fd < ls.firstFD+count; fd++ {
		if !isSocket(fd) {
			ls.log.Warn("Passed fd is not a socket, skipping", "fd", fd)
			continue
		}
		unix.CloseOnExec(fd)
		f := os.NewFile(uintptr(fd), "listener-"+strconv.Itoa(fd))
		l, err := net.FileListener(f)
		// FileListener dups the descriptor.
		f.Close()
		if err != nil {
			ls.log.Error("Failed to adopt passed socket", "fd", fd, "err", err)
			continue
		}
		setNonblock(l)
		key := canonical(l.Addr().String())
		ls.inherited[key] = l
		ls.log.Info("Discovered passed socket", "addr", key, "fd", fd)
	}
}

// setNonblock keeps the descriptor usable by the runtime poller.
func setNonblock(l net.Listener) {
	tcp, ok := l.(*net.TCPListener)
	if !ok {
		return
	}
	if raw, err := tcp.SyscallConn(); err == nil {
		raw.Control(func(fd uintptr) {
			_ = unix.SetNonblock(int(fd), true)
		})
	}
}

// Listen returns the listener for addr: the one already handed out, a
// passed socket bound to the same address, or a freshly bound one.
func (ls *Listeners) Listen(addr string) (net.Listener, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	key := canonical(addr)
	if l, ok := ls.active[key]; ok {
		return l, nil
	}

	ls.discover()
	if l, ok := ls.inherited[key]; ok {
		ls.log.Info("Claiming passed socket", "addr", key)
		delete(ls.inherited, key)
		ls.active[key] = l
		return l, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ls.log.Debug("Bound new listener", "addr", l.Addr().String())
	ls.active[key] = l
	if actual := canonical(l.Addr().String()); actual != key {
		ls.active[actual] = l
	}
	return l, nil
}

// Close closes every listener, claimed or not.
func (ls *Listeners) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	closed := make(map[net.Listener]bool)
	for _, m := range []map[string]net.Listener{ls.active, ls.inherited} {
		for key, l := range m {
			if !closed[l] {
				l.Close()
				closed[l] = true
			}
			delete(m, key)
		}
	}
}

// Personal.AI order the ending
