package rcon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal RCON server on a loopback TCP port.
type fakeServer struct {
	password string

	mu       sync.Mutex
	commands []string
}

func startFakeServer(t *testing.T, password string) (*fakeServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fs := &fakeServer{password: password}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fs.handle(conn)
		}
	}()
	return fs, ln.Addr().String()
}

func (fs *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		p, err := readPacket(r)
		if err != nil {
			return
		}
		switch p.typ {
		case typeAuth:
			conn.Write(packet{id: p.id, typ: typeResponse}.encode())
			id := p.id
			if p.body != fs.password {
				id = -1
			}
			conn.Write(packet{id: id, typ: typeAuthResponse}.encode())
		case typeExecCommand:
			fs.mu.Lock()
			fs.commands = append(fs.commands, p.body)
			fs.mu.Unlock()
			conn.Write(packet{id: p.id, typ: typeResponse, body: "Server received, But no response!!"}.encode())
		}
	}
}

func (fs *fakeServer) received() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.commands...)
}

func TestPacket_RoundTrip(t *testing.T) {
	raw := packet{id: 7, typ: typeExecCommand, body: "ListPlayers"}.encode()
	assert.Equal(t, byte(len("ListPlayers")+minPacketSize), raw[0])

	p, err := readPacket(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, int32(7), p.id)
	assert.Equal(t, "ListPlayers", p.body)
}

func TestReadPacket_RejectsBadSize(t *testing.T) {
	_, err := readPacket(bytes.NewReader([]byte{1, 0, 0, 0}))
	assert.Error(t, err)
}

func TestDial_AuthAndExecute(t *testing.T) {
	fs, addr := startFakeServer(t, "secret")

	c, err := Dial(context.Background(), addr, "secret", time.Second)
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Execute("SaveWorld")
	require.NoError(t, err)
	assert.Contains(t, reply, "Server received")
	assert.Equal(t, []string{"SaveWorld"}, fs.received())
}

func TestDial_WrongPassword(t *testing.T) {
	_, addr := startFakeServer(t, "secret")
	_, err := Dial(context.Background(), addr, "nope", time.Second)
	assert.Error(t, err)
}

func TestChannel_SendMessageUsesKeyword(t *testing.T) {
	fs, addr := startFakeServer(t, "pw")
	ch := NewChannel(ChannelConfig{Address: addr, Password: "pw", MessageKeyword: "ServerChat"}, nil)

	require.True(t, ch.SendMessage(context.Background(), "restart in 5 minutes"))
	assert.Equal(t, []string{"ServerChat restart in 5 minutes"}, fs.received())
}

func TestChannel_SendMessagePostDelayInterruptible(t *testing.T) {
	_, addr := startFakeServer(t, "pw")
	ch := NewChannel(ChannelConfig{Address: addr, Password: "pw", PostSendDelay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- ch.SendMessage(ctx, "hello") }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("post-send delay ignored cancellation")
	}
}

type countingDialer struct {
	mu          sync.Mutex
	dials       int
	executes    int
	failDial    bool
	failExecute bool
}

type stubConn struct{ d *countingDialer }

func (s stubConn) Execute(string) (string, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.executes++
	if s.d.failExecute {
		return "", errors.New("broken pipe")
	}
	return "", nil
}

func (s stubConn) Close() error { return nil }

func (d *countingDialer) dial(context.Context, string, string, time.Duration) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failDial {
		return nil, errors.New("connection refused")
	}
	return stubConn{d: d}, nil
}

func TestChannel_RetryBudgets(t *testing.T) {
	tests := []struct {
		name         string
		failDial     bool
		failExecute  bool
		retry        bool
		wantOK       bool
		wantDials    int
		wantExecutes int
	}{
		{name: "success first try", wantOK: true, wantDials: 1, wantExecutes: 1},
		{name: "connect always fails", failDial: true, retry: true, wantDials: 3},
		{name: "command fails without retry", failExecute: true, wantDials: 1, wantExecutes: 1},
		{name: "command fails with retry", failExecute: true, retry: true, wantDials: 3, wantExecutes: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDialer{failDial: tt.failDial, failExecute: tt.failExecute}
			ch := NewChannel(ChannelConfig{Address: "unused", Retries: 3}, d.dial)

			assert.Equal(t, tt.wantOK, ch.Send(context.Background(), "DoExit", tt.retry))
			assert.Equal(t, tt.wantDials, d.dials)
			assert.Equal(t, tt.wantExecutes, d.executes)
		})
	}
}

func TestChannel_CancelledBeforeSend(t *testing.T) {
	d := &countingDialer{}
	ch := NewChannel(ChannelConfig{Address: "unused"}, d.dial)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, ch.Send(ctx, "SaveWorld", true))
	assert.Zero(t, d.dials)
}
