// Package rcon speaks the Source RCON protocol to a running game server and
// wraps it in a retrying command channel.
package rcon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/turtacn/Vigil/pkg/errors"
)

// Packet types. Exec and auth-response share a value on the wire.
const (
	typeResponse     int32 = 0
	typeExecCommand  int32 = 2
	typeAuthResponse int32 = 2
	typeAuth         int32 = 3
)

const (
	minPacketSize = 10 // id + type + two NUL terminators
	maxPacketSize = 4096 + minPacketSize
)

type packet struct {
	id   int32
	typ  int32
	body string
}

func (p packet) encode() []byte {
	size := int32(len(p.body) + minPacketSize)
	buf := bytes.NewBuffer(make([]byte, 0, size+4))
	binary.Write(buf, binary.LittleEndian, size)
	binary.Write(buf, binary.LittleEndian, p.id)
	binary.Write(buf, binary.LittleEndian, p.typ)
	buf.WriteString(p.body)
	buf.Write([]byte{0, 0})
	return buf.Bytes()
}

func readPacket(r io.Reader) (packet, error) {
	var size int32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return packet{}, err
	}
	if size < minPacketSize || size > maxPacketSize {
		return packet{}, fmt.Errorf("rcon: invalid packet size %d", size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return packet{}, err
	}
	p := packet{
		id:  int32(binary.LittleEndian.Uint32(raw[0:4])),
		typ: int32(binary.LittleEndian.Uint32(raw[4:8])),
	}
	body := raw[8:]
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	p.body = string(body)
	return p, nil
}

// Client is one authenticated RCON connection. It is not safe for
// concurrent use.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	nextID  atomic.Int32
}

// Dial connects to addr and authenticates with password.
func Dial(ctx context.Context, addr, password string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.New(errors.ErrCodeRconConnect, "Dial", "failed to connect to "+addr, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn), timeout: timeout}
	if err := c.auth(password); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) auth(password string) error {
	id := c.nextID.Add(1)
	if err := c.write(packet{id: id, typ: typeAuth, body: password}); err != nil {
		return errors.New(errors.ErrCodeRconConnect, "Auth", "failed to send credentials", err)
	}
	// Servers may send an empty response packet before the auth response.
	for {
		p, err := c.read()
		if err != nil {
			return errors.New(errors.ErrCodeRconConnect, "Auth", "no auth response", err)
		}
		if p.typ != typeAuthResponse {
			continue
		}
		if p.id == -1 {
			return errors.New(errors.ErrCodeRconAuth, "Auth", "password rejected", nil)
		}
		if p.id != id {
			return errors.New(errors.ErrCodeRconAuth, "Auth", fmt.Sprintf("unexpected auth id %d", p.id), nil)
		}
		return nil
	}
}

// Execute runs command and returns the server's reply.
func (c *Client) Execute(command string) (string, error) {
	id := c.nextID.Add(1)
	if err := c.write(packet{id: id, typ: typeExecCommand, body: command}); err != nil {
		return "", errors.New(errors.ErrCodeRconCommand, "Execute", "failed to send command", err)
	}
	for {
		p, err := c.read()
		if err != nil {
			return "", errors.New(errors.ErrCodeRconCommand, "Execute", "failed to read reply", err)
		}
		if p.id == id && p.typ == typeResponse {
			return p.body, nil
		}
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) write(p packet) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err := c.conn.Write(p.encode())
	return err
}

func (c *Client) read() (packet, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	return readPacket(c.r)
}

// Personal.AI order the ending
