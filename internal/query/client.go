package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/Vigil/pkg/logger"
)

// Status is what one query round trip learned about a server.
type Status struct {
	Info    *ServerInfo `json:"info"`
	Players []Player    `json:"players"`
	// Online is the player-list length, or the info count when the list
	// query failed.
	Online int `json:"online"`
}

// Config controls a Client.
type Config struct {
	Timeout time.Duration
	// CheckURL is the HTTP availability fallback template. Placeholders:
	// {managerId}, {managerVersion}, {ip}, {port}. Empty disables the fallback.
	CheckURL       string
	ManagerID      string
	ManagerVersion string
}

// Client queries game servers over A2S and the HTTP availability service.
type Client struct {
	cfg  Config
	http *http.Client
	log  logger.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 2 * cfg.Timeout},
		log:  logger.Log.With("component", "query"),
	}
}

// HasFallback reports whether an HTTP availability URL is configured.
func (c *Client) HasFallback() bool {
	return c.cfg.CheckURL != ""
}

// Query fetches server info and the player list from ep.
func (c *Client) Query(ctx context.Context, ep netip.AddrPort) (*Status, error) {
	conn, err := c.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	info, err := c.queryInfo(conn)
	if err != nil {
		return nil, err
	}

	st := &Status{Info: info, Online: info.Players}
	players, err := c.queryPlayers(conn)
	if err != nil {
		c.log.Debug("Player list query failed", "endpoint", ep.String(), "err", err)
		return st, nil
	}
	st.Players = players
	st.Online = len(players)
	return st, nil
}

func (c *Client) dial(ctx context.Context, ep netip.AddrPort) (*net.UDPConn, error) {
	if !ep.IsValid() {
		return nil, fmt.Errorf("query: invalid endpoint")
	}
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(ep))
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// exchange sends req and returns the reply, answering at most one challenge.
// build produces the request for a given challenge.
func exchange(conn *net.UDPConn, req []byte, build func(challenge []byte) []byte) (byte, []byte, error) {
	buffer := make([]byte, maxPacketSize)
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := conn.Write(req); err != nil {
			return 0, nil, err
		}
		n, err := conn.Read(buffer)
		if err != nil {
			return 0, nil, err
		}
		kind, body, err := splitReply(buffer[:n])
		if err != nil {
			return 0, nil, err
		}
		if kind != typeChallenge {
			return kind, body, nil
		}
		if len(body) < 4 {
			return 0, nil, errShortPacket
		}
		req = build(append([]byte{}, body[:4]...))
	}
	return 0, nil, fmt.Errorf("query: challenge not accepted")
}

func (c *Client) queryInfo(conn *net.UDPConn) (*ServerInfo, error) {
	kind, body, err := exchange(conn, infoRequest, func(ch []byte) []byte {
		return append(append([]byte{}, infoRequest...), ch...)
	})
	if err != nil {
		return nil, err
	}
	if kind != typeInfo {
		return nil, fmt.Errorf("query: unexpected info reply type 0x%02x", kind)
	}
	return parseInfo(body)
}

func (c *Client) queryPlayers(conn *net.UDPConn) ([]Player, error) {
	kind, body, err := exchange(conn, playersRequest(packetHeader), playersRequest)
	if err != nil {
		return nil, err
	}
	if kind != typePlayers {
		return nil, fmt.Errorf("query: unexpected player reply type 0x%02x", kind)
	}
	return parsePlayers(body)
}

// CheckAvailability asks the HTTP availability service whether ep is
// reachable from the internet. Any reply other than a JSON object with a
// boolean "available" field counts as unavailable.
func (c *Client) CheckAvailability(ctx context.Context, ep netip.AddrPort) (bool, error) {
	if !c.HasFallback() {
		return false, fmt.Errorf("query: no availability URL configured")
	}

	url := strings.NewReplacer(
		"{managerId}", c.cfg.ManagerID,
		"{managerVersion}", c.cfg.ManagerVersion,
		"{ip}", ep.Addr().String(),
		"{port}", strconv.Itoa(int(ep.Port())),
	).Replace(c.cfg.CheckURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("query: availability service returned %s", resp.Status)
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return false, fmt.Errorf("query: decode availability reply: %w", err)
	}
	available, ok := body["available"].(bool)
	return ok && available, nil
}

// Personal.AI order the ending
