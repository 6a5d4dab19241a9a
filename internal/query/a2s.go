package query

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
)

// A2S packet framing.
var (
	packetHeader = []byte{0xff, 0xff, 0xff, 0xff}
	infoRequest  = append(append([]byte{}, packetHeader...), append([]byte{'T'}, []byte("Source Engine Query\x00")...)...)
)

const (
	typeChallenge  = 0x41
	typeInfo       = 0x49
	typePlayers    = 0x44
	typePlayersReq = 'U'
	maxPacketSize  = 1400
)

var errShortPacket = errors.New("query: short packet")

// ServerInfo is the parsed A2S_INFO reply.
type ServerInfo struct {
	Protocol   byte   `json:"protocol"`
	Name       string `json:"name"`
	Map        string `json:"map"`
	Folder     string `json:"folder"`
	Game       string `json:"game"`
	AppID      uint16 `json:"app_id"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
	Bots       int    `json:"bots"`
	Version    string `json:"version"`
}

var nameVersion = regexp.MustCompile(`\(v(\d+(?:\.\d+)+)\)`)

// ParsedVersion extracts the build version advertised in the server name, as
// in "My Server - (v358.24)", falling back to the protocol version field.
func (si *ServerInfo) ParsedVersion() string {
	if si == nil {
		return ""
	}
	if m := nameVersion.FindStringSubmatch(si.Name); m != nil {
		return m[1]
	}
	return si.Version
}

// Player is one entry of an A2S_PLAYER reply.
type Player struct {
	Name     string  `json:"name"`
	Score    int32   `json:"score"`
	Duration float32 `json:"duration"`
}

func playersRequest(challenge []byte) []byte {
	req := append(append([]byte{}, packetHeader...), typePlayersReq)
	return append(req, challenge...)
}

// splitReply checks the single-packet header and returns the message type and body.
func splitReply(pkt []byte) (byte, []byte, error) {
	if len(pkt) < 5 || !bytes.Equal(pkt[:4], packetHeader) {
		return 0, nil, fmt.Errorf("query: unexpected header % x", pkt[:min(len(pkt), 5)])
	}
	return pkt[4], pkt[5:], nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) byte() byte {
	if r.err != nil || len(r.buf) < 1 {
		r.err = errShortPacket
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) uint16() uint16 {
	if r.err != nil || len(r.buf) < 2 {
		r.err = errShortPacket
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf)
	r.buf = r.buf[2:]
	return v
}

func (r *reader) uint32() uint32 {
	if r.err != nil || len(r.buf) < 4 {
		r.err = errShortPacket
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.buf, 0)
	if i < 0 {
		r.err = errShortPacket
		return ""
	}
	s := string(r.buf[:i])
	r.buf = r.buf[i+1:]
	return s
}

func parseInfo(body []byte) (*ServerInfo, error) {
	r := &reader{buf: body}
	si := &ServerInfo{}
	si.Protocol = r.byte()
	si.Name = r.cstring()
	si.Map = r.cstring()
	si.Folder = r.cstring()
	si.Game = r.cstring()
	si.AppID = r.uint16()
	si.Players = int(r.byte())
	si.MaxPlayers = int(r.byte())
	si.Bots = int(r.byte())
	r.byte() // server type
	r.byte() // environment
	r.byte() // visibility
	r.byte() // VAC
	si.Version = r.cstring()
	if r.err != nil {
		return nil, fmt.Errorf("query: malformed info reply: %w", r.err)
	}
	return si, nil
}

func parsePlayers(body []byte) ([]Player, error) {
	r := &reader{buf: body}
	n := int(r.byte())
	players := make([]Player, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		r.byte() // index
		p := Player{Name: r.cstring()}
		p.Score = int32(r.uint32())
		p.Duration = math.Float32frombits(r.uint32())
		if r.err == nil {
			players = append(players, p)
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("query: malformed player reply: %w", r.err)
	}
	return players, nil
}

// Personal.AI order the ending
