package rcon

import (
	"context"
	"time"

	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/logger"
)

// ChannelConfig configures a command channel to one server.
type ChannelConfig struct {
	Address        string
	Password       string
	Retries        int
	DialTimeout    time.Duration
	SettleDelay    time.Duration // Pause after every teardown
	PostSendDelay  time.Duration // Pause after a successful SendMessage
	MessageKeyword string
}

// Conn is an authenticated command connection.
type Conn interface {
	Execute(command string) (string, error)
	Close() error
}

// DialFunc opens a Conn. Dial is the production implementation.
type DialFunc func(ctx context.Context, addr, password string, timeout time.Duration) (Conn, error)

func dialClient(ctx context.Context, addr, password string, timeout time.Duration) (Conn, error) {
	c, err := Dial(ctx, addr, password, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Channel sends commands over short-lived connections. It keeps no
// connection between calls and does not serialize concurrent callers.
type Channel struct {
	cfg  ChannelConfig
	dial DialFunc
	log  logger.Logger
}

// NewChannel creates a Channel. A nil dial uses Dial.
func NewChannel(cfg ChannelConfig, dial DialFunc) *Channel {
	if cfg.Retries <= 0 {
		cfg.Retries = consts.DefaultCommandRetries
	}
	if cfg.MessageKeyword == "" {
		cfg.MessageKeyword = consts.DefaultMessageKeyword
	}
	if dial == nil {
		dial = dialClient
	}
	return &Channel{
		cfg:  cfg,
		dial: dial,
		log:  logger.Log.With("component", "rcon", "addr", cfg.Address),
	}
}

// Send delivers command, reconnecting on failure. Connection failures and
// command failures are counted separately; the command budget is one
// attempt unless retryIfFailed is set. It returns true on the first
// command that is sent without error.
func (c *Channel) Send(ctx context.Context, command string, retryIfFailed bool) bool {
	commandCap := 1
	if retryIfFailed {
		commandCap = c.cfg.Retries
	}

	connRetries, commandRetries := 0, 0
	for {
		if ctx.Err() != nil {
			monitor.RconCommands.WithLabelValues("cancelled").Inc()
			return false
		}

		conn, err := c.dial(ctx, c.cfg.Address, c.cfg.Password, c.cfg.DialTimeout)
		if err != nil {
			connRetries++
			c.log.Warn("Connect failed", "attempt", connRetries, "err", err)
			if connRetries >= c.cfg.Retries {
				monitor.RconCommands.WithLabelValues("connect_failed").Inc()
				return false
			}
			c.settle(ctx)
			continue
		}

		_, err = conn.Execute(command)
		conn.Close()
		if err == nil {
			c.log.Debug("Command sent", "command", command)
			monitor.RconCommands.WithLabelValues("success").Inc()
			c.settle(ctx)
			return true
		}

		commandRetries++
		c.log.Warn("Command failed", "attempt", commandRetries, "err", err)
		if commandRetries >= commandCap {
			monitor.RconCommands.WithLabelValues("command_failed").Inc()
			return false
		}
		c.settle(ctx)
	}
}

// SendMessage broadcasts text to players using the configured keyword and
// then waits the post-send delay, returning early if ctx is cancelled.
func (c *Channel) SendMessage(ctx context.Context, text string) bool {
	if !c.Send(ctx, c.cfg.MessageKeyword+" "+text, false) {
		return false
	}
	sleep(ctx, c.cfg.PostSendDelay)
	return true
}

func (c *Channel) settle(ctx context.Context) {
	sleep(ctx, c.cfg.SettleDelay)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Personal.AI order the ending
