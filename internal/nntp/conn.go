package nntp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/usenetd/internal/infra/config"
)

// State of one server connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StateBusy
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options describe how to reach and authenticate with one server.
type Options struct {
	ServerID     string
	Addr         string
	Host         string
	TLS          bool
	StartTLS     bool
	Username     string
	Password     string
	RequireGroup bool
	Timeout      time.Duration
	// TLSConfig overrides the default client config, mainly for tests.
	TLSConfig *tls.Config
	Dial      DialFunc
}

// OptionsFrom builds Options from a server config entry.
func OptionsFrom(s config.ServerConfig) Options {
	return Options{
		ServerID:     s.ID,
		Addr:         s.Addr(),
		Host:         s.Host,
		TLS:          s.TLS,
		StartTLS:     s.StartTLS,
		Username:     s.Username,
		Password:     s.Password,
		RequireGroup: s.RequireGroup,
		Timeout:      s.Timeout,
	}
}

func (o Options) tlsConfig() *tls.Config {
	if o.TLSConfig != nil {
		return o.TLSConfig
	}
	return &tls.Config{
		ServerName: o.Host,
		MinVersion: tls.VersionTLS12,
	}
}

// Conn is one authenticated session. Body calls are serialised; at most
// one command is outstanding at a time.
type Conn struct {
	opts Options
	Slot int

	mu    sync.Mutex
	raw   net.Conn
	tp    *textproto.Conn
	group string

	state atomic.Int32
}

// Dial connects, reads the greeting, optionally upgrades with STARTTLS
// and authenticates.
func Dial(ctx context.Context, opts Options, slot int) (*Conn, error) {
	c := &Conn{opts: opts, Slot: slot}
	c.state.Store(int32(StateConnecting))

	dial := opts.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: opts.Timeout}
		dial = d.DialContext
	}
	raw, err := dial(ctx, "tcp", opts.Addr)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return nil, fmt.Errorf("dial %s: %w", opts.Addr, err)
	}
	if opts.TLS {
		tc := tls.Client(raw, opts.tlsConfig())
		if err := c.handshake(ctx, raw, tc); err != nil {
			raw.Close()
			c.state.Store(int32(StateDisconnected))
			return nil, err
		}
		raw = tc
	}
	c.setConn(raw)

	if err := c.greet(ctx); err != nil {
		c.drop()
		return nil, err
	}
	c.state.Store(int32(StateIdle))
	return c, nil
}

func (c *Conn) setConn(raw net.Conn) {
	c.raw = raw
	c.tp = textproto.NewConn(raw)
}

func (c *Conn) handshake(ctx context.Context, raw net.Conn, tc *tls.Conn) error {
	raw.SetDeadline(time.Now().Add(c.opts.Timeout))
	defer raw.SetDeadline(time.Time{})
	if err := tc.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	return nil
}

func (c *Conn) greet(ctx context.Context) error {
	stop := c.arm(ctx)
	defer stop()

	// Usenet servers greet with 200 or 201 (posting not allowed, but fine for downloading)
	if _, _, err := c.tp.ReadCodeLine(2); err != nil {
		return wrapResponse("greeting", err)
	}

	if c.opts.StartTLS {
		if _, _, err := c.cmd("STARTTLS", 382, "STARTTLS"); err != nil {
			return err
		}
		tc := tls.Client(c.raw, c.opts.tlsConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("starttls handshake: %w", err)
		}
		c.setConn(tc)
		c.armDeadline()
	}
	return c.authenticate()
}

func (c *Conn) authenticate() error {
	if c.opts.Username == "" {
		return nil
	}

	code, _, err := c.cmd("AUTHINFO USER", 0, "AUTHINFO USER %s", c.opts.Username)
	if err != nil {
		return err
	}
	switch code {
	case 281:
		return nil
	case 381: // Password required
	default:
		return &ResponseError{Command: "AUTHINFO USER", Code: code}
	}

	if _, _, err := c.cmd("AUTHINFO PASS", 281, "AUTHINFO PASS %s", c.opts.Password); err != nil {
		return err
	}
	return nil
}

// cmd sends one command and reads its status line. expect 0 accepts any
// code below 400.
func (c *Conn) cmd(name string, expect int, format string, args ...any) (int, string, error) {
	id, err := c.tp.Cmd(format, args...)
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", name, err)
	}
	c.tp.StartResponse(id)
	defer c.tp.EndResponse(id)

	code, msg, err := c.tp.ReadCodeLine(expect)
	if err != nil {
		return code, msg, wrapResponse(name, err)
	}
	if expect == 0 && code >= 400 {
		return code, msg, &ResponseError{Command: name, Code: code, Msg: msg}
	}
	return code, msg, nil
}

// armDeadline applies the per-command timeout.
func (c *Conn) armDeadline() {
	if c.opts.Timeout > 0 {
		c.raw.SetDeadline(time.Now().Add(c.opts.Timeout))
	}
}

// arm sets the command deadline and makes ctx cancellation interrupt I/O.
func (c *Conn) arm(ctx context.Context) (stop func()) {
	c.armDeadline()
	raw := c.raw
	cancel := context.AfterFunc(ctx, func() {
		raw.SetDeadline(time.Unix(1, 0))
	})
	return func() { cancel() }
}

// State returns the current state.
func (c *Conn) State() State { return State(c.state.Load()) }

// ServerID is the owning server.
func (c *Conn) ServerID() string { return c.opts.ServerID }

// Body fetches one article body with dot-unstuffing applied. GROUP is
// sent first when the server requires it. Errors that leave the session
// unusable close the connection.
func (c *Conn) Body(ctx context.Context, messageID string, groups []string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateIdle {
		return nil, ErrClosed
	}
	c.state.Store(int32(StateBusy))

	data, err := c.body(ctx, messageID, groups)
	if err != nil && closesConn(err) {
		c.drop()
		return nil, err
	}
	c.state.Store(int32(StateIdle))
	return data, err
}

func (c *Conn) body(ctx context.Context, messageID string, groups []string) ([]byte, error) {
	stop := c.arm(ctx)
	defer stop()

	if c.opts.RequireGroup && len(groups) > 0 && c.group != groups[0] {
		if _, _, err := c.cmd("GROUP", 211, "GROUP %s", groups[0]); err != nil {
			return nil, err
		}
		c.group = groups[0]
	}

	formattedID := strings.Trim(messageID, "<>")

	id, err := c.tp.Cmd("BODY <%s>", formattedID)
	if err != nil {
		return nil, fmt.Errorf("BODY: %w", err)
	}
	c.tp.StartResponse(id)
	defer c.tp.EndResponse(id)

	// Expecting 222 Body follows
	if _, _, err := c.tp.ReadCodeLine(222); err != nil {
		return nil, wrapResponse("BODY", err)
	}

	// DotReader handles the NNTP "dot-stuffing" (terminating the stream with .\r\n)
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, c.tp.DotReader()); err != nil {
		return nil, fmt.Errorf("BODY read: %w", err)
	}
	return buf.Bytes(), nil
}

// Close sends QUIT so the server can release the slot immediately.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateDisconnected {
		return nil
	}
	c.state.Store(int32(StateClosing))
	if c.tp != nil {
		c.raw.SetDeadline(time.Now().Add(2 * time.Second))
		c.tp.Cmd("QUIT")
	}
	return c.drop()
}

// ForceClose tears the socket down without waiting for an in-flight
// command, which then fails.
func (c *Conn) ForceClose() {
	c.state.Store(int32(StateClosing))
	if c.raw != nil {
		c.raw.Close()
	}
}

func (c *Conn) drop() error {
	c.state.Store(int32(StateDisconnected))
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}
