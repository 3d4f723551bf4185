// Package client speaks the parley control plane over UDP and the file
// data plane over TCP.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"parley/server/internal/protocol"
	"parley/server/internal/transfer"
)

// pollInterval bounds each blocking socket call so ctx is checked often.
const pollInterval = 200 * time.Millisecond

// ErrNotConnected is returned by calls that need a username first.
var ErrNotConnected = errors.New("client has no username; call Connect first")

// Client is one control-plane endpoint. Send methods are safe for
// concurrent use; Receive should be called from a single goroutine.
type Client struct {
	conn *net.UDPConn

	mu       sync.Mutex
	username string
}

// Dial opens a UDP socket towards the server control address.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", addr, err)
	}
	return &Client{conn: conn.(*net.UDPConn)}, nil
}

// LocalAddr returns the client's UDP address as the server sees it on
// loopback.
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close releases the socket without telling the server.
func (c *Client) Close() error { return c.conn.Close() }

// Username returns the name given to Connect.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) send(r protocol.Request) error {
	if _, err := c.conn.Write(r.Encode()); err != nil {
		return fmt.Errorf("send %s: %w", r.Kind, err)
	}
	return nil
}

// Connect sends a CONNECT record. The outcome arrives through Receive.
func (c *Client) Connect(username, password string) error {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	return c.send(protocol.Connect(username, password))
}

// Say sends a chat line to the current room.
func (c *Client) Say(text string) error {
	user := c.Username()
	if user == "" {
		return ErrNotConnected
	}
	return c.send(protocol.NewRequest(protocol.KindMessage, user, "", text))
}

// Command sends "@name args" as a COMMAND record. The leading @ is added
// when missing.
func (c *Client) Command(text string) error {
	user := c.Username()
	if user == "" {
		return ErrNotConnected
	}
	name, args := protocol.ParseCommand(text)
	return c.send(protocol.Command(user, name, args))
}

// Disconnect sends a DISCONNECT record.
func (c *Client) Disconnect() error {
	user := c.Username()
	if user == "" {
		return ErrNotConnected
	}
	return c.send(protocol.NewRequest(protocol.KindDisconnect, user, "", ""))
}

// Receive returns the next well-formed record. Malformed datagrams are
// skipped.
func (c *Client) Receive(ctx context.Context) (protocol.Request, error) {
	buf := make([]byte, protocol.RecordSize+1)
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Request{}, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := c.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return protocol.Request{}, fmt.Errorf("receive: %w", err)
		}
		req, err := protocol.Decode(buf[:n])
		if err != nil {
			slog.Debug("client dropped datagram", "bytes", n, "err", err)
			continue
		}
		return req, nil
	}
}

// FetchFile connects to an announced download port, acknowledges the
// filename and stores the stream in dir under a name that does not clobber
// existing files. It returns the stored path.
func (c *Client) FetchFile(ctx context.Context, host string, port int, dir string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", fmt.Errorf("dial data port %d: %w", port, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	br := bufio.NewReader(conn)
	raw, err := br.ReadString(0)
	if err != nil {
		return "", fmt.Errorf("read filename: %w", err)
	}
	name, err := transfer.CleanName(raw[:len(raw)-1])
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	stored, err := transfer.UniqueName(dir, name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, stored)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", stored, err)
	}
	defer f.Close()

	if _, err := io.WriteString(conn, transfer.Ack); err != nil {
		return "", fmt.Errorf("send ack: %w", err)
	}
	n, err := io.Copy(f, br)
	if err != nil {
		if ctx.Err() != nil {
			return path, ctx.Err()
		}
		return path, fmt.Errorf("receive %s: %w", name, err)
	}
	slog.Debug("file fetched", "file", name, "stored_as", stored, "bytes", n)
	return path, nil
}

// Upload streams the file at path to the upload acceptor at addr, then
// announces it with @file_uploaded.
func (c *Client) Upload(ctx context.Context, addr, path string) error {
	user := c.Username()
	if user == "" {
		return ErrNotConnected
	}
	name := filepath.Base(path)
	if _, err := transfer.CleanName(name); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial upload %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := io.WriteString(conn, name+"\x00"); err != nil {
		return fmt.Errorf("send filename: %w", err)
	}
	ack := make([]byte, len(transfer.Ack))
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("await ack: %w", err)
	}
	if string(ack) != transfer.Ack {
		return transfer.ErrRejected
	}
	n, err := io.Copy(conn, f)
	if err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	slog.Debug("file uploaded", "file", name, "bytes", n)

	return c.send(protocol.Command(user, "file_uploaded", name))
}
