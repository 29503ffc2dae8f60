package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Client is a single-account IMAP client that wraps go-imap/v2 with
// automatic reconnection and mutex-serialized access. All public
// methods are goroutine-safe.
type Client struct {
	cfg    IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient creates an IMAP client for the given account configuration.
// The connection is established lazily on first use.
func NewClient(cfg IMAPConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
	}
}

// Connect establishes the IMAP connection and authenticates. It is
// called automatically by ensureConnected but can be called explicitly
// for eager initialization.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	// Close any existing stale connection.
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	var opts imapclient.Options
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{
			ServerName: c.cfg.Host,
		}
	}

	c.logger.Debug("connecting to IMAP server", "host", c.cfg.Host, "port", c.cfg.Port, "tls", c.cfg.TLS)

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	loginCmd := client.Login(c.cfg.Username, c.cfg.Password)
	if err := loginCmd.Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.client = client
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureConnected checks the connection and reconnects if needed.
// Caller must hold c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.client != nil {
		// Quick liveness check via NOOP.
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked(ctx)
}

// Ping checks that the IMAP connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

// Close logs out and closes the IMAP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

// selectFolder selects a mailbox. Caller must hold c.mu.
func (c *Client) selectFolder(folder string) (*imap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	cmd := c.client.Select(folder, nil)
	data, err := cmd.Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	return data, nil
}

// maxRawMessageSize bounds how much of a fetched message body is
// buffered into memory, matching the cap the bounce-watcher's DSN
// parser needs and nothing more.
const maxRawMessageSize = 5 * 1024 * 1024

// FetchBody fetches the raw RFC822 body for a single message by UID,
// peeking it so the \Seen flag is left untouched. It exists for the
// bounce watcher's DSN parser, which needs the message/delivery-status
// part that envelope metadata alone does not carry.
func (c *Client) FetchBody(ctx context.Context, folder string, uid uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchOpts := &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}

	cmd := c.client.Fetch(uidSet, fetchOpts)
	msg := cmd.Next()
	if msg == nil {
		_ = cmd.Close()
		return nil, fmt.Errorf("message UID %d not found in %s", uid, folder)
	}

	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
			raw, _ = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, data.Literal)
		}
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch body uid %d: %w", uid, err)
	}
	return raw, nil
}

// EnvelopesSince selects folder and returns envelope metadata for every
// message with UID strictly greater than sinceUID, ordered by UID
// ascending. It is the basis for the bounce-mailbox watcher's
// high-water-mark polling loop.
func (c *Client) EnvelopesSince(ctx context.Context, folder string, sinceUID uint32) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSetNum(imap.UID(sinceUID+1), 0)
	fetchOpts := &imap.FetchOptions{
		Envelope: true,
		UID:      true,
		Flags:    true,
		RFC822Size: true,
	}

	cmd := c.client.Fetch(uidSet, fetchOpts)

	var envelopes []Envelope
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		data, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("collect fetch data: %w", err)
		}
		env := Envelope{UID: uint32(data.UID), Size: uint32(data.RFC822Size)}
		if data.Envelope != nil {
			env.Date = data.Envelope.Date
			env.Subject = data.Envelope.Subject
			if len(data.Envelope.From) > 0 {
				env.From = data.Envelope.From[0].Addr()
			}
			for _, to := range data.Envelope.To {
				env.To = append(env.To, to.Addr())
			}
		}
		for _, f := range data.Flags {
			env.Flags = append(env.Flags, string(f))
		}
		envelopes = append(envelopes, env)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch %s since uid %d: %w", folder, sinceUID, err)
	}

	return envelopes, nil
}
