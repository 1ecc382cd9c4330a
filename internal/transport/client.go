package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/metrics"
)

// Receipt is the server's signed acknowledgement of an uploaded event
// (§4.3 drain()). Sig covers the canonical encoding of the other three
// fields.
type Receipt struct {
	EventID    string    `json:"event_id"`
	BodySHA256 string    `json:"body_sha256"`
	ServerTS   time.Time `json:"server_ts"`
	Sig        string    `json:"sig"`
}

func (r Receipt) signedPayload() (map[string]any, error) {
	return map[string]any{
		"event_id":    r.EventID,
		"body_sha256": r.BodySHA256,
		"server_ts":   r.ServerTS.UTC().Format(time.RFC3339Nano),
	}, nil
}

// Client is the agent-side upload/heartbeat loop: it drains BufferDir over
// an mTLS connection, verifies signed receipts, and reports counters via a
// periodic heartbeat (§4.3).
type Client struct {
	http        *http.Client
	baseURL     string
	agentID     string
	version     string
	buffer      *BufferDir
	journal     *Journal // optional; nil disables outage audit journaling
	verifyKey   func([]byte, []byte) error
	log         *logging.Logger
	clk         clock.Clock
	drainBack   *backoff
	hbInterval  time.Duration
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	outageGrace time.Duration

	countersMu  sync.Mutex
	sent        int64
	dropped     int64
	quarantined int64

	outageMu     sync.Mutex
	offlineSince time.Time
}

// ClientConfig carries Client construction parameters.
type ClientConfig struct {
	BaseURL          string
	AgentID          string
	Version          string // build version reported in heartbeats, for server-side skew detection
	Creds            Credentials
	ServerPubKeyPath string // PEM-encoded RSA public key used to verify receipts
	HeartbeatEvery   time.Duration
	DrainBackoffBase time.Duration
	DrainBackoffCap  time.Duration
	OutageGrace      time.Duration // minimum outage duration before a journal replay is logged on reconnect
}

// NewClient loads the agent's mTLS credentials and the server's receipt
// verification key, and builds a ready-to-run Client. journal may be nil,
// which disables outage-replay audit logging.
func NewClient(cfg ClientConfig, buffer *BufferDir, journal *Journal, log *logging.Logger, clk clock.Clock) (*Client, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Creds.CertPath, cfg.Creds.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load agent credentials: %v", integrity.ErrFatal, err)
	}
	caPEM, err := os.ReadFile(cfg.Creds.CAPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read CA cert: %v", integrity.ErrFatal, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: parse CA cert", integrity.ErrFormat)
	}

	pub, err := integrity.PublicKeyFromPEMFile(cfg.ServerPubKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load server receipt key: %v", integrity.ErrFatal, err)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS13,
		},
	}

	hbEvery := cfg.HeartbeatEvery
	if hbEvery <= 0 {
		hbEvery = 60 * time.Second
	}
	base := cfg.DrainBackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	backoffCap := cfg.DrainBackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	grace := cfg.OutageGrace
	if grace <= 0 {
		grace = 5 * time.Minute
	}

	c := &Client{
		http:        &http.Client{Transport: transport, Timeout: 30 * time.Second},
		baseURL:     cfg.BaseURL,
		agentID:     cfg.AgentID,
		version:     cfg.Version,
		buffer:      buffer,
		journal:     journal,
		log:         log,
		clk:         clk,
		drainBack:   newBackoff(base, backoffCap),
		hbInterval:  hbEvery,
		outageGrace: grace,
	}
	c.verifyKey = func(payload, sig []byte) error {
		return integrity.Verify(pub, payload, sig)
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "agent-upload",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
	return c, nil
}

// Record canonicalizes an event and writes it into the pending buffer,
// assigning it a fresh event id.
func (c *Client) Record(event map[string]any) (string, error) {
	id, err := integrity.NewULID()
	if err != nil {
		return "", fmt.Errorf("%w: generate event id: %v", integrity.ErrFatal, err)
	}
	event["event_id"] = id.String()
	body, err := integrity.Canonical(event)
	if err != nil {
		return "", fmt.Errorf("%w: canonicalize event: %v", integrity.ErrValidation, err)
	}
	if err := c.buffer.Record(id.String(), body); err != nil {
		return "", err
	}
	return id.String(), nil
}

// Run drives the uploader and heartbeat loops concurrently until ctx is
// cancelled. Cancellation lets the current upload finish within its
// bounded timeout; an in-flight file is returned to pending on exit so no
// event is lost (duplicates are possible and deduped server-side by
// event_id / fingerprint).
func (c *Client) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- c.drainLoop(ctx) }()
	go func() { errCh <- c.heartbeatLoop(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (c *Client) drainLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		names, err := c.buffer.Pending()
		if err != nil {
			c.log.Error("list pending buffer", "error", err)
			names = nil
		}
		if len(names) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-c.clk.After(1 * time.Second):
			}
			continue
		}

		progressed := false
		for _, name := range names {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := c.uploadOne(ctx, name); err != nil {
				c.log.Warn("upload failed, backing off", "file", name, "error", err)
				delay := c.drainBack.next()
				select {
				case <-ctx.Done():
					return nil
				case <-c.clk.After(delay):
				}
				break
			}
			progressed = true
			c.drainBack.reset()
		}
		if !progressed {
			continue
		}
	}
}

func (c *Client) uploadOne(ctx context.Context, name string) error {
	body, err := c.buffer.ToInflight(name)
	if err != nil {
		return err
	}

	sum := integrity.HashHex(body)
	// The request is detached from ctx's cancellation so a shutdown lets it
	// finish; the http.Client's timeout still bounds it.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		_ = c.buffer.ToPending(name)
		return fmt.Errorf("%w: build event request: %v", integrity.ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fingerprint", sum)

	resp, err := c.doWithBreaker(req)
	if err != nil {
		_ = c.buffer.ToPending(name)
		return fmt.Errorf("%w: post event: %v", integrity.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Duplicate fingerprint: server already has this event. Treat as
		// delivered.
		if err := c.buffer.ToArchived(name, sum); err != nil {
			return err
		}
		c.countersMu.Lock()
		c.sent++
		c.countersMu.Unlock()
		return nil
	case resp.StatusCode >= 500:
		_ = c.buffer.ToPending(name)
		return fmt.Errorf("%w: server error %d", integrity.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		c.quarantine(name)
		return fmt.Errorf("%w: event rejected %d: %s", integrity.ErrValidation, resp.StatusCode, string(respBody))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		_ = c.buffer.ToPending(name)
		return fmt.Errorf("%w: unexpected status %d", integrity.ErrUnavailable, resp.StatusCode)
	}

	var receipt Receipt
	if err := json.Unmarshal(respBody, &receipt); err != nil {
		c.quarantine(name)
		return fmt.Errorf("%w: parse receipt: %v", integrity.ErrFormat, err)
	}
	if receipt.BodySHA256 != sum {
		c.quarantine(name)
		return fmt.Errorf("%w: receipt fingerprint mismatch", integrity.ErrIntegrity)
	}
	if err := c.verifyReceipt(receipt); err != nil {
		c.quarantine(name)
		return fmt.Errorf("%w: receipt signature: %v", integrity.ErrSignature, err)
	}

	if err := c.buffer.ToArchived(name, sum); err != nil {
		return err
	}
	c.countersMu.Lock()
	c.sent++
	c.countersMu.Unlock()
	return nil
}

// doWithBreaker issues the request through the upload circuit breaker when
// configured, falling back to a direct call in tests that construct a
// Client without one.
func (c *Client) doWithBreaker(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.http.Do(req)
	}
	return c.breaker.Execute(func() (*http.Response, error) {
		return c.http.Do(req)
	})
}

func (c *Client) quarantine(name string) {
	_ = c.buffer.Quarantine(name)
	c.countersMu.Lock()
	c.quarantined++
	c.countersMu.Unlock()
	if c.journal != nil {
		if err := c.journal.RecordQuarantine(name, "event rejected or receipt invalid", c.clk.Now()); err != nil {
			c.log.Warn("record journal quarantine", "error", err)
		}
	}
}

func (c *Client) verifyReceipt(r Receipt) error {
	payload, err := r.signedPayload()
	if err != nil {
		return err
	}
	canon, err := integrity.Canonical(payload)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(r.Sig)
	if err != nil {
		if sig2, hexErr := hex.DecodeString(r.Sig); hexErr == nil {
			sig = sig2
		} else {
			return fmt.Errorf("decode signature: %w", err)
		}
	}
	return c.verifyKey(canon, sig)
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.clk.After(c.hbInterval):
		}
		if err := c.sendHeartbeat(ctx); err != nil {
			c.log.Warn("heartbeat failed", "error", err)
			c.noteHeartbeatFailure()
		} else {
			c.noteHeartbeatSuccess()
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	c.countersMu.Lock()
	counters := map[string]int64{"sent": c.sent, "dropped": c.dropped, "quarantined": c.quarantined}
	c.countersMu.Unlock()

	version := c.version
	if version == "" {
		version = "dev"
	}
	body, err := json.Marshal(map[string]any{
		"agent_id": c.agentID,
		"version":  version,
		"counters": counters,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agents/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat rejected: %d", resp.StatusCode)
	}

	var ack struct {
		PendingUpdate bool   `json:"pending_update"`
		TargetVersion string `json:"target_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil // ack body is advisory; a malformed one doesn't fail the heartbeat
	}
	if ack.PendingUpdate {
		c.log.Warn("server flagged this agent for an update",
			"current_version", version, "target_version", ack.TargetVersion)
	}
	return nil
}

// RecordDrop increments the drop counter when BufferDir rotates out an
// overflowing pending file; wired as BufferDir's onDrop callback.
func (c *Client) RecordDrop(name string) {
	c.countersMu.Lock()
	c.dropped++
	c.countersMu.Unlock()
	metrics.BufferDroppedTotal.Inc()
	if c.journal != nil {
		if err := c.journal.RecordRotation(name, c.clk.Now()); err != nil {
			c.log.Warn("record journal rotation", "error", err)
		}
	}
}

// noteHeartbeatFailure marks the start of an outage the first time a
// heartbeat fails; noteHeartbeatSuccess replays the journal if the outage
// that just ended exceeded the configured grace period (§D.3).
func (c *Client) noteHeartbeatFailure() {
	c.outageMu.Lock()
	defer c.outageMu.Unlock()
	if c.offlineSince.IsZero() {
		c.offlineSince = c.clk.Now()
	}
}

func (c *Client) noteHeartbeatSuccess() {
	c.outageMu.Lock()
	since := c.offlineSince
	c.offlineSince = time.Time{}
	c.outageMu.Unlock()

	if since.IsZero() || c.journal == nil {
		return
	}
	if c.clk.Since(since) < c.outageGrace {
		return
	}
	if err := c.journal.Replay(c.log, since); err != nil {
		c.log.Warn("journal replay failed", "error", err)
	}
}
