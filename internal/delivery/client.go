// Package delivery implements direct-to-MX SMTP delivery: MX
// resolution with caching, session handling with opportunistic
// STARTTLS, and per-host circuit breaking so a dead exchanger does not
// absorb every attempt.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fernandinhomartins40/urbansend/internal/bounce"
)

// Config controls outbound SMTP sessions.
type Config struct {
	Hostname       string // HELO/EHLO identity
	Port           int
	ConnectTimeout time.Duration
	SessionTimeout time.Duration
	TLSEnabled     bool
}

// Task is one delivery attempt request.
type Task struct {
	MessageID  string
	Domain     string
	ReturnPath string // envelope sender (VERP address)
	Recipient  string
	Data       []byte // signed RFC 5322 message
}

// Result is the outcome of one delivery attempt. Code is zero for
// connection-level failures.
type Result struct {
	Delivered bool
	MXHost    string
	Code      int
	Response  string
	Bounce    bounce.Type
}

// Client attempts delivery of a message to its recipient's domain.
type Client interface {
	Deliver(ctx context.Context, task *Task) *Result
}

// sendFunc runs a complete SMTP session against addr. Split out so
// tests can exercise MX iteration and classification without sockets.
type sendFunc func(ctx context.Context, addr string, task *Task) error

// SMTPClient delivers directly to recipient MX hosts.
type SMTPClient struct {
	config   Config
	resolver *Resolver
	logger   *slog.Logger
	send     sendFunc

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewSMTPClient creates a delivery client using the given resolver.
func NewSMTPClient(config Config, resolver *Resolver) *SMTPClient {
	if config.Port == 0 {
		config.Port = 25
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.SessionTimeout == 0 {
		config.SessionTimeout = 2 * time.Minute
	}
	c := &SMTPClient{
		config:   config,
		resolver: resolver,
		logger:   slog.Default().With("component", "delivery"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	c.send = c.smtpSession
	return c
}

// Deliver resolves the recipient domain and walks its MX hosts in
// preference order. A permanent refusal from any host ends the walk;
// temporary failures move on to the next host. When every host fails
// temporarily the attempt is soft.
func (c *SMTPClient) Deliver(ctx context.Context, task *Task) *Result {
	hosts, err := c.resolver.ResolveMX(ctx, task.Domain)
	if err != nil {
		if errors.Is(err, ErrNoMX) {
			return &Result{
				Code:     0,
				Response: err.Error(),
				Bounce:   bounce.Hard,
			}
		}
		return &Result{
			Response: fmt.Sprintf("mx resolution: %v", err),
			Bounce:   bounce.Soft,
		}
	}

	var last *Result
	for _, host := range hosts {
		res := c.attemptHost(ctx, host, task)
		if res.Delivered {
			return res
		}
		if !res.Bounce.Retryable() {
			// Permanent refusal; trying lower-priority hosts would just
			// bounce again and burn reputation.
			return res
		}
		last = res

		select {
		case <-ctx.Done():
			return last
		default:
		}
	}

	if last == nil {
		last = &Result{Response: "no reachable mail exchanger", Bounce: bounce.Soft}
	}
	return last
}

func (c *SMTPClient) attemptHost(ctx context.Context, host string, task *Task) *Result {
	breaker := c.breakerFor(host)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", c.config.Port))

	_, err := breaker.Execute(func() (interface{}, error) {
		sessCtx, cancel := context.WithTimeout(ctx, c.config.SessionTimeout)
		defer cancel()
		return nil, c.send(sessCtx, addr, task)
	})

	if err == nil {
		c.logger.Debug("Delivery accepted",
			"message_id", task.MessageID,
			"mx_host", host,
			"recipient", task.Recipient)
		return &Result{Delivered: true, MXHost: host, Code: 250, Response: "accepted"}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Result{
			MXHost:   host,
			Response: fmt.Sprintf("circuit open for %s", host),
			Bounce:   bounce.Soft,
		}
	}

	code, text := smtpError(err)
	res := &Result{
		MXHost:   host,
		Code:     code,
		Response: text,
		Bounce:   bounce.Classify(code, text),
	}
	c.logger.Debug("Delivery attempt failed",
		"message_id", task.MessageID,
		"mx_host", host,
		"code", code,
		"response", text,
		"bounce_type", string(res.Bounce))
	return res
}

// breakerFor returns the circuit breaker for an MX host, creating one
// on first use. The breaker opens after five consecutive failures and
// probes again after thirty seconds.
func (c *SMTPClient) breakerFor(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("MX host circuit state changed",
				"mx_host", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	c.breakers[host] = b
	return b
}

// smtpSession runs one complete SMTP transaction. The returned error
// preserves textproto status codes for classification.
func (c *SMTPClient) smtpSession(ctx context.Context, addr string, task *Task) error {
	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	host, _, _ := net.SplitHostPort(addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if err := client.Hello(c.config.Hostname); err != nil {
		return err
	}

	if c.config.TLSEnabled {
		if ok, _ := client.Extension("STARTTLS"); ok {
			// The session is unusable after a failed TLS handshake, so
			// this surfaces as a temporary failure and retries later.
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				c.logger.Debug("STARTTLS handshake failed", "mx_host", host, "error", err)
				return err
			}
		}
	}

	if err := client.Mail(task.ReturnPath); err != nil {
		return err
	}
	if err := client.Rcpt(task.Recipient); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(task.Data); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return client.Quit()
}

// smtpError extracts the status code and text from a session error.
func smtpError(err error) (int, string) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, tpErr.Msg
	}
	return 0, strings.TrimSpace(err.Error())
}
