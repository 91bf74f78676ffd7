package delivery

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernandinhomartins40/urbansend/internal/bounce"
)

func staticResolver(hosts map[string][]string) *Resolver {
	return testResolver(func(ctx context.Context, domain string) ([]*net.MX, error) {
		mxs, ok := hosts[domain]
		if !ok {
			return nil, &net.DNSError{Err: "no such host", Name: domain, IsNotFound: true}
		}
		records := make([]*net.MX, len(mxs))
		for i, h := range mxs {
			records[i] = &net.MX{Host: h, Pref: uint16(10 * (i + 1))}
		}
		return records, nil
	}, nil)
}

func newTestClient(t *testing.T, resolver *Resolver, send sendFunc) *SMTPClient {
	t.Helper()
	c := NewSMTPClient(Config{Hostname: "mail.usend.example"}, resolver)
	c.send = send
	return c
}

func task(domain string) *Task {
	return &Task{
		MessageID:  "m-1",
		Domain:     domain,
		ReturnPath: "bounce+m-1+abc@bounce.usend.example",
		Recipient:  "alice@" + domain,
		Data:       []byte("From: a@b\r\n\r\nhello\r\n"),
	}
}

func TestDeliverSuccess(t *testing.T) {
	resolver := staticResolver(map[string][]string{"example.net": {"mx1.example.net"}})
	c := newTestClient(t, resolver, func(ctx context.Context, addr string, task *Task) error {
		assert.Equal(t, "mx1.example.net:25", addr)
		return nil
	})

	res := c.Deliver(context.Background(), task("example.net"))
	assert.True(t, res.Delivered)
	assert.Equal(t, "mx1.example.net", res.MXHost)
}

func TestDeliverFallsBackToNextHost(t *testing.T) {
	resolver := staticResolver(map[string][]string{
		"example.net": {"mx1.example.net", "mx2.example.net"},
	})
	c := newTestClient(t, resolver, func(ctx context.Context, addr string, task *Task) error {
		if addr == "mx1.example.net:25" {
			return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		}
		return nil
	})

	res := c.Deliver(context.Background(), task("example.net"))
	assert.True(t, res.Delivered)
	assert.Equal(t, "mx2.example.net", res.MXHost)
}

func TestDeliverPermanentRefusalStopsWalk(t *testing.T) {
	attempts := []string{}
	resolver := staticResolver(map[string][]string{
		"example.net": {"mx1.example.net", "mx2.example.net"},
	})
	c := newTestClient(t, resolver, func(ctx context.Context, addr string, task *Task) error {
		attempts = append(attempts, addr)
		return &textproto.Error{Code: 550, Msg: "5.1.1 User unknown"}
	})

	res := c.Deliver(context.Background(), task("example.net"))
	assert.False(t, res.Delivered)
	assert.Equal(t, 550, res.Code)
	assert.Equal(t, bounce.Hard, res.Bounce)
	assert.Equal(t, []string{"mx1.example.net:25"}, attempts, "permanent refusal must not try other hosts")
}

func TestDeliverAllHostsDownIsSoft(t *testing.T) {
	resolver := staticResolver(map[string][]string{
		"example.net": {"mx1.example.net", "mx2.example.net"},
	})
	c := newTestClient(t, resolver, func(ctx context.Context, addr string, task *Task) error {
		return &textproto.Error{Code: 421, Msg: "Service not available"}
	})

	res := c.Deliver(context.Background(), task("example.net"))
	assert.False(t, res.Delivered)
	assert.Equal(t, bounce.Soft, res.Bounce)
}

func TestDeliverNoMXIsHard(t *testing.T) {
	resolver := staticResolver(map[string][]string{})
	c := newTestClient(t, resolver, func(ctx context.Context, addr string, task *Task) error {
		t.Fatal("send should not be called without MX hosts")
		return nil
	})

	res := c.Deliver(context.Background(), task("nonexistent.example"))
	assert.False(t, res.Delivered)
	assert.Equal(t, bounce.Hard, res.Bounce)
}

func TestDeliverPolicyBlock(t *testing.T) {
	resolver := staticResolver(map[string][]string{"example.net": {"mx1.example.net"}})
	c := newTestClient(t, resolver, func(ctx context.Context, addr string, task *Task) error {
		return &textproto.Error{Code: 554, Msg: "Message blocked due to spam content"}
	})

	res := c.Deliver(context.Background(), task("example.net"))
	assert.Equal(t, bounce.Block, res.Bounce)
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	resolver := staticResolver(map[string][]string{"example.net": {"mx1.example.net"}})
	calls := 0
	c := newTestClient(t, resolver, func(ctx context.Context, addr string, task *Task) error {
		calls++
		return errors.New("dial tcp: i/o timeout")
	})

	for i := 0; i < 10; i++ {
		res := c.Deliver(context.Background(), task("example.net"))
		require.False(t, res.Delivered)
		assert.Equal(t, bounce.Soft, res.Bounce)
	}
	assert.Equal(t, 5, calls, "breaker should stop real attempts after five consecutive failures")
}

func TestSMTPErrorExtraction(t *testing.T) {
	code, text := smtpError(&textproto.Error{Code: 452, Msg: "Insufficient storage"})
	assert.Equal(t, 452, code)
	assert.Equal(t, "Insufficient storage", text)

	code, text = smtpError(errors.New("dial tcp: connection refused"))
	assert.Equal(t, 0, code)
	assert.Equal(t, "dial tcp: connection refused", text)
}
