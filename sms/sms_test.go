package sms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/resilience"
)

func TestSegmentsBoundaries(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", 0},
		{"one gsm segment", strings.Repeat("a", 160), 1},
		{"gsm spills to two", strings.Repeat("a", 161), 2},
		{"two full multi segments", strings.Repeat("a", 306), 2},
		{"third segment", strings.Repeat("a", 307), 3},
		{"extended char costs two septets", strings.Repeat("a", 159) + "€", 2},
		{"one ucs2 segment", strings.Repeat("瓦", 70), 1},
		{"ucs2 spills to two", strings.Repeat("瓦", 71), 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Segments(tc.body))
		})
	}
}

func TestSegmentsMonotonic(t *testing.T) {
	prev := 0
	for l := 1; l <= 400; l++ {
		n := Segments(strings.Repeat("x", l))
		assert.GreaterOrEqual(t, n, prev, "length %d", l)
		prev = n
	}
}

func TestTemplateWeightedVariantSelection(t *testing.T) {
	s := NewTemplateStore()
	s.Define("pickup",
		Variant{Body: "A: your gas arrives at {time}", Weight: 2},
		Variant{Body: "B: delivery around {time}", Weight: 1},
	)

	var picked []int
	for i := 0; i < 6; i++ {
		body, idx, err := s.Render("pickup", map[string]string{"time": "14:00"})
		require.NoError(t, err)
		assert.NotContains(t, body, "{time}")
		picked = append(picked, idx)
	}
	assert.Equal(t, []int{0, 0, 1, 0, 0, 1}, picked, "2:1 weighting over the monotonic counter")
}

func TestTemplateMissing(t *testing.T) {
	s := NewTemplateStore()
	_, _, err := s.Render("absent", nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// stubProvider is a scriptable in-memory provider.
type stubProvider struct {
	name    string
	fail    bool
	failFor map[string]bool
	calls   int32
	msgID   string
	status  core.SMSStatus
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.fail || p.failFor[recipient] {
		return nil, fmt.Errorf("stub %s down: %w", p.name, core.ErrConnectionFailed)
	}
	id := p.msgID
	if id == "" {
		id = "stub-msg"
	}
	return &SendResult{Success: true, MessageID: id, Cost: 0.7}, nil
}

func (p *stubProvider) Status(ctx context.Context, id string) (core.SMSStatus, error) {
	if p.status == "" {
		return core.SMSSent, nil
	}
	return p.status, nil
}

func newTestGateway(cfg core.SMSConfig, providers ...*stubProvider) (*Gateway, *Registry) {
	registry := NewRegistry(nil)
	for i, p := range providers {
		registry.Register(p, len(providers)-i, 100) // earlier args get higher priority
	}
	return NewGateway(registry, NewTemplateStore(), cfg, nil), registry
}

func TestProviderSelectionByPriorityThenSuccessRate(t *testing.T) {
	registry := NewRegistry(nil)
	low := &stubProvider{name: "low"}
	high := &stubProvider{name: "high"}
	registry.Register(low, 1, 100)
	registry.Register(high, 2, 100)

	order := registry.candidates(nil)
	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0].provider.Name())

	// Same priority: the provider with the better success rate wins.
	registry = NewRegistry(nil)
	flaky := &stubProvider{name: "flaky"}
	steady := &stubProvider{name: "steady"}
	registry.Register(flaky, 1, 100)
	registry.Register(steady, 1, 100)

	fp, _ := registry.byName("flaky")
	sp, _ := registry.byName("steady")
	fp.recordResult(false)
	fp.recordResult(true)
	sp.recordResult(true)
	sp.recordResult(true)

	order = registry.candidates(nil)
	assert.Equal(t, "steady", order[0].provider.Name())
}

func TestSendRetriesOnDifferentProvider(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: true}
	backup := &stubProvider{name: "backup", msgID: "bk-1"}
	g, _ := newTestGateway(core.SMSConfig{MaxAttempts: 3}, primary, backup)

	msg, err := g.Send(context.Background(), "+886912345678", "tank refill tomorrow")
	require.NoError(t, err)
	assert.Equal(t, core.SMSSent, msg.Status)
	assert.Equal(t, "backup", msg.Provider)
	assert.Equal(t, int32(1), atomic.LoadInt32(&primary.calls))
	assert.Equal(t, 1, msg.RetryCount, "second attempt succeeded")
}

func TestSendFailsAfterMaxAttempts(t *testing.T) {
	p := &stubProvider{name: "only", fail: true}
	g, _ := newTestGateway(core.SMSConfig{MaxAttempts: 2}, p)

	msg, err := g.Send(context.Background(), "+886911111111", "hi")
	require.Error(t, err)
	assert.Equal(t, core.SMSFailed, msg.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.calls))
}

func TestProviderBreakerOpensAfterThreeFailures(t *testing.T) {
	p := &stubProvider{name: "down", fail: true}
	g, registry := newTestGateway(core.SMSConfig{MaxAttempts: 1}, p)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Send(ctx, "+886900000000", "x")
		require.Error(t, err)
	}

	rp, _ := registry.byName("down")
	assert.Equal(t, resilience.StateOpen, rp.breaker.State())

	// Open breaker fails fast without reaching the provider.
	before := atomic.LoadInt32(&p.calls)
	_, err := g.Send(ctx, "+886900000000", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, before, atomic.LoadInt32(&p.calls))
}

func TestRateLimitedProviderIsSkipped(t *testing.T) {
	limited := &stubProvider{name: "limited", msgID: "l-1"}
	spare := &stubProvider{name: "spare", msgID: "s-1"}

	registry := NewRegistry(nil)
	registry.Register(limited, 2, 1) // one call per window
	registry.Register(spare, 1, 100)
	g := NewGateway(registry, nil, core.SMSConfig{MaxAttempts: 3}, nil)
	ctx := context.Background()

	first, err := g.Send(ctx, "+886922222222", "a")
	require.NoError(t, err)
	assert.Equal(t, "limited", first.Provider)

	second, err := g.Send(ctx, "+886922222222", "b")
	require.NoError(t, err)
	assert.Equal(t, "spare", second.Provider, "rate-limited provider must be skipped")
}

func TestReceiptUpdatesMessageAndTemplateEffectiveness(t *testing.T) {
	p := &stubProvider{name: "main", msgID: "prov-42"}
	registry := NewRegistry(nil)
	registry.Register(p, 1, 100)

	templates := NewTemplateStore()
	templates.Define("arrival", Variant{Body: "arriving at {time}", Weight: 1})
	g := NewGateway(registry, templates, core.SMSConfig{MaxAttempts: 1}, nil)

	msg, err := g.SendTemplate(context.Background(), "+886933333333", "arrival", map[string]string{"time": "09:00"})
	require.NoError(t, err)
	require.Equal(t, core.SMSSent, msg.Status)

	ok := g.HandleReceipt("main", "prov-42", core.SMSDelivered)
	require.True(t, ok)

	tracked, found := g.Message(msg.ID)
	require.True(t, found)
	assert.Equal(t, core.SMSDelivered, tracked.Status)
	assert.Equal(t, []float64{1}, templates.Effectiveness("arrival"))
}

func TestPollDeliveryStatus(t *testing.T) {
	p := &stubProvider{name: "main", msgID: "prov-7", status: core.SMSDelivered}
	registry := NewRegistry(nil)
	registry.Register(p, 1, 100)
	g := NewGateway(registry, nil, core.SMSConfig{MaxAttempts: 1}, nil)

	msg, err := g.Send(context.Background(), "+886944444444", "poll me")
	require.NoError(t, err)

	g.PollDeliveryStatus(context.Background())

	tracked, _ := g.Message(msg.ID)
	assert.Equal(t, core.SMSDelivered, tracked.Status)
}

func TestSendBulkSurfacesPerRecipientErrors(t *testing.T) {
	p := &stubProvider{name: "main", msgID: "b-1", failFor: map[string]bool{"+886900000002": true}}
	g, _ := newTestGateway(core.SMSConfig{MaxAttempts: 1, BulkBatchSize: 2, BulkBatchPause: 10 * time.Millisecond}, p)

	recipients := []string{"+886900000001", "+886900000002", "+886900000003"}
	results := g.SendBulk(context.Background(), recipients, "bulk notice")
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err, "one bad recipient must not abort the batch")
	assert.NoError(t, results[2].Err)
}

func TestJSONProviderCodec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		w.Write([]byte(`{"success": true, "message_id": "j-9", "cost": 1.25}`))
	}))
	defer srv.Close()

	p := NewJSONProvider("intl", srv.URL, "key", time.Second)
	result, err := p.Send(context.Background(), "+886955555555", "hello")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "j-9", result.MessageID)
	assert.Equal(t, 1.25, result.Cost)
}

func TestQueryProviderCodec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if r.URL.Query().Get("phone") == "+886966666666" {
			w.Write([]byte("msgid=12345\n"))
			return
		}
		w.Write([]byte("err=40"))
	}))
	defer srv.Close()

	p := NewQueryProvider("local-a", srv.URL, "key", time.Second)

	ok, err := p.Send(context.Background(), "+886966666666", "hi")
	require.NoError(t, err)
	assert.True(t, ok.Success)
	assert.Equal(t, "12345", ok.MessageID)

	rejected, err := p.Send(context.Background(), "+886900000000", "hi")
	require.NoError(t, err)
	assert.False(t, rejected.Success)
	assert.Contains(t, rejected.ErrorMessage, "40")
}

func TestINIProviderCodec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		assert.Contains(t, string(body), "account=acct")
		w.Write([]byte("[Result]\ncode=0\nmsgid=ini-3\ncost=0.9\n"))
	}))
	defer srv.Close()

	p := NewINIProvider("local-b", srv.URL, "acct", "secret", time.Second)
	result, err := p.Send(context.Background(), "+886977777777", "hello")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "ini-3", result.MessageID)
	assert.Equal(t, 0.9, result.Cost)
}
