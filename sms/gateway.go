package sms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openroute/gasflow/core"
)

// Gateway sends messages through the best available provider, retries
// across providers, and reconciles delivery receipts.
type Gateway struct {
	registry  *Registry
	templates *TemplateStore
	cfg       core.SMSConfig
	logger    core.Logger

	mu         sync.Mutex
	messages   map[string]*core.SMSMessage
	byProvider map[string]string // provider message id -> message id
}

func NewGateway(registry *Registry, templates *TemplateStore, cfg core.SMSConfig, logger core.Logger) *Gateway {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BulkBatchSize <= 0 {
		cfg.BulkBatchSize = 100
	}
	if cfg.BulkBatchPause <= 0 {
		cfg.BulkBatchPause = time.Second
	}
	if templates == nil {
		templates = NewTemplateStore()
	}
	return &Gateway{
		registry:   registry,
		templates:  templates,
		cfg:        cfg,
		logger:     logger,
		messages:   make(map[string]*core.SMSMessage),
		byProvider: make(map[string]string),
	}
}

// Send delivers one message, retrying on a different provider when one
// fails. The returned message records the final status either way.
func (g *Gateway) Send(ctx context.Context, recipient, body string) (*core.SMSMessage, error) {
	return g.send(ctx, recipient, body, nil)
}

// SendTemplate renders the named template (with A/B variant selection) and
// sends it. The variant is recorded so receipts can update effectiveness.
func (g *Gateway) SendTemplate(ctx context.Context, recipient, templateName string, vars map[string]string) (*core.SMSMessage, error) {
	body, variant, err := g.templates.Render(templateName, vars)
	if err != nil {
		return nil, err
	}
	return g.send(ctx, recipient, body, map[string]string{
		"template": templateName,
		"variant":  fmt.Sprintf("%d", variant),
	})
}

func (g *Gateway) send(ctx context.Context, recipient, body string, metadata map[string]string) (*core.SMSMessage, error) {
	now := time.Now().UTC()
	msg := &core.SMSMessage{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Body:      body,
		Segments:  Segments(body),
		Status:    core.SMSPending,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		rp := g.pickProvider(tried)
		if rp == nil {
			// Every provider tried once; allow repeats on later attempts.
			tried = make(map[string]bool)
			rp = g.pickProvider(tried)
		}
		if rp == nil {
			lastErr = fmt.Errorf("no sms provider available: %w", core.ErrRateLimited)
			break
		}
		tried[rp.provider.Name()] = true
		msg.RetryCount = attempt

		var result *SendResult
		start := time.Now()
		err := rp.breaker.Execute(ctx, func() error {
			r, err := rp.provider.Send(ctx, recipient, body)
			if err != nil {
				return err
			}
			if !r.Success {
				return fmt.Errorf("provider %s rejected message: %s: %w",
					rp.provider.Name(), r.ErrorMessage, core.ErrConnectionFailed)
			}
			result = r
			return nil
		})
		latency := time.Since(start)

		if err != nil {
			rp.recordResult(false)
			lastErr = err
			g.logger.Warn("SMS send attempt failed", map[string]interface{}{
				"provider":   rp.provider.Name(),
				"attempt":    attempt + 1,
				"latency_ms": latency.Milliseconds(),
				"error":      err.Error(),
			})
			continue
		}

		rp.recordResult(true)
		msg.Status = core.SMSSent
		msg.Provider = rp.provider.Name()
		msg.ProviderMessageID = result.MessageID
		msg.Cost = result.Cost
		msg.UpdatedAt = time.Now().UTC()
		g.remember(msg)

		g.logger.Debug("SMS sent", map[string]interface{}{
			"provider":   rp.provider.Name(),
			"segments":   msg.Segments,
			"latency_ms": latency.Milliseconds(),
		})
		return msg, nil
	}

	msg.Status = core.SMSFailed
	msg.UpdatedAt = time.Now().UTC()
	g.remember(msg)
	return msg, lastErr
}

// pickProvider returns the best provider not yet tried whose rate limit
// admits the call. Open breakers are not filtered here; Execute fails fast
// and the retry loop moves on.
func (g *Gateway) pickProvider(tried map[string]bool) *registeredProvider {
	for _, rp := range g.registry.candidates(tried) {
		if !rp.limiter.Allow() {
			continue
		}
		return rp
	}
	return nil
}

func (g *Gateway) remember(msg *core.SMSMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[msg.ID] = msg
	if msg.ProviderMessageID != "" {
		g.byProvider[msg.Provider+":"+msg.ProviderMessageID] = msg.ID
	}
}

// Message returns a tracked message by id.
func (g *Gateway) Message(id string) (*core.SMSMessage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	msg, ok := g.messages[id]
	return msg, ok
}

// HandleReceipt applies an inbound webhook delivery receipt. It moves the
// message from sent to delivered/failed and updates the originating
// template's effectiveness.
func (g *Gateway) HandleReceipt(provider, providerMessageID string, status core.SMSStatus) bool {
	g.mu.Lock()
	id, ok := g.byProvider[provider+":"+providerMessageID]
	var msg *core.SMSMessage
	if ok {
		msg = g.messages[id]
	}
	g.mu.Unlock()
	if msg == nil {
		return false
	}

	g.applyReceipt(msg, status)
	return true
}

func (g *Gateway) applyReceipt(msg *core.SMSMessage, status core.SMSStatus) {
	g.mu.Lock()
	if msg.Status != core.SMSSent {
		g.mu.Unlock()
		return
	}
	msg.Status = status
	msg.UpdatedAt = time.Now().UTC()
	name, variant := msg.Metadata["template"], msg.Metadata["variant"]
	g.mu.Unlock()

	if name != "" {
		idx := 0
		fmt.Sscanf(variant, "%d", &idx)
		g.templates.RecordOutcome(name, idx, status)
	}
}

// PollDeliveryStatus asks each provider for the status of still-sent
// messages, the polling alternative to webhooks.
func (g *Gateway) PollDeliveryStatus(ctx context.Context) {
	g.mu.Lock()
	pending := make([]*core.SMSMessage, 0)
	for _, msg := range g.messages {
		if msg.Status == core.SMSSent && msg.ProviderMessageID != "" {
			pending = append(pending, msg)
		}
	}
	g.mu.Unlock()

	for _, msg := range pending {
		rp, ok := g.registry.byName(msg.Provider)
		if !ok {
			continue
		}
		status, err := rp.provider.Status(ctx, msg.ProviderMessageID)
		if err != nil {
			g.logger.Debug("SMS status poll failed", map[string]interface{}{
				"provider": msg.Provider,
				"error":    err.Error(),
			})
			continue
		}
		if status != core.SMSSent {
			g.applyReceipt(msg, status)
		}
	}
}

// BulkResult is the per-recipient outcome of a bulk send.
type BulkResult struct {
	Recipient string
	MessageID string
	Err       error
}

// SendBulk fans a body out to many recipients: parallel within each batch,
// with a pause between batches to respect provider limits. Per-recipient
// failures are surfaced without aborting the run.
func (g *Gateway) SendBulk(ctx context.Context, recipients []string, body string) []BulkResult {
	results := make([]BulkResult, len(recipients))

	for start := 0; start < len(recipients); start += g.cfg.BulkBatchSize {
		end := start + g.cfg.BulkBatchSize
		if end > len(recipients) {
			end = len(recipients)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg, err := g.Send(ctx, recipients[i], body)
				results[i] = BulkResult{Recipient: recipients[i], Err: err}
				if msg != nil {
					results[i].MessageID = msg.ID
				}
			}(i)
		}
		wg.Wait()

		if end < len(recipients) {
			select {
			case <-ctx.Done():
				for i := end; i < len(recipients); i++ {
					results[i] = BulkResult{Recipient: recipients[i], Err: ctx.Err()}
				}
				return results
			case <-time.After(g.cfg.BulkBatchPause):
			}
		}
	}
	return results
}
