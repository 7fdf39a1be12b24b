package sms

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openroute/gasflow/core"
)

// Variant is one A/B body of a template. Placeholders use {name} syntax.
type Variant struct {
	Body   string
	Weight int

	sent      int64
	delivered int64
	failed    int64
}

// Effectiveness is delivered over sent, 0 when nothing was sent yet.
func (v *Variant) Effectiveness() float64 {
	if v.sent == 0 {
		return 0
	}
	return float64(v.delivered) / float64(v.sent)
}

type template struct {
	name      string
	variants  []*Variant
	totalSent int64
}

// TemplateStore holds message templates with weighted A/B variants.
// Variant selection is deterministic: the monotonic per-template sent count
// walks the cumulative weights, so a 2:1 weighting sends variant A twice
// for every variant B.
type TemplateStore struct {
	mu        sync.Mutex
	templates map[string]*template
}

func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[string]*template)}
}

// Define registers or replaces a template. Non-positive weights count as 1.
func (s *TemplateStore) Define(name string, variants ...Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &template{name: name}
	for i := range variants {
		v := variants[i]
		if v.Weight <= 0 {
			v.Weight = 1
		}
		t.variants = append(t.variants, &v)
	}
	s.templates[name] = t
}

// Render picks a variant by weight, substitutes {placeholders}, bumps the
// sent counters, and returns the body with the chosen variant index.
func (s *TemplateStore) Render(name string, vars map[string]string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[name]
	if !ok || len(t.variants) == 0 {
		return "", 0, fmt.Errorf("sms template %q: %w", name, core.ErrNotFound)
	}

	totalWeight := 0
	for _, v := range t.variants {
		totalWeight += v.Weight
	}
	slot := int(t.totalSent % int64(totalWeight))
	idx := 0
	for i, v := range t.variants {
		if slot < v.Weight {
			idx = i
			break
		}
		slot -= v.Weight
	}

	t.totalSent++
	t.variants[idx].sent++

	body := t.variants[idx].Body
	for key, value := range vars {
		body = strings.ReplaceAll(body, "{"+key+"}", value)
	}
	return body, idx, nil
}

// RecordOutcome feeds a delivery receipt back into the variant's
// effectiveness score.
func (s *TemplateStore) RecordOutcome(name string, variant int, status core.SMSStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[name]
	if !ok || variant < 0 || variant >= len(t.variants) {
		return
	}
	switch status {
	case core.SMSDelivered:
		t.variants[variant].delivered++
	case core.SMSFailed:
		t.variants[variant].failed++
	}
}

// Effectiveness returns per-variant delivery rates for a template.
func (s *TemplateStore) Effectiveness(name string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[name]
	if !ok {
		return nil
	}
	out := make([]float64, len(t.variants))
	for i, v := range t.variants {
		out[i] = v.Effectiveness()
	}
	return out
}
