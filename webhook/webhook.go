// Package webhook delivers engine events to HTTP subscribers.
//
// Each configured hook has its own bounded queue, worker pool, rate limiter
// and circuit breaker, so a slow or dead subscriber only affects its own
// deliveries. Deliveries are attempted once.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/warden/config"
	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/pkg/circuitbreaker"
	"github.com/migadu/warden/pkg/metrics"
	"golang.org/x/time/rate"
)

const (
	HeaderEvent     = "X-Warden-Event"
	HeaderDelivery  = "X-Warden-Delivery"
	HeaderHookID    = "X-Warden-HookID"
	HeaderSignature = "X-Warden-Signature"
)

// allowStatuser is implemented by allow event payloads.
type allowStatuser interface {
	AllowStatus() int
}

type delivery struct {
	id    string
	event string
	body  []byte
}

type hook struct {
	id          string
	cfg         config.WebhookConfig
	client      *http.Client
	limiter     *rate.Limiter
	breaker     *circuitbreaker.Breaker
	queue       chan delivery
	allowFilter map[string]bool
}

// Dispatcher fans events out to the hooks subscribed to them.
type Dispatcher struct {
	hooks []*hook

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a dispatcher. Workers start with Start.
func New(cfgs []config.WebhookConfig) (*Dispatcher, error) {
	d := &Dispatcher{}
	for i, cfg := range cfgs {
		timeout, err := cfg.GetTimeout()
		if err != nil {
			return nil, fmt.Errorf("webhook #%d: %w", i+1, err)
		}
		cbTimeout, err := cfg.GetCircuitBreakerTimeout()
		if err != nil {
			return nil, fmt.Errorf("webhook #%d: %w", i+1, err)
		}
		id := cfg.ID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}

		limit := rate.Inf
		if cfg.Rate > 0 {
			limit = rate.Limit(cfg.Rate)
		}
		h := &hook{
			id:      id,
			cfg:     cfg,
			client:  &http.Client{Timeout: timeout},
			limiter: rate.NewLimiter(limit, 1),
			breaker: circuitbreaker.New(circuitbreaker.Settings{
				Name:             "webhook-" + id,
				MaxRequests:      uint32(cfg.GetCircuitBreakerMaxRequests()),
				Timeout:          cbTimeout,
				FailureThreshold: uint32(cfg.GetCircuitBreakerThreshold()),
			}),
			queue:       make(chan delivery, cfg.GetQueueSize()),
			allowFilter: make(map[string]bool),
		}
		for _, f := range cfg.AllowFilter {
			h.allowFilter[strings.ToLower(f)] = true
		}
		d.hooks = append(d.hooks, h)
	}
	return d, nil
}

// Start launches the delivery workers. It is safe to call more than once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	for _, h := range d.hooks {
		for i := 0; i < h.cfg.GetWorkers(); i++ {
			d.wg.Add(1)
			go d.worker(ctx, h)
		}
	}
	logger.Info("Webhook dispatcher started", "hooks", len(d.hooks))
}

// Stop cancels the workers and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	logger.Info("Webhook dispatcher stopped")
}

// Notify queues payload for every hook subscribed to event. It never
// blocks; a full queue drops the delivery.
func (d *Dispatcher) Notify(event string, payload any) {
	var body []byte
	for _, h := range d.hooks {
		if !h.wants(event, payload) {
			continue
		}
		if body == nil {
			var err error
			if body, err = json.Marshal(payload); err != nil {
				logger.Warn("Webhook: failed to encode event", "event", event, "error", err)
				return
			}
		}
		del := delivery{id: uuid.NewString(), event: event, body: body}
		select {
		case h.queue <- del:
		default:
			metrics.WebhookDeliveriesTotal.WithLabelValues(h.id, "dropped").Inc()
			logger.Warn("Webhook queue full, dropping delivery", "hook", h.id, "event", event)
		}
	}
}

func (h *hook) wants(event string, payload any) bool {
	if !h.cfg.Subscribes(event) {
		return false
	}
	if event != "allow" || len(h.allowFilter) == 0 {
		return true
	}
	as, ok := payload.(allowStatuser)
	if !ok {
		return true
	}
	if as.AllowStatus() == 0 {
		return h.allowFilter["allow"]
	}
	return h.allowFilter["reject"]
}

func (d *Dispatcher) worker(ctx context.Context, h *hook) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case del := <-h.queue:
			if err := h.limiter.Wait(ctx); err != nil {
				return
			}
			h.deliver(ctx, del)
		}
	}
}

func (h *hook) deliver(ctx context.Context, del delivery) {
	start := time.Now()
	err := h.breaker.Call(ctx, func(ctx context.Context) error {
		return h.post(ctx, del)
	})
	metrics.WebhookDeliveryDuration.WithLabelValues(h.id).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.WebhookDeliveriesTotal.WithLabelValues(h.id, "success").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		metrics.WebhookDeliveriesTotal.WithLabelValues(h.id, "circuit_open").Inc()
		logger.Debug("Webhook circuit open, skipping delivery", "hook", h.id, "event", del.event)
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues(h.id, "failure").Inc()
		logger.Warn("Webhook delivery failed", "hook", h.id, "event", del.event, "delivery", del.id, "error", err)
	}
}

func (h *hook) post(ctx context.Context, del delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(del.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", h.cfg.GetContentType())
	req.Header.Set(HeaderEvent, del.event)
	req.Header.Set(HeaderDelivery, del.id)
	req.Header.Set(HeaderHookID, h.id)
	if h.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(h.cfg.Secret, del.body))
	}
	if h.cfg.BasicAuth != "" {
		user, pass, _ := strings.Cut(h.cfg.BasicAuth, ":")
		req.SetBasicAuth(user, pass)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the base64 HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, body []byte, signature string) bool {
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
