// Package notification delivers email/SMS messages triggered by prescription
// events. Delivery runs on a bounded in-process queue so callers never wait
// on a provider.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is the medium used to deliver a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

const TemplatePrescriptionSigned = "prescription-signed"

const (
	StatusQueued  = "queued"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

var ErrQueueFull = errors.New("notification queue is full")

// Notification is a single outbound message.
type Notification struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template is a reusable message with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine holds templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine with the built-in templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.Register(Template{
		ID:      TemplatePrescriptionSigned,
		Subject: "Sua receita de {{clinic_name}} está disponível",
		Body: "Olá. Sua receita assinada por {{doctor_name}} está disponível. " +
			"Confira a autenticidade em {{verify_url}}",
	})
	return e
}

func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render replaces {{key}} placeholders. Keys missing from data stay as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// LogSender satisfies both sender interfaces by writing the message to the
// log. It is what ships until a provider is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.Logger.Info().Str("channel", "email").Str("to", maskRecipient(to)).Str("subject", subject).Msg("notification delivered")
	return nil
}

func (s LogSender) SendSMS(_ context.Context, to, _ string) error {
	s.Logger.Info().Str("channel", "sms").Str("to", maskRecipient(to)).Msg("notification delivered")
	return nil
}

// maskRecipient keeps the first two characters and the domain, if any.
func maskRecipient(to string) string {
	local, domain, hasDomain := strings.Cut(to, "@")
	if len(local) > 2 {
		local = local[:2] + strings.Repeat("*", len(local)-2)
	}
	if hasDomain {
		return local + "@" + domain
	}
	return local
}

// Config tunes the dispatcher.
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	return c
}

// Dispatcher renders templates and hands messages to the senders from a
// pool of workers.
type Dispatcher struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	logger    zerolog.Logger
	cfg       Config

	queue chan *Notification
	wg    sync.WaitGroup
	once  sync.Once

	mu    sync.Mutex
	stats map[string]int
}

func NewDispatcher(email EmailSender, sms SMSSender, tpl *TemplateEngine, logger zerolog.Logger, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		email:     email,
		sms:       sms,
		templates: tpl,
		logger:    logger.With().Str("component", "notification").Logger(),
		cfg:       cfg,
		queue:     make(chan *Notification, cfg.QueueSize),
		stats:     make(map[string]int),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue renders templateID and queues the result. It never blocks: a full
// queue drops the message and returns ErrQueueFull.
func (d *Dispatcher) Enqueue(channel Channel, recipient, templateID string, data map[string]string) (*Notification, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("unsupported channel %q", channel)
	}
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		ID:           uuid.New().String(),
		Channel:      channel,
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
		Status:       StatusQueued,
		CreatedAt:    time.Now().UTC(),
	}

	queued := *n
	select {
	case d.queue <- n:
		d.count(StatusQueued)
		return &queued, nil
	default:
		d.count(StatusDropped)
		d.logger.Warn().Str("template", templateID).Msg("notification queue full, dropping")
		return nil, ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n *Notification) {
	var err error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(d.cfg.RetryDelay)
		}
		n.Attempts++
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = d.send(ctx, n)
		cancel()
		if err == nil {
			break
		}
	}

	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		d.count(StatusFailed)
		d.logger.Error().Err(err).Str("notification_id", n.ID).Int("attempts", n.Attempts).Msg("notification failed")
		return
	}
	now := time.Now().UTC()
	n.Status = StatusSent
	n.SentAt = &now
	d.count(StatusSent)
}

func (d *Dispatcher) send(ctx context.Context, n *Notification) error {
	switch n.Channel {
	case ChannelEmail:
		return d.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case ChannelSMS:
		return d.sms.SendSMS(ctx, n.Recipient, n.Body)
	default:
		return fmt.Errorf("unsupported channel %q", n.Channel)
	}
}

func (d *Dispatcher) count(status string) {
	d.mu.Lock()
	d.stats[status]++
	d.mu.Unlock()
}

// Stats returns counters keyed by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.stats))
	for k, v := range d.stats {
		out[k] = v
	}
	return out
}

// Close stops accepting work and waits for queued messages to drain.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}
