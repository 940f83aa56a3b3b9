// Package notification renders and delivers outbound patient emails. Delivery
// is fire-and-forget from the caller's point of view: failures are logged and
// counted, never returned to the request that triggered them.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// TemplateWelcome is sent once a patient record has been registered.
const TemplateWelcome = "patient-welcome"

// Delivery statuses reported to the Recorder.
const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateWelcome,
			Name:    "Patient Welcome",
			Subject: "Welcome, {{patient_name}}",
			Body: "Dear {{patient_name}}, your patient record has been created. " +
				"Your medical record number is {{medical_id}}. Please keep it for future visits.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// WelcomeFields are the display values rendered into the welcome email.
type WelcomeFields struct {
	DisplayName string
	MedicalID   string
	HospitalID  string
}

func (f WelcomeFields) data() map[string]string {
	return map[string]string{
		"patient_name": f.DisplayName,
		"medical_id":   f.MedicalID,
		"hospital_id":  f.HospitalID,
	}
}

// Recorder counts delivery outcomes.
type Recorder interface {
	Notification(status string)
}

type Config struct {
	// Timeout bounds a single detached delivery.
	Timeout time.Duration
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Notifier sends templated emails through a circuit breaker.
type Notifier struct {
	sender    EmailSender
	templates *TemplateEngine
	breaker   *gobreaker.CircuitBreaker[struct{}]
	timeout   time.Duration
	recorder  Recorder
	log       zerolog.Logger
	wg        sync.WaitGroup
}

// NewNotifier constructs a Notifier. recorder may be nil.
func NewNotifier(sender EmailSender, tpl *TemplateEngine, cfg Config, recorder Recorder, logger zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	logger = logger.With().Str("component", "notification").Logger()

	maxFailures := cfg.MaxFailures
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "email",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("email circuit breaker state changed")
		},
	})

	return &Notifier{
		sender:    sender,
		templates: tpl,
		breaker:   breaker,
		timeout:   cfg.Timeout,
		recorder:  recorder,
		log:       logger,
	}
}

// SendWelcomeEmail renders and sends the welcome email synchronously.
func (n *Notifier) SendWelcomeEmail(ctx context.Context, recipient string, fields WelcomeFields) error {
	subject, body, err := n.templates.Render(TemplateWelcome, fields.data())
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	_, err = n.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, n.sender.SendEmail(ctx, recipient, subject, body)
	})
	return err
}

// DispatchWelcomeEmail sends the welcome email in the background using a
// context detached from ctx's cancellation and bounded by the configured
// timeout. The outcome is logged and recorded, never returned.
func (n *Notifier) DispatchWelcomeEmail(ctx context.Context, recipient string, fields WelcomeFields) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()

		err := n.SendWelcomeEmail(ctx, recipient, fields)
		status := StatusSent
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			status = StatusRejected
			n.log.Warn().Err(err).Str("medical_id", fields.MedicalID).Str("hospital_id", fields.HospitalID).
				Msg("welcome email skipped, circuit open")
		case err != nil:
			status = StatusFailed
			n.log.Error().Err(err).Str("medical_id", fields.MedicalID).Str("hospital_id", fields.HospitalID).
				Msg("welcome email delivery failed")
		default:
			n.log.Debug().Str("medical_id", fields.MedicalID).Msg("welcome email sent")
		}
		if n.recorder != nil {
			n.recorder.Notification(status)
		}
	}()
}

// Wait blocks until all dispatched deliveries have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
