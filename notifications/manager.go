package notifications

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"kabuto-relay/config"
)

// slackColors maps severity to attachment bar colors.
var slackColors = map[string]string{
	LevelInfo:     "#36a64f",
	LevelWarning:  "#ffcc00",
	LevelError:    "#ff6600",
	LevelCritical: "#ff0000",
}

// Alert is one notification event.
type Alert struct {
	Level  string            `json:"level"`
	Title  string            `json:"title"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
	At     time.Time         `json:"at"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts"`
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

// Manager fans alerts out to the configured channels. Send is
// fire-and-forget: delivery happens on a goroutine and failures are
// logged, never propagated, because alerting must not slow the trade
// path down.
type Manager struct {
	cfg     config.AlertsConfig
	limiter *Limiter
	client  *resty.Client
}

// NewManager creates a new notification manager
func NewManager(cfg config.AlertsConfig, limiter *Limiter) *Manager {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)
	return &Manager{cfg: cfg, limiter: limiter, client: client}
}

// Send dispatches an alert to Slack and, for ERROR and CRITICAL, to
// email. Suppressed duplicates are dropped silently.
func (m *Manager) Send(ctx context.Context, alert Alert) {
	if !m.cfg.Enabled {
		return
	}
	if alert.At.IsZero() {
		alert.At = time.Now()
	}
	if !m.limiter.Allow(ctx, alert.Level, alert.Title) {
		log.Debug().Str("level", alert.Level).Str("title", alert.Title).Msg("Alert suppressed by frequency limit")
		return
	}

	go m.deliverSlack(alert)
	if alert.Level == LevelError || alert.Level == LevelCritical {
		go m.deliverEmail(alert)
	}
}

func (m *Manager) deliverSlack(alert Alert) {
	url := m.cfg.SlackWebhookURLs[alert.Level]
	if url == "" {
		url = m.cfg.SlackWebhookURLs["default"]
	}
	if url == "" {
		return
	}

	fields := make([]slackField, 0, len(alert.Fields))
	for k, v := range alert.Fields {
		fields = append(fields, slackField{Title: k, Value: v, Short: true})
	}

	msg := slackMessage{Attachments: []slackAttachment{{
		Color:  slackColors[alert.Level],
		Title:  fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
		Text:   alert.Text,
		Fields: fields,
		Ts:     alert.At.Unix(),
	}}}

	resp, err := m.client.R().SetBody(msg).Post(url)
	if err != nil {
		log.Error().Err(err).Str("title", alert.Title).Msg("Slack notification failed")
		return
	}
	if resp.IsError() {
		log.Error().Int("status", resp.StatusCode()).Str("title", alert.Title).Msg("Slack notification rejected")
	}
}

func (m *Manager) deliverEmail(alert Alert) {
	if len(m.cfg.EmailRecipients) == 0 || m.cfg.EmailSMTPHost == "" {
		return
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", m.cfg.EmailFrom)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(m.cfg.EmailRecipients, ", "))
	fmt.Fprintf(&body, "Subject: [%s] %s\r\n", alert.Level, alert.Title)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	body.WriteString(alert.Text)
	body.WriteString("\r\n\r\n")
	for k, v := range alert.Fields {
		fmt.Fprintf(&body, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&body, "\r\nTime: %s\r\n", alert.At.Format(time.RFC3339))

	addr := fmt.Sprintf("%s:%d", m.cfg.EmailSMTPHost, m.cfg.EmailSMTPPort)
	var auth smtp.Auth
	if m.cfg.EmailSMTPUser != "" {
		auth = smtp.PlainAuth("", m.cfg.EmailSMTPUser, m.cfg.EmailSMTPPass, m.cfg.EmailSMTPHost)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.EmailFrom, m.cfg.EmailRecipients, []byte(body.String())); err != nil {
		log.Error().Err(err).Str("title", alert.Title).Msg("Email notification failed")
	}
}

// Canned alerts for the relay's lifecycle events.

// SignalReceived announces an accepted webhook signal.
func (m *Manager) SignalReceived(ctx context.Context, signalID, action, ticker string, quantity int) {
	m.Send(ctx, Alert{
		Level: LevelInfo,
		Title: "Signal received",
		Text:  fmt.Sprintf("%s %d x %s", strings.ToUpper(action), quantity, ticker),
		Fields: map[string]string{
			"signal_id": signalID,
		},
	})
}

// SignalExecuted announces a confirmed fill.
func (m *Manager) SignalExecuted(ctx context.Context, signalID, action, ticker string, quantity int, price float64) {
	m.Send(ctx, Alert{
		Level: LevelInfo,
		Title: "Signal executed",
		Text:  fmt.Sprintf("%s %d x %s @ %.1f", strings.ToUpper(action), quantity, ticker, price),
		Fields: map[string]string{
			"signal_id": signalID,
		},
	})
}

// SignalFailed announces an execution failure.
func (m *Manager) SignalFailed(ctx context.Context, signalID, reason string) {
	m.Send(ctx, Alert{
		Level: LevelError,
		Title: "Signal execution failed",
		Text:  reason,
		Fields: map[string]string{
			"signal_id": signalID,
		},
	})
}

// KillSwitchActivated announces the kill switch, manual or automatic.
func (m *Manager) KillSwitchActivated(ctx context.Context, reason, actor string) {
	m.Send(ctx, Alert{
		Level: LevelCritical,
		Title: "Kill switch activated",
		Text:  reason,
		Fields: map[string]string{
			"actor": actor,
		},
	})
}

// HeartbeatStale warns that an executor went quiet.
func (m *Manager) HeartbeatStale(ctx context.Context, clientID string, lastSeen time.Time) {
	m.Send(ctx, Alert{
		Level: LevelWarning,
		Title: "Executor heartbeat stale",
		Text:  fmt.Sprintf("Client %s last seen %s", clientID, lastSeen.Format(time.RFC3339)),
		Fields: map[string]string{
			"client_id": clientID,
		},
	})
}
