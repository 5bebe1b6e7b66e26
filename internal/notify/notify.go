package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const sendTimeout = 30 * time.Second

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeAttention AlertType = "attention"
	AlertTypeRecovery  AlertType = "recovery"
)

// Alert represents a notification alert.
type Alert struct {
	Type        AlertType
	AccountID   string
	AccountName string
	Message     string
	Details     string
	Timestamp   time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string

	// SMTP settings; email is sent when SMTPHost is set.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	// SMTPTLS selects implicit TLS (port 465) instead of STARTTLS.
	SMTPTLS bool

	// CooldownPeriod is how long to wait before re-alerting for the same account.
	CooldownPeriod time.Duration
}

// Notifier posts webhook and email alerts for sync accounts that need the user to
// re-enter credentials or pick a different calendar.
type Notifier struct {
	cfg        Config
	httpClient *http.Client

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	wg             sync.WaitGroup
}

// New creates a new Notifier.
func New(cfg Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: sendTimeout,
		},
		lastAlertTimes: make(map[string]time.Time),
	}
}

// IsEnabled returns true if any notification method is configured.
func (n *Notifier) IsEnabled() bool {
	return n.webhookEnabled() || n.emailEnabled()
}

func (n *Notifier) webhookEnabled() bool {
	return n.cfg.WebhookURL != ""
}

func (n *Notifier) emailEnabled() bool {
	return n.cfg.SMTPHost != "" && len(n.cfg.SMTPTo) > 0
}

// AccountNeedsAttention alerts once per cooldown period for an account.
func (n *Notifier) AccountNeedsAttention(accountID, accountName string, err error) {
	n.mu.Lock()
	if last, exists := n.lastAlertTimes[accountID]; exists && time.Since(last) < n.cfg.CooldownPeriod {
		n.mu.Unlock()
		return
	}
	n.lastAlertTimes[accountID] = time.Now()
	n.mu.Unlock()

	details := "unknown error"
	if err != nil {
		details = err.Error()
	}

	n.dispatch(Alert{
		Type:        AlertTypeAttention,
		AccountID:   accountID,
		AccountName: accountName,
		Message:     fmt.Sprintf("Calendar sync for '%s' needs attention", accountName),
		Details:     details,
		Timestamp:   time.Now(),
	})
}

// AccountRecovered sends a recovery alert if the account was previously
// alerted. Returns true if an alert was sent.
func (n *Notifier) AccountRecovered(accountID, accountName string) bool {
	n.mu.Lock()
	_, wasAlerted := n.lastAlertTimes[accountID]
	delete(n.lastAlertTimes, accountID)
	n.mu.Unlock()

	if !wasAlerted {
		return false
	}

	n.dispatch(Alert{
		Type:        AlertTypeRecovery,
		AccountID:   accountID,
		AccountName: accountName,
		Message:     fmt.Sprintf("Calendar sync for '%s' has recovered", accountName),
		Details:     "Account is syncing normally",
		Timestamp:   time.Now(),
	})
	return true
}

// ClearAccount forgets alert state for an account (used on account deletion).
func (n *Notifier) ClearAccount(accountID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.lastAlertTimes, accountID)
}

// Wait blocks until in-flight alerts are sent.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) dispatch(alert Alert) {
	log.Printf("[Notify] %s", alert.Message)
	if !n.IsEnabled() {
		return
	}

	// Send in background to not block the sync path
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if n.webhookEnabled() {
			if err := n.sendWebhook(ctx, alert); err != nil {
				log.Printf("[Notify] Webhook error: %v", err)
			}
		}
		if n.emailEnabled() {
			if err := n.sendEmail(alert); err != nil {
				log.Printf("[Notify] Email error: %v", err)
			}
		}
	}()
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType   string `json:"alert_type"`
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	Message     string `json:"message"`
	Details     string `json:"details"`
	Timestamp   string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	if alert.Type == AlertTypeRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType:   string(alert.Type),
		AccountID:   alert.AccountID,
		AccountName: alert.AccountName,
		Message:     alert.Message,
		Details:     alert.Details,
		Timestamp:   alert.Timestamp.Format(time.RFC3339),
		Text:        fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// maxHeaderValue caps sanitized values taken from alerts.
const maxHeaderValue = 200

// sanitizeForEmail strips CR and LF so alert text cannot inject headers.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxHeaderValue {
		cut := maxHeaderValue
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

func (n *Notifier) sendEmail(alert Alert) error {
	accountName := sanitizeForEmail(alert.AccountName)
	message := sanitizeForEmail(alert.Message)
	details := sanitizeForEmail(alert.Details)

	subject := fmt.Sprintf("[Family Hub] %s", message)

	var body strings.Builder
	fmt.Fprintf(&body, "Alert Type: %s\r\n", alert.Type)
	fmt.Fprintf(&body, "Account: %s\r\n", accountName)
	fmt.Fprintf(&body, "Account ID: %s\r\n", alert.AccountID)
	fmt.Fprintf(&body, "Time: %s\r\n\r\n", alert.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&body, "Message: %s\r\n", message)
	fmt.Fprintf(&body, "Details: %s\r\n", details)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, strings.Join(n.cfg.SMTPTo, ", "), subject, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, []byte(msg))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, n.cfg.SMTPTo, []byte(msg))
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Printf("[Notify] Email sent to %d recipients: %s", len(n.cfg.SMTPTo), message)
	return nil
}

// sendEmailTLS sends over implicit TLS.
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(n.cfg.SMTPFrom); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, recipient := range n.cfg.SMTPTo {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}
