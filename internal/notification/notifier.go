// Package notification delivers alert emails to device owners. Delivery is
// fire-and-forget from the policy layer's point of view; failures are
// logged, never propagated back into the protocol path.
package notification

import (
	"bytes"
	"fmt"
	"log"
	"net/smtp"
	"text/template"
	"time"

	"github.com/technohome/doorbell-hub/internal/data"
)

const defaultBodyTemplate = `{{.Message}} on doorbell {{.DeviceID}} at {{.Time}}.
{{if .Filename}}Capture: {{.Filename}}
{{end}}Open the doorbell portal to review.`

type Config struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func (c Config) enabled() bool {
	return c.Host != "" && c.From != ""
}

type templateData struct {
	Message  string
	DeviceID int64
	Time     string
	Filename string
}

type Notifier struct {
	cfg   Config
	body  *template.Template
	dedup *alertDedup

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewNotifier(cfg Config) *Notifier {
	return &Notifier{
		cfg:   cfg,
		body:  template.Must(template.New("alert").Parse(defaultBodyTemplate)),
		dedup: newAlertDedup(256, 2*time.Minute),
		send:  smtp.SendMail,
	}
}

// Notify emails the alert to the given recipients. Repeated alerts of the
// same kind for the same device within the dedup window are dropped so a
// motion storm does not become an email storm.
func (n *Notifier) Notify(alert *data.Alert, recipients []string, image []byte) {
	if !n.cfg.enabled() || len(recipients) == 0 {
		return
	}
	if n.dedup.suppress(alert.DeviceID, alert.Kind) {
		log.Printf("[DEBUG] Notifier: suppressed repeat %s for device %d", alert.Kind.Message(), alert.DeviceID)
		return
	}

	var body bytes.Buffer
	err := n.body.Execute(&body, templateData{
		Message:  alert.Kind.Message(),
		DeviceID: alert.DeviceID,
		Time:     alert.Time.Format(time.RFC1123),
		Filename: alert.Filename,
	})
	if err != nil {
		log.Printf("[ERROR] Notifier: template: %v", err)
		return
	}

	subject := fmt.Sprintf("Doorbell alert: %s", alert.Kind.Message())
	msg := buildMessage(n.cfg.From, recipients, subject, body.String(), alert.Filename, image)

	var auth smtp.Auth
	if n.cfg.User != "" {
		auth = smtp.PlainAuth("", n.cfg.User, n.cfg.Pass, n.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	if err := n.send(addr, auth, n.cfg.From, recipients, msg); err != nil {
		log.Printf("[ERROR] Notifier: sending to %v: %v", recipients, err)
		return
	}
	log.Printf("[INFO] Notifier: %s alert for device %d sent to %d recipient(s)",
		alert.Kind.Message(), alert.DeviceID, len(recipients))
}
