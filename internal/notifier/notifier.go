// Package notifier reports run outcomes: a boxed console summary and an
// e-mail digest of everything logged at warning level or worse.
package notifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/printer"
	"github.com/con-j-e/featsync/internal/utils"
)

const (
	borderColor = "\033[38;5;39m"
	resetColor  = "\033[0m"
	padding     = 2
)

// Sender delivers one message to recipients.
type Sender interface {
	Send(ctx context.Context, subject, body string, recipients []string) error
}

// SMTP sends plain-text mail through a relay.
type SMTP struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now      func() time.Time
}

var _ Sender = (*SMTP)(nil)

func NewSMTP(host string, port int, from, username, password string) *SMTP {
	return &SMTP{Host: host, Port: port, From: from, Username: username, Password: password}
}

func (s *SMTP) Send(ctx context.Context, subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("notify: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	var a smtp.Auth
	if s.Username != "" {
		a = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	msg := BuildMessage(s.From, recipients, subject, body, now())
	if err := send(addr, a, s.From, recipients, msg); err != nil {
		return fmt.Errorf("notify via %s: %w", addr, err)
	}
	logger.Debug("notification %q sent to %d recipient(s)", subject, len(recipients))
	return nil
}

// BuildMessage renders an RFC 5322 plain-text message.
func BuildMessage(from string, to []string, subject, body string, date time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.NewReplacer("\r", " ", "\n", " ").Replace(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes()
}

// StatusName names an exit status.
func StatusName(status int) string {
	switch {
	case status >= logger.StatusCritical:
		return "CRITICAL"
	case status >= logger.StatusError:
		return "ERROR"
	case status >= logger.StatusWarning:
		return "WARNING"
	default:
		return "OK"
	}
}

// ParseLevel maps warning, error or critical to an exit status threshold.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning", "warn":
		return logger.StatusWarning, nil
	case "", "error":
		return logger.StatusError, nil
	case "critical":
		return logger.StatusCritical, nil
	default:
		return 0, fmt.Errorf("unknown notify level %q", s)
	}
}

// Subject is the mail subject for a run.
func Subject(app string, status int) string {
	return fmt.Sprintf("[%s] %s run finished with %s", StatusName(status), app, StatusName(status))
}

// DisplayRunSummary prints a boxed summary of a run.
func DisplayRunSummary(w io.Writer, status int, lines ...string) {
	p := printer.NewColorPrinter()

	var title string
	switch {
	case status >= logger.StatusError:
		title = p.Error("Run finished: %s", StatusName(status))
	case status >= logger.StatusWarning:
		title = p.Warning("Run finished: %s", StatusName(status))
	default:
		title = p.Success("Run finished: %s", StatusName(status))
	}
	all := append([]string{title}, lines...)

	maxWidth := utils.GetMaxWidth(all) + padding*2
	fmt.Fprintln(w, borderColor+"╭"+strings.Repeat("─", maxWidth)+"╮"+resetColor)
	side := borderColor + "│" + resetColor
	for _, line := range all {
		width := len(utils.StripANSI(line))
		left := (maxWidth - width) / 2
		right := maxWidth - width - left
		fmt.Fprintf(w, "%s%s%s%s%s\n", side, strings.Repeat(" ", left), line, strings.Repeat(" ", right), side)
	}
	fmt.Fprintln(w, borderColor+"╰"+strings.Repeat("─", maxWidth)+"╯"+resetColor)
}
