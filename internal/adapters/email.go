package adapters

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"vigil/internal/clock"
	"vigil/internal/logging"
)

// SMTPConfig configures the email adapter. An empty host leaves the
// adapter not configured.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailAdapter delivers messages over SMTP. The channel label selects the
// recipient set: primary goes to the operator, custodian to the custodian
// list, anything else to the subscriber list.
type EmailAdapter struct {
	cfg    SMTPConfig
	clock  clock.Clock
	logger logging.Logger
	send   func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailAdapter creates the email adapter.
func NewEmailAdapter(cfg SMTPConfig, clk clock.Clock) *EmailAdapter {
	return &EmailAdapter{
		cfg:    cfg,
		clock:  clk,
		logger: logging.NewComponentLogger("EmailAdapter"),
		send:   smtp.SendMail,
	}
}

func (a *EmailAdapter) Name() string { return "email" }

func (a *EmailAdapter) IsEnabled(ExecutionContext) bool {
	return a.cfg.Host != "" && a.cfg.From != ""
}

func (a *EmailAdapter) Validate(ec ExecutionContext) (bool, string) {
	if len(a.recipients(ec)) == 0 {
		return false, fmt.Sprintf("no recipients routed for channel %q", ec.Channel)
	}
	return true, ""
}

func (a *EmailAdapter) recipients(ec ExecutionContext) []string {
	switch ec.Channel {
	case "primary", "":
		if ec.OperatorEmail == "" {
			return nil
		}
		return []string{ec.OperatorEmail}
	case "custodian":
		return ec.CustodianEmails
	default:
		return ec.SubscriberList
	}
}

func (a *EmailAdapter) Execute(ctx context.Context, ec ExecutionContext) Receipt {
	now := a.clock.Now()

	recipients := a.recipients(ec)
	if len(recipients) == 0 {
		return FailedReceipt(a.Name(), ec, ReasonInvalidArgument,
			fmt.Sprintf("no recipients for channel %q", ec.Channel), now)
	}

	subject := ec.Subject
	if subject == "" {
		subject = fmt.Sprintf("[vigil] %s", ec.Stage)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", a.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(ec.Content)

	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	// smtp.SendMail has no context support; run it in a goroutine so a
	// cancelled or timed-out call is abandoned per the execution budget.
	done := make(chan error, 1)
	go func() {
		done <- a.send(addr, auth, a.cfg.From, recipients, []byte(msg.String()))
	}()

	select {
	case err := <-done:
		if err != nil {
			a.logger.Warn("SMTP delivery failed for %s: %v", ec.ActionID, err)
			return FailedReceipt(a.Name(), ec, ReasonTransientError, err.Error(), a.clock.Now())
		}
		return OKReceipt(a.Name(), ec, "", a.clock.Now())
	case <-ctx.Done():
		return FailedReceipt(a.Name(), ec, classifyError(ctx.Err()), ctx.Err().Error(), a.clock.Now())
	}
}
