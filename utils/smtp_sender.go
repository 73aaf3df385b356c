package utils

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"dripsend/engine"
)

// SMTPSender delivers messages through a plain SMTP relay. Used for
// self-hosted deployments without an HTTP provider; feedback events then
// come from the relay's bounce processing.
type SMTPSender struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

func NewSMTPSender(host string, port int, username, password, fromEmail, fromName string) *SMTPSender {
	return &SMTPSender{
		Host:      host,
		Port:      port,
		Username:  username,
		Password:  password,
		FromEmail: fromEmail,
		FromName:  fromName,
	}
}

// Send dials the relay for each message. gomail has no context support, so
// the dial runs in a goroutine and the context deadline converts to a
// retryable timeout.
func (ss *SMTPSender) Send(ctx context.Context, msg engine.Message) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), ss.Host)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", ss.FromEmail, ss.FromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", msg.Body)

	done := make(chan error, 1)
	go func() {
		d := gomail.NewDialer(ss.Host, ss.Port, ss.Username, ss.Password)
		done <- d.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return "", engine.RetryableError("smtp send timed out", ctx.Err())
	case err := <-done:
		if err == nil {
			return messageID, nil
		}
		if isPermanentSMTPError(err) {
			if isRecipientRejected(err) {
				return "", engine.BounceError("smtp recipient rejected", err)
			}
			return "", engine.PermanentError("smtp rejected message", err)
		}
		return "", engine.RetryableError("smtp delivery failed", err)
	}
}

// 5xx SMTP replies are permanent failures; everything else (4xx, network)
// is transient.
func isPermanentSMTPError(err error) bool {
	s := err.Error()
	for _, code := range []string{"550", "551", "552", "553", "554"} {
		if strings.Contains(s, code) {
			return true
		}
	}
	return false
}

func isRecipientRejected(err error) bool {
	s := err.Error()
	return strings.Contains(s, "550") || strings.Contains(s, "551") || strings.Contains(s, "553")
}
