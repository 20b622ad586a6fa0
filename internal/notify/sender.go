package notify

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"pricehound/internal/watch"
)

// LogSender is an EmailSender for installations without a real mail
// transport. It writes the message to the log and records it in the
// store so the daily quota still applies.
type LogSender struct {
	emails watch.Emails
	logger *zap.Logger
}

// NewLogSender constructs a LogSender.
func NewLogSender(emails watch.Emails, logger *zap.Logger) *LogSender {
	return &LogSender{emails: emails, logger: logger}
}

// Send logs the email and records it for quota accounting.
func (s *LogSender) Send(ctx context.Context, recipient, subject, body string) (watch.EmailSendResult, error) {
	if !strings.Contains(recipient, "@") {
		return watch.EmailSendInvalidRecipient, nil
	}

	s.logger.Info("email dispatched",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.String("body", body))

	if err := s.emails.Record(ctx, recipient, subject, body); err != nil {
		s.logger.Error("record email failed", zap.Error(err))
		return watch.EmailSendError, nil
	}
	return watch.EmailSendSuccess, nil
}
