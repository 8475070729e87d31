// Package mailer provides development implementations of the outbound
// notification collaborators. Production deployments substitute a real
// delivery service behind the same interfaces.
package mailer

import (
	"context"

	"go.uber.org/zap"
)

// LogMailer writes reset notices to the log instead of sending email.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// SendPasswordResetNotice logs the dispatch. The token itself is not logged.
func (dispatch *LogMailer) SendPasswordResetNotice(ctx context.Context, email string, resetToken string) error {
	dispatch.logger.Info("password reset notice",
		zap.String("code", "mailer.reset_notice"),
		zap.String("email", email),
		zap.Int("token_length", len(resetToken)))
	return nil
}
