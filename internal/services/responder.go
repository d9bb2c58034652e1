package services

import (
	"context"
	"log/slog"

	"github.com/zylinc/messagebus/messages"
	"github.com/zylinc/messagebus/messaging"
)

// Login details returned for every granted login
const (
	DefaultUserID    = "user1"
	DefaultFirstName = "Bo"
	DefaultLastName  = "S"
)

// Handlers answers the requests served by the responder application
type Handlers struct {
	logger *slog.Logger
}

// NewHandlers creates the responder handlers
func NewHandlers(logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{logger: logger}
}

// Login grants every login request
func (h *Handlers) Login(ctx context.Context, req *messages.UserLoginRequest) (*messages.UserLoginResponse, error) {
	h.logger.Info("login request received",
		"email", req.Email,
		"correlationId", req.GetRequestMessageID())

	return messages.NewUserLoginResponse(
		req.GetRequestMessageID(),
		messages.LoginGranted,
		DefaultUserID,
		req.Email,
		DefaultFirstName,
		DefaultLastName,
	), nil
}

// Configuration answers configuration requests with an empty data set
func (h *Handlers) Configuration(ctx context.Context, req *messages.ServiceConfigurationRequest) (*messages.ServiceConfigurationResponse, error) {
	h.logger.Info("configuration request received",
		"bundles", len(req.Bundles),
		"correlationId", req.GetRequestMessageID())

	return messages.NewServiceConfigurationResponse(req.GetRequestMessageID()), nil
}

// Register installs the handlers on responder
func (h *Handlers) Register(ctx context.Context, responder *messaging.Responder) error {
	if err := messaging.HandleRequest(ctx, responder, h.Login); err != nil {
		return err
	}
	return messaging.HandleRequest(ctx, responder, h.Configuration)
}
