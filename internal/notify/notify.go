// Package notify delivers user notifications: a stored row, a live websocket
// push and, for important events, an email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"request-portal/internal/model"
	"request-portal/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message is one notification addressed to a single user.
type Message struct {
	UserID    uuid.UUID
	Title     string
	Body      string
	Link      string
	SendEmail bool
}

// Notifier is what the lifecycle engine depends on.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Pusher sends a payload to the open connections of a user.
type Pusher interface {
	SendToUser(userID string, payload []byte) bool
}

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Recipients resolves a user id to an account with an email address.
type Recipients interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Service stores a Notification row for every message and fans it out.
type Service struct {
	repo      repository.NotificationRepository
	users     Recipients
	pusher    Pusher
	mailer    Mailer
	publicURL string
}

// NewService wires the notifier. pusher and mailer may be nil.
func NewService(repo repository.NotificationRepository, users Recipients, pusher Pusher, mailer Mailer, publicURL string) *Service {
	return &Service{
		repo:      repo,
		users:     users,
		pusher:    pusher,
		mailer:    mailer,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Notify persists msg and then delivers it. Email and push failures are logged
// and do not fail the call; only a failure to store the notification does, and
// then nothing is sent.
func (s *Service) Notify(ctx context.Context, msg Message) error {
	lg := zerolog.Ctx(ctx)
	if msg.UserID == uuid.Nil {
		lg.Debug().Str("title", msg.Title).Msg("notification without recipient skipped")
		return nil
	}

	n := &model.Notification{
		UserID: msg.UserID,
		Title:  msg.Title,
		Body:   msg.Body,
		Link:   msg.Link,
		Type:   model.NotificationInApp,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}

	if msg.SendEmail && s.mailer != nil {
		if err := s.email(ctx, msg); err != nil {
			lg.Warn().Err(err).Str("user_id", msg.UserID.String()).Msg("notification email not sent")
		} else if err := s.repo.SetType(ctx, n.ID, model.NotificationEmail); err != nil {
			lg.Warn().Err(err).Uint("notification_id", n.ID).Msg("notification type not updated")
		} else {
			n.Type = model.NotificationEmail
		}
	}

	if s.pusher != nil {
		payload, err := json.Marshal(pushEvent{Event: "notification", Data: n})
		if err == nil && !s.pusher.SendToUser(msg.UserID.String(), payload) {
			lg.Debug().Str("user_id", msg.UserID.String()).Msg("notification push dropped")
		}
	}
	return nil
}

type pushEvent struct {
	Event string              `json:"event"`
	Data  *model.Notification `json:"data"`
}

func (s *Service) email(ctx context.Context, msg Message) error {
	user, err := s.users.GetByID(ctx, msg.UserID.String())
	if err != nil {
		return fmt.Errorf("recipient lookup: %w", err)
	}
	if user.Email == "" {
		return fmt.Errorf("recipient %s has no email", user.ID)
	}
	body, err := RenderEmail(msg.Title, msg.Body, s.absoluteLink(msg.Link))
	if err != nil {
		return err
	}
	return s.mailer.Send(ctx, user.Email, msg.Title, body)
}

func (s *Service) absoluteLink(link string) string {
	if strings.HasPrefix(link, "/") && s.publicURL != "" {
		return s.publicURL + link
	}
	return link
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html><body style="font-family:Arial,sans-serif;color:#222">
<h2 style="margin-bottom:8px">{{.Title}}</h2>
<p>{{.Body}}</p>
{{if .Link}}<p><a href="{{.Link}}">Open in the portal</a></p>{{end}}
</body></html>`))

// RenderEmail builds the HTML body of a notification email.
func RenderEmail(title, body, link string) (string, error) {
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Title, Body, Link string
	}{title, body, link})
	if err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}
