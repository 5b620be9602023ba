package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

// SendMailFunc matches smtp.SendMail
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPConfig holds the mail server settings. Username and Password are
// expected to come from the environment.
type SMTPConfig struct {
	Host        string
	Port        int
	From        string
	To          []string
	Username    string
	Password    string
	MinInterval time.Duration
}

// SMTPNotifier mails the recipients when a clip starts, at most once per
// MinInterval.
type SMTPNotifier struct {
	cfg     SMTPConfig
	auth    smtp.Auth
	limiter *rate.Limiter
	send    SendMailFunc
	log     *zap.Logger
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &SMTPNotifier{
		cfg:     cfg,
		auth:    auth,
		limiter: rate.NewLimiter(limit, 1),
		send:    smtp.SendMail,
		log:     logger.Zap().Named("Email"),
	}
}

// SetSendMail replaces the transport
func (n *SMTPNotifier) SetSendMail(f SendMailFunc) {
	n.send = f
}

func (n *SMTPNotifier) Name() string { return "email" }

func (n *SMTPNotifier) Handle(ctx context.Context, ev types.Event) error {
	if ev.Kind != types.EventClipStarted {
		return nil
	}
	if !n.limiter.Allow() {
		n.log.Info("accident email suppressed by rate limit", zap.String("clip", ev.ClipPath))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	msg := buildMessage(n.cfg.From, n.cfg.To, ev)

	if err := n.send(addr, n.auth, n.cfg.From, n.cfg.To, msg); err != nil {
		n.log.Error("failed to send accident email",
			zap.Strings("to", n.cfg.To),
			zap.String("clip", ev.ClipPath),
			zap.Error(err),
		)
		return fmt.Errorf("send email: %w", err)
	}

	n.log.Info("accident email sent",
		zap.Strings("to", n.cfg.To),
		zap.String("clip", ev.ClipPath),
	)
	return nil
}

func buildMessage(from string, to []string, ev types.Event) []byte {
	var details strings.Builder
	fmt.Fprintf(&details, "Video: %s\r\n", ev.ClipPath)
	fmt.Fprintf(&details, "Frame: %d\r\n", ev.FrameNum)
	fmt.Fprintf(&details, "Time: %s\r\n", ev.Time.Format(time.RFC3339))
	for _, d := range ev.Detections {
		fmt.Fprintf(&details, "Detection: %s %.2f\r\n", d.Label, d.Confidence)
	}

	body := "Se ha detectado un accidente.\r\n\r\n" + details.String()
	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		from, strings.Join(to, ", "), "Accidente Detectado", body,
	))
}
