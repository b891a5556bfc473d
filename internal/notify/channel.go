package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/crewready/secwatch/pkg/types"
)

// Channel is one delivery transport.
type Channel interface {
	Type() types.ChannelType
	Send(ctx context.Context, m Message) error
}

// Transports holds what the channels need to reach the outside world.
type Transports struct {
	// SMTP is used for email recipients. An empty Host routes email to the
	// log channel.
	SMTP SMTPSettings

	// HTTPClient posts Slack, Teams and webhook payloads. Nil uses a
	// client with WebhookTimeout.
	HTTPClient *http.Client

	// WebhookTimeout bounds one POST when HTTPClient is nil. Default: 10s.
	WebhookTimeout time.Duration
}

// NewChannels builds one Channel per recipient channel type.
func NewChannels(t Transports) map[types.ChannelType]Channel {
	client := t.HTTPClient
	if client == nil {
		timeout := t.WebhookTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	chans := map[types.ChannelType]Channel{
		types.ChannelSlack:   &SlackChannel{client: client},
		types.ChannelTeams:   &TeamsChannel{client: client},
		types.ChannelWebhook: &WebhookChannel{client: client},
	}
	if t.SMTP.Host != "" {
		chans[types.ChannelEmail] = NewEmailChannel(t.SMTP)
	} else {
		slog.Warn("notify: smtp host not configured, email notifications go to the log")
		chans[types.ChannelEmail] = &LogChannel{As: types.ChannelEmail}
	}
	return chans
}

// LogChannel writes notifications to the structured log. As is the
// recipient channel it stands in for.
type LogChannel struct {
	As types.ChannelType
}

func (l *LogChannel) Type() types.ChannelType { return l.As }

func (l *LogChannel) Send(ctx context.Context, m Message) error {
	level := slog.LevelWarn
	if m.Severity == types.SeverityCritical {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "notify: "+m.Subject,
		"alert_id", m.AlertID,
		"metric", m.Metric,
		"severity", m.Severity,
		"to", m.To,
		"channel", l.As,
		"value", m.Alert.ObservedValue,
		"threshold", m.Alert.ThresholdValue,
		"remediation", m.Remediation,
	)
	return nil
}
