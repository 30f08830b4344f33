package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is the subject root used when Config.SubjectPrefix is empty.
const DefaultPrefix = "fleetflow"

// Event describes one run lifecycle transition.
type Event struct {
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Step      string    `json:"step,omitempty"`
	Tier      int       `json:"tier,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Config selects the NATS server. MaxReconnects of zero keeps the client
// default; -1 retries forever.
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Bus publishes run events on NATS.
type Bus struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials cfg.URL.
func Connect(cfg Config, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "eventbus"))

	name := cfg.Name
	if name == "" {
		name = "fleetflow"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b := NewWithConn(conn, cfg.SubjectPrefix, logger)
	b.owned = true
	logger.Info("connected to nats", zap.String("url", conn.ConnectedUrl()))
	return b, nil
}

// NewWithConn wraps an existing connection. Close does not close it.
func NewWithConn(conn *nats.Conn, prefix string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject of events of kind with status.
func Subject(prefix, kind, status string) string {
	return fmt.Sprintf("%s.run.%s.%s", prefix, token(kind), token(status))
}

// token keeps subject tokens free of NATS wildcards and separators.
func token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Subject returns the subject this bus publishes ev on.
func (b *Bus) Subject(ev Event) string {
	return Subject(b.prefix, ev.Kind, ev.Status)
}

// AllSubjects matches every event of this bus.
func (b *Bus) AllSubjects() string {
	return b.prefix + ".run.>"
}

// Publish sends ev. The ctx is only checked before publishing; NATS
// publishes are buffered by the client.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := b.Subject(ev)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.logger.Debug("event published", zap.String("subject", subject), zap.String("run_id", ev.RunID))
	return nil
}

// Subscribe delivers decoded events matching subject to handler.
// Undecodable messages are logged and dropped.
func (b *Bus) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(ev)
	})
}

// Flush waits until buffered events reach the server.
func (b *Bus) Flush(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

// Healthy reports whether the connection is up.
func (b *Bus) Healthy() bool {
	return b.conn.IsConnected()
}

// Close drains and closes a connection opened by Connect.
func (b *Bus) Close() error {
	if !b.owned {
		return nil
	}
	return b.conn.Drain()
}
