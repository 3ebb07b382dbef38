package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ReloadPayload is the message body that asks every instance to reload.
const ReloadPayload = "reload routes"

// Notifier delivers reload requests from an external source.
type Notifier interface {
	Name() string
	// Listen blocks until ctx is done, calling trigger for every reload request.
	Listen(ctx context.Context, trigger func()) error
	// Notify broadcasts a reload request to every listener.
	Notify(ctx context.Context) error
}

// PgNotifier listens for `NOTIFY <channel>, 'reload routes'` on PostgreSQL.
type PgNotifier struct {
	Logger     *zap.Logger
	ConnString string
	Channel    string
}

func (n *PgNotifier) Name() string { return "postgres" }

func (n *PgNotifier) Listen(ctx context.Context, trigger func()) error {
	logger := n.logger()
	b := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)), ctx)

	return backoff.RetryNotify(func() error {
		err := n.listenOnce(ctx, trigger)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, b, func(err error, d time.Duration) {
		logger.Warn("reload listener reconnecting", zap.Error(err), zap.Duration("in", d))
	})
}

func (n *PgNotifier) listenOnce(ctx context.Context, trigger func()) error {
	conn, err := pgx.Connect(ctx, n.ConnString)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	n.logger().Info("listening for reload notifications", zap.String("channel", n.Channel))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if notification.Payload == ReloadPayload || notification.Payload == "" {
			trigger()
		}
	}
}

func (n *PgNotifier) Notify(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, n.ConnString)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "SELECT pg_notify($1, $2)", n.Channel, ReloadPayload)
	return err
}

func (n *PgNotifier) logger() *zap.Logger {
	if n.Logger == nil {
		return zap.NewNop()
	}
	return n.Logger
}

// NATSNotifier subscribes to a NATS subject; any message triggers a reload.
type NATSNotifier struct {
	Logger  *zap.Logger
	URL     string
	Subject string
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) connect() (*nats.Conn, error) {
	return nats.Connect(n.URL,
		nats.Name("sqlgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

func (n *NATSNotifier) Listen(ctx context.Context, trigger func()) error {
	nc, err := n.connect()
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(n.Subject, func(_ *nats.Msg) { trigger() })
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.Subject, err)
	}
	if n.Logger != nil {
		n.Logger.Info("listening for reload notifications", zap.String("subject", n.Subject))
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

func (n *NATSNotifier) Notify(_ context.Context) error {
	nc, err := n.connect()
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}
	defer nc.Close()

	if err := nc.Publish(n.Subject, []byte(ReloadPayload)); err != nil {
		return err
	}
	return nc.Flush()
}

// Notifiers builds the notifiers enabled in cfg.
func Notifiers(cfg *Config, logger *zap.Logger) []Notifier {
	var out []Notifier
	if name := cfg.Reload.PGConnection; name != "" {
		if conn, ok := cfg.Connections[name]; ok && (conn.Provider == "postgres" || conn.Provider == "pq" || conn.Provider == "") {
			out = append(out, &PgNotifier{ConnString: conn.ConnString, Channel: cfg.Reload.PGChannel, Logger: logger})
		}
	}
	if cfg.Reload.NATSURL != "" {
		out = append(out, &NATSNotifier{URL: cfg.Reload.NATSURL, Subject: cfg.Reload.NATSSubject, Logger: logger})
	}
	return out
}
