package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ConnectionOptions configures DialWithRetry.
type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

// MaxDelay caps the backoff between dial attempts.
const MaxDelay = 60 * time.Second

// DialWithRetry tries to connect to RabbitMQ with exponential backoff.
// It respects context cancellation for graceful shutdown.
func DialWithRetry(ctx context.Context, cfg ConnectionOptions) (*amqp091.Connection, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	var lastErr error

	for i := 1; i <= cfg.RetryAttempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				cfg.Logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == cfg.RetryAttempts {
			break
		}

		sleep := cfg.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > MaxDelay {
			sleep = MaxDelay
		}

		cfg.Logger.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w",
		cfg.RetryAttempts, lastErr)
}

// Connect returns a RabbitMQ publisher for url, or a FallbackPublisher when
// url is empty or the broker cannot be reached.
func Connect(ctx context.Context, url, exchange string, logger *slog.Logger) Publisher {
	if url == "" {
		logger.Info("AMQP_URL not set, lifecycle events will not be published")
		return NewFallback(logger)
	}

	conn, err := DialWithRetry(ctx, ConnectionOptions{
		URL:           url,
		RetryAttempts: 5,
		Delay:         time.Second,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("rabbit unavailable, using fallback publisher", slog.Any("error", err))
		return NewFallback(logger)
	}

	pub, err := NewRabbit(conn, exchange, logger)
	if err != nil {
		_ = conn.Close()
		logger.Error("rabbit setup failed, using fallback publisher", slog.Any("error", err))
		return NewFallback(logger)
	}
	return pub
}
