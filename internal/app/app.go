package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"broadcast/internal/audit"
	"broadcast/internal/awsutil"
	"broadcast/internal/channel"
	"broadcast/internal/config"
	"broadcast/internal/dispatch"
	"broadcast/internal/httpserver"
	"broadcast/internal/providers/email"
	"broadcast/internal/providers/twilio"
	"broadcast/internal/segment"
	"broadcast/internal/service"
	"broadcast/internal/store/pg"
	"broadcast/internal/tracker"
)

// Store is everything the engine needs from persistence. Both pg.Store and
// memory.Store satisfy it.
type Store interface {
	service.Store
	dispatch.Store
	tracker.Store
	segment.ContactSource
}

// Engine holds the wired campaign service and what must be closed on shutdown.
type Engine struct {
	Pool    *pgxpool.Pool
	Service *service.CampaignService
	Audit   *audit.Emitter
	// Checks are readiness checks on external dependencies.
	Checks []httpserver.ReadyzCheck

	closers []func() error
}

// Open connects to Postgres and wires the engine on top of it.
func Open(ctx context.Context, db config.DBConfig, cfg config.EngineConfig) (*Engine, error) {
	pool, err := pg.NewPool(ctx, db)
	if err != nil {
		return nil, err
	}

	pub, check, closer, err := NewAuditPublisher(ctx, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	e := &Engine{Pool: pool}
	e.Checks = append(e.Checks, func(c context.Context) error { return pool.Ping(c) })
	if check != nil {
		e.Checks = append(e.Checks, check)
	}
	if closer != nil {
		e.closers = append(e.closers, closer)
	}

	e.Audit = &audit.Emitter{Publisher: pub, Sink: sinkName(cfg)}
	e.Service = Build(pg.New(pool), cfg, e.Audit)
	return e, nil
}

// Close waits for pending audit events, then releases connections.
func (e *Engine) Close() {
	if e.Audit != nil {
		e.Audit.Wait()
	}
	for _, c := range e.closers {
		if err := c(); err != nil {
			slog.Warn("close failed", "err", err)
		}
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// Build assembles the campaign service over st using the provider settings in cfg.
func Build(st Store, cfg config.EngineConfig, auditor service.Auditor) *service.CampaignService {
	httpClient := &http.Client{Timeout: cfg.SendTimeout + 2*time.Second}
	breaker := channel.BreakerSettings{
		ConsecutiveFailures: cfg.BreakerFailures,
		OpenFor:             cfg.BreakerOpenFor,
	}

	sms := &channel.SMSSender{
		Client:        &twilio.Client{HTTP: httpClient, BaseURL: cfg.TwilioBaseURL},
		DefaultRegion: cfg.DefaultPhoneRegion,
		Limiter:       rate.NewLimiter(rate.Limit(cfg.SMSRPS), cfg.SMSBurst),
		Breakers:      channel.NewBreakers("twilio", breaker),
		Timeout:       cfg.SendTimeout,
	}
	mail := &channel.EmailSender{
		Client:   &email.Client{HTTP: httpClient, BaseURL: cfg.EmailBaseURL},
		Limiter:  rate.NewLimiter(rate.Limit(cfg.EmailRPS), cfg.EmailBurst),
		Breakers: channel.NewBreakers("email", breaker),
		Timeout:  cfg.SendTimeout,
	}

	runner := &dispatch.Scheduler{
		Store:    st,
		Resolver: &segment.Segmenter{Source: st},
		Tracker: &tracker.Tracker{
			Store:       st,
			MaxAttempts: cfg.TrackerMaxAttempts,
			Concurrency: cfg.TrackerConcurrency,
		},
		SMS:       sms,
		Email:     mail,
		BatchSize: cfg.BatchSize,
		Cooldown:  cfg.BatchCooldown,
	}

	svc := &service.CampaignService{Store: st, Runner: runner}
	if auditor != nil {
		svc.Audit = auditor
	}
	return svc
}

// NewAuditPublisher picks the audit sink named by AUDIT_SINK. The returned
// check and closer may be nil.
func NewAuditPublisher(ctx context.Context, cfg config.EngineConfig) (audit.Publisher, httpserver.ReadyzCheck, func() error, error) {
	switch sinkName(cfg) {
	case "log":
		return audit.LogPublisher{}, nil, nil, nil
	case "sqs":
		if cfg.AuditSQSQueueURL == "" {
			return nil, nil, nil, fmt.Errorf("AUDIT_SQS_QUEUE_URL is required for the sqs audit sink")
		}
		client, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqs client: %w", err)
		}
		check := func(c context.Context) error { return awsutil.QueueReachable(c, client, cfg.AuditSQSQueueURL) }
		return &audit.SQSPublisher{SQS: client, QueueURL: cfg.AuditSQSQueueURL}, check, nil, nil
	case "amqp":
		p, err := audit.NewAMQPPublisher(cfg.AuditAMQPURL, cfg.AuditAMQPQueue)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("amqp publisher: %w", err)
		}
		return p, p.Ping, p.Close, nil
	case "none":
		return nil, nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown AUDIT_SINK %q", cfg.AuditSink)
	}
}

func sinkName(cfg config.EngineConfig) string {
	s := strings.ToLower(strings.TrimSpace(cfg.AuditSink))
	if s == "" {
		return "log"
	}
	return s
}
