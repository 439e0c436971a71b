package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gotnull/meshsync/internal/blob"
	"github.com/gotnull/meshsync/internal/codec"
	"github.com/gotnull/meshsync/internal/config"
	"github.com/gotnull/meshsync/internal/dedupe"
	"github.com/gotnull/meshsync/internal/media"
	"github.com/gotnull/meshsync/internal/mqtt"
	"github.com/gotnull/meshsync/internal/observability"
	"github.com/gotnull/meshsync/internal/outbox"
	"github.com/gotnull/meshsync/internal/pipeline"
	"github.com/gotnull/meshsync/internal/remote"
	"github.com/gotnull/meshsync/internal/signals"
)

// App owns every long-lived component of a meshsync node.
type App struct {
	cfg     *config.App
	logger  *slog.Logger
	metrics *observability.Metrics

	Dedupe  *dedupe.Store
	Store   *signals.SQLiteStore
	Signals *signals.Service
	Acks    *outbox.AckTracker
	Queue   *outbox.Queue
	Handler *pipeline.MeshHandler
	Decoder codec.Decoder

	client *mqtt.Client
	sender *outbox.MeshSender

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// New opens local storage and builds the service graph. Nothing touches the
// network until Run or Send is called, except the optional Redis ping.
func New(ctx context.Context, cfg *config.App, logger *slog.Logger, metrics *observability.Metrics) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, metrics: metrics}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	dd, err := dedupe.New(dedupe.Config{
		Path:            cfg.ResolvePath(cfg.DedupeDatabaseFile),
		CleanupInterval: time.Duration(cfg.DedupeCleanupMinutes) * time.Minute,
	},
		dedupe.WithLogger(observability.Component(a.logger, "dedupe")),
		dedupe.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("app: dedupe: %w", err)
	}
	a.Dedupe = dd
	a.closers = append(a.closers, dd.Close)
	// A failed open only disables deduplication.
	_ = dd.Init(ctx)

	store, err := signals.OpenSQLiteStore(ctx, cfg.ResolvePath(cfg.SignalsDatabaseFile))
	if err != nil {
		return fmt.Errorf("app: signals store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	library, err := media.NewLibrary(cfg.ResolvePath(cfg.MediaDir),
		media.WithLogger(observability.Component(a.logger, "media")))
	if err != nil {
		return fmt.Errorf("app: media: %w", err)
	}

	a.Acks = outbox.NewAckTracker(time.Duration(cfg.AckTimeoutSeconds)*time.Second,
		outbox.WithAckLogger(observability.Component(a.logger, "acks")),
		outbox.WithAckMetrics(a.metrics),
	)

	opts := []signals.Option{
		signals.WithMedia(library),
		signals.WithAuth(signals.StaticAuth(strings.TrimSpace(cfg.UserID))),
		signals.WithPendingResponses(a.Acks),
		signals.WithLogger(observability.Component(a.logger, "signals")),
		signals.WithMetrics(a.metrics),
	}

	rs, err := a.buildRemote(ctx)
	if err != nil {
		return err
	}
	if rs != nil {
		opts = append(opts, signals.WithRemote(rs))
	}
	bs, err := a.buildBlob(ctx)
	if err != nil {
		return err
	}
	if bs != nil {
		opts = append(opts, signals.WithBlob(bs))
	}

	dedupeTTL := time.Duration(cfg.DedupeTTLMinutes) * time.Minute
	svc, err := signals.New(signals.Config{
		MaxLocalSignals:    cfg.MaxLocalSignals,
		LegacyDedupeWindow: dedupeTTL,
		DedupeTTL:          dedupeTTL,
		RetryInterval:      time.Duration(cfg.ImageRetrySeconds) * time.Second,
		SweepInterval:      time.Duration(cfg.SignalSweepSeconds) * time.Second,
		ProximityWindow:    time.Duration(cfg.ProximityWindowMinutes) * time.Minute,
		ProximityThreshold: time.Duration(cfg.ProximityThresholdMinutes) * time.Minute,
	}, store, dd, opts...)
	if err != nil {
		return fmt.Errorf("app: signals: %w", err)
	}
	a.Signals = svc
	// Runs before the stores close.
	a.closers = append(a.closers, svc.Close)

	handler, err := pipeline.NewMeshHandler(dd, svc,
		pipeline.WithAcks(a.Acks),
		pipeline.WithDedupeTTL(dedupeTTL),
		pipeline.WithHandlerLogger(observability.Component(a.logger, "handler")),
		pipeline.WithHandlerMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("app: handler: %w", err)
	}
	a.Handler = handler
	a.Decoder = codec.NewMeshtasticDecoder(codec.MeshtasticConfig{MaxEnvelopeBytes: cfg.MaxEnvelopeBytes})

	return a.buildTransport()
}

func (a *App) buildRemote(ctx context.Context) (remote.Store, error) {
	if strings.TrimSpace(a.cfg.RedisAddress) == "" {
		return nil, nil
	}
	rs, err := remote.NewRedisStore(ctx, remote.RedisConfig{
		Address:    strings.TrimSpace(a.cfg.RedisAddress),
		Username:   a.cfg.RedisUsername,
		Password:   a.cfg.RedisPassword,
		DB:         a.cfg.RedisDB,
		TLSEnabled: a.cfg.RedisTLSEnabled,
		KeyPrefix:  a.cfg.RedisKeyPrefix,
	}, remote.WithLogger(observability.Component(a.logger, "remote")))
	if err != nil {
		return nil, fmt.Errorf("app: remote: %w", err)
	}
	a.closers = append(a.closers, rs.Close)
	return remote.NewCachedStore(rs, 0), nil
}

func (a *App) buildBlob(ctx context.Context) (blob.Store, error) {
	return BuildBlobStore(ctx, a.cfg, observability.Component(a.logger, "blob"), func(closer func() error) {
		a.closers = append(a.closers, closer)
	})
}

// BuildBlobStore selects the image store named by cfg.BlobBackend. A nil
// store means uploads are disabled. onClose receives cleanup hooks.
func BuildBlobStore(ctx context.Context, cfg *config.App, logger *slog.Logger, onClose func(func() error)) (blob.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.BlobBackend)) {
	case "", "none":
		return nil, nil
	case "s3":
		s, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("app: blob: %w", err)
		}
		return s, nil
	case "gcs":
		s, err := blob.NewGCSStore(ctx, blob.GCSConfig{
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentialsFile,
			PublicURL:       cfg.GCSPublicURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("app: blob: %w", err)
		}
		if onClose != nil {
			onClose(s.Close)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("app: unknown blob backend %q", cfg.BlobBackend)
	}
}

func (a *App) buildTransport() error {
	mqttCfg := BuildMQTTConfig(a.cfg)
	client, err := mqtt.NewClient(mqttCfg,
		mqtt.WithLogger(observability.Component(a.logger, "mqtt")),
		mqtt.WithConnectionHandler(a.onConnection),
	)
	if err != nil {
		return fmt.Errorf("app: mqtt: %w", err)
	}
	a.client = client

	sender, err := outbox.NewMeshSender(client, outbox.MeshSenderConfig{
		Topic:     mqttCfg.UplinkTopic(""),
		From:      mqttCfg.GatewayNode,
		ChannelID: mqttCfg.ChannelName,
		GatewayID: codec.NodeName(mqttCfg.GatewayNode),
	}, a.Acks)
	if err != nil {
		return fmt.Errorf("app: mesh sender: %w", err)
	}
	a.sender = sender

	queue, err := outbox.NewQueue(outbox.Config{MaxRetries: a.cfg.QueueMaxRetries}, sender,
		outbox.WithLogger(observability.Component(a.logger, "outbox")),
		outbox.WithMetrics(a.metrics),
		outbox.WithReadyGate(sender.Ready),
		outbox.WithDeliveredHandler(func(msg outbox.Message, packetID uint32) {
			a.logger.Info("mesh message delivered",
				slog.String("message_id", msg.ID),
				slog.Uint64("packet_id", uint64(packetID)))
		}),
		outbox.WithFailedHandler(func(msg outbox.Message, err error) {
			a.logger.Warn("mesh message dropped",
				slog.String("message_id", msg.ID),
				slog.Int("retries", msg.Retries),
				slog.Any("error", err))
		}),
	)
	if err != nil {
		return fmt.Errorf("app: outbox: %w", err)
	}
	a.Queue = queue
	a.closers = append(a.closers, func() error {
		queue.Stop()
		return nil
	})
	return nil
}

func (a *App) onConnection(connected bool) {
	if a.Queue != nil {
		a.Queue.SetConnected(connected)
	}
}

// Checks are the health probes served by the observability endpoint.
func (a *App) Checks() map[string]func() error {
	return map[string]func() error{
		"dedupe": a.Dedupe.Check,
		"mqtt": func() error {
			if !a.client.Ready() {
				return mqtt.ErrNotConnected
			}
			return nil
		},
	}
}

// Run starts the observability server, the signal service and the MQTT
// pipeline, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	obsServer := observability.NewServer(observability.ServerConfig{
		Address: a.cfg.ObservabilityAddress,
		Logger:  observability.Component(a.logger, "observability"),
		Metrics: a.metrics,
		Checks:  a.Checks(),
	})
	go obsServer.Run(ctx)

	if err := a.Signals.Start(ctx); err != nil {
		return fmt.Errorf("app: start signals: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.Signals.Run(ctx); err != nil {
			a.logger.Error("signal maintenance stopped", slog.Any("error", err))
		}
	}()
	go func() {
		defer wg.Done()
		a.logUploads(ctx)
	}()

	pipe := pipeline.New(a.client, a.Decoder, a.Handler,
		pipeline.WithLogger(observability.Component(a.logger, "pipeline")),
		pipeline.WithMetrics(a.metrics),
	)
	go func() {
		for err := range pipe.Errors() {
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			a.logger.Error("pipeline error", slog.Any("error", err))
		}
	}()

	a.logger.Info("meshsync starting",
		slog.String("broker_host", a.cfg.MQTTBrokerAddress),
		slog.Int("broker_port", a.cfg.MQTTPort),
		slog.String("observability_address", a.cfg.ObservabilityAddress))

	err := pipe.Run(ctx)
	a.Queue.SetConnected(false)
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("meshsync stopped")
	return nil
}

func (a *App) logUploads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-a.Signals.Uploads():
			if res.Err != nil {
				a.logger.Warn("image upload failed",
					slog.String("signal_id", res.SignalID),
					slog.Any("error", res.Err))
				continue
			}
			a.logger.Info("image uploaded",
				slog.String("signal_id", res.SignalID),
				slog.String("url", res.URL))
		}
	}
}

// Sweep runs a single expiry pass.
func (a *App) Sweep(ctx context.Context) (int, error) {
	return a.Signals.CleanupExpiredSignals(ctx)
}

// Send connects to the broker, queues text for the mesh and waits until the
// queue has drained or ctx expires. It returns the queue message id.
func (a *App) Send(ctx context.Context, text string, to uint32, channel uint8, wantAck bool) (string, error) {
	if err := a.client.Start(ctx); err != nil {
		return "", fmt.Errorf("app: connect: %w", err)
	}
	defer a.client.Stop()

	// OnConnect may not have fired yet when Start returns.
	a.Queue.SetConnected(a.client.Ready())

	id := a.Queue.Enqueue(outbox.Message{Text: text, To: to, Channel: channel, WantAck: wantAck})
	if err := a.Queue.WaitIdle(ctx); err != nil {
		return id, err
	}
	for _, pending := range a.Queue.Pending() {
		if pending.ID == id {
			return id, fmt.Errorf("app: message %s still queued after %d attempts", id, pending.Retries)
		}
	}
	return id, nil
}

// Close releases every component in reverse order of construction.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
