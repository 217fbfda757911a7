// Package service wires the two telemetry channels, their sinks and the
// outbound view server into one running process.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"skyguard-telemetry/internal/cache"
	"skyguard-telemetry/internal/clock"
	"skyguard-telemetry/internal/config"
	"skyguard-telemetry/internal/database"
	"skyguard-telemetry/internal/httpapi"
	"skyguard-telemetry/internal/metrics"
	"skyguard-telemetry/internal/models"
	"skyguard-telemetry/internal/normalizer"
	"skyguard-telemetry/internal/pipeline"
	"skyguard-telemetry/internal/reconciler"
	"skyguard-telemetry/internal/repository"
	"skyguard-telemetry/internal/sink"
	"skyguard-telemetry/internal/subscription"
	"skyguard-telemetry/internal/transport"
)

var (
	// ErrUnknownChannel is returned for a channel name that is not offensive, defensive or all.
	ErrUnknownChannel = models.ErrUnknownChannel
	// ErrChannelDisabled is returned when a channel has no camera configuration.
	ErrChannelDisabled = models.ErrChannelDisabled
	// ErrUnknownEntity is returned when focusing an entity that is not tracked.
	ErrUnknownEntity = models.ErrUnknownEntity
)

// ChannelAll selects both channels in view queries.
const ChannelAll = "all"

var channelOrder = []models.Channel{models.ChannelOffensive, models.ChannelDefensive}

// ConsumerOptions selects the cameras one consumer subscribes to.
type ConsumerOptions struct {
	// Cameras overrides the channel's configured cameras when non-empty.
	Cameras                  config.CameraConfig
	AdditionalCameraIDs      []string
	IncludeEnvAllowList      bool
	IncludeDefaultEnvCameras bool
}

// Option customises a TelemetryService.
type Option func(*options)

type options struct {
	clock      clock.Clock
	dialer     transport.Dialer
	registerer prometheus.Registerer
	sinks      []sink.Sink
	sinksSet   bool
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDialer replaces the transport built from the configuration.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRegisterer registers metrics against reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSinks replaces the Redis and Postgres sinks built from the configuration.
func WithSinks(sinks ...sink.Sink) Option {
	return func(o *options) {
		o.sinks = sinks
		o.sinksSet = true
	}
}

// TelemetryService runs the offensive and defensive pipelines.
type TelemetryService struct {
	config  *config.Config
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Collector
	mode    models.SourceMode // resolved source mode

	pipelines map[models.Channel]*pipeline.Pipeline
	queue     *sink.Queue
	db        *sql.DB
	redis     *redis.Client
	server    *http.Server

	focusMu sync.RWMutex
	focus   *models.Focus

	mu       sync.Mutex
	cancel   context.CancelFunc
	group    *errgroup.Group
	started  bool
	stopOnce sync.Once
}

// NewTelemetryService builds the service from cfg. Optional sinks are
// connected here so a misconfigured cache or archive fails fast.
func NewTelemetryService(cfg *config.Config, logger *zap.Logger, opts ...Option) (*TelemetryService, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	collector, err := metrics.NewCollector(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	dialer := o.dialer
	if dialer == nil {
		if dialer, err = transport.NewDialer(cfg, logger); err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	s := &TelemetryService{
		config:    cfg,
		logger:    logger,
		clock:     o.clock,
		metrics:   collector,
		pipelines: make(map[models.Channel]*pipeline.Pipeline),
	}

	sinks := o.sinks
	if !o.sinksSet {
		if sinks, err = s.openSinks(); err != nil {
			s.closeStores()
			return nil, err
		}
	}
	s.queue = sink.NewQueue(cfg.Sink.QueueSize, sinks, logger, collector)

	norm := normalizer.New(o.clock, cfg.Images.BaseURLs, logger,
		normalizer.WithDropHook(func(ch models.Channel, reason string) {
			collector.EventDropped(string(ch), reason)
		}))

	mode, url := config.ResolveSource(cfg.Socket.Mode, cfg.Socket.URLs)
	if mode != cfg.Socket.Mode {
		logger.Warn("Requested socket mode has no URL, falling back",
			zap.String("requested", string(cfg.Socket.Mode)),
			zap.String("mode", string(mode)))
	}
	s.mode = mode
	if url == "" {
		logger.Warn("Socket disabled: missing URL for mode", zap.String("mode", string(mode)))
	}

	for _, ch := range channelOrder {
		cc := cfg.Channels[ch]
		if !cc.Cameras.HasCameras() {
			logger.Info("Channel disabled: no cameras configured", zap.String("channel", string(ch)))
			continue
		}
		p := pipeline.New(pipeline.Options{
			Channel:    ch,
			Mode:       mode,
			URL:        url,
			Events:     cc.Events,
			Retry:      cfg.Socket.Retry,
			Dialer:     dialer,
			Normalizer: norm,
			Reconciler: reconciler.New(ch, reconciler.Config{
				PathTTL:       cfg.Tracking.PathTTL,
				PathMaxPoints: cfg.Tracking.PathMaxPoints,
			}),
			Sinks:   s.queue,
			Clock:   o.clock,
			Logger:  logger,
			Metrics: collector,
		})
		p.OnEvict(s.clearFocusOnEvict)
		s.pipelines[ch] = p
	}

	if cfg.HTTP.Addr != "" {
		router := httpapi.NewRouter(logger)
		router.RegisterTelemetryRoutes(httpapi.NewTelemetryHandler(s, logger))
		router.RegisterOpsRoutes(collector.Handler())
		s.server = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

func (s *TelemetryService) openSinks() ([]sink.Sink, error) {
	var sinks []sink.Sink

	if s.config.Cache.Enabled {
		client := cache.NewRedisClient(&s.config.Redis)
		if err := cache.Ping(context.Background(), client); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		sinks = append(sinks, cache.NewEntityCache(client, s.config.Cache.KeyPrefix,
			s.config.Cache.TrackStream, s.config.Tracking.PathTTL, s.logger))
	}

	if s.config.Archive.Enabled {
		db, err := database.NewPostgresDB(&s.config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		repo := repository.NewTrackRepository(db, s.logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, repo)
	}
	return sinks, nil
}

// Start launches the sink worker, the eviction scheduler and the view
// server, then attaches the view consumer of every configured channel.
func (s *TelemetryService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	s.mu.Unlock()

	s.logger.Info("Starting telemetry service components",
		zap.Int("channels", len(s.pipelines)),
		zap.Bool("sinks", s.queue.Enabled()))

	g.Go(func() error {
		return s.queue.Run(gctx)
	})
	g.Go(func() error {
		return s.evictLoop(gctx)
	})
	if s.server != nil {
		g.Go(func() error {
			s.logger.Info("Starting HTTP server", zap.String("addr", s.server.Addr))
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("HTTP server shutdown error", zap.Error(err))
				return s.server.Close()
			}
			return nil
		})
	}

	for _, ch := range channelOrder {
		if _, ok := s.pipelines[ch]; !ok {
			continue
		}
		if _, err := s.Attach(ch, "view", ConsumerOptions{IncludeEnvAllowList: true}, nil); err != nil {
			return err
		}
	}

	s.logger.Info("Telemetry service started successfully")
	return nil
}

// Stop detaches every consumer, waits for the background loops and closes
// the stores. It is safe to call more than once.
func (s *TelemetryService) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping telemetry service")

		for _, ch := range channelOrder {
			if p, ok := s.pipelines[ch]; ok {
				p.Close()
			}
		}

		s.mu.Lock()
		cancel, g := s.cancel, s.group
		s.mu.Unlock()
		if g != nil {
			s.queue.Stop()
			select {
			case <-s.queue.Done():
			case <-ctx.Done():
				s.logger.Warn("Sink queue not flushed before shutdown deadline")
			}
		}
		if cancel != nil {
			cancel()
		}
		if g != nil {
			done := make(chan error, 1)
			go func() { done <- g.Wait() }()
			select {
			case err = <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		s.closeStores()
		s.logger.Info("Telemetry service stopped")
	})
	return err
}

func (s *TelemetryService) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("Error closing redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Warn("Error closing database", zap.Error(err))
		}
	}
}

func (s *TelemetryService) evictLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.config.Tracking.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			s.EvictStale(now)
		}
	}
}

// EvictStale runs one eviction pass over every channel.
func (s *TelemetryService) EvictStale(now time.Time) map[models.Channel][]string {
	out := make(map[models.Channel][]string)
	for _, ch := range channelOrder {
		p, ok := s.pipelines[ch]
		if !ok {
			continue
		}
		if ids := p.EvictStale(now); len(ids) > 0 {
			out[ch] = ids
		}
	}
	return out
}

// Attach adds a consumer to channel. The channel's connection is opened by
// its first consumer.
func (s *TelemetryService) Attach(ch models.Channel, name string, opts ConsumerOptions, onUpdate pipeline.UpdateHandler) (string, error) {
	p, err := s.pipeline(ch)
	if err != nil {
		return "", err
	}
	return p.Attach(name, s.descriptor(ch, opts), onUpdate), nil
}

// Detach removes a consumer from channel.
func (s *TelemetryService) Detach(ch models.Channel, consumerID string) error {
	p, err := s.pipeline(ch)
	if err != nil {
		return err
	}
	p.Detach(consumerID)
	return nil
}

// Pipeline returns the pipeline of an enabled channel.
func (s *TelemetryService) Pipeline(ch models.Channel) (*pipeline.Pipeline, bool) {
	p, ok := s.pipelines[ch]
	return p, ok
}

func (s *TelemetryService) pipeline(ch models.Channel) (*pipeline.Pipeline, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	p, ok := s.pipelines[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelDisabled, ch)
	}
	return p, nil
}

// descriptor joins the consumer's cameras with the optional id sources:
// default env cameras, the env allow list, then explicit extra ids.
func (s *TelemetryService) descriptor(ch models.Channel, opts ConsumerOptions) subscription.Descriptor {
	cams := opts.Cameras
	if !cams.HasCameras() {
		cams = s.config.Channels[ch].Cameras
	}
	d := subscription.NewDescriptor(cams.Mock, cams.Real, cams.All)

	if opts.IncludeDefaultEnvCameras {
		for _, c := range channelOrder {
			cc := s.config.Channels[c].Cameras
			d.Additional = append(d.Additional, cc.Mock...)
			d.Additional = append(d.Additional, cc.Real...)
		}
	}
	if opts.IncludeEnvAllowList {
		d.Additional = append(d.Additional, s.config.Socket.AcceptedCameraIDs...)
	}
	d.Additional = append(d.Additional, opts.AdditionalCameraIDs...)
	return d
}

func channelsFor(name string) ([]models.Channel, error) {
	switch name {
	case "", ChannelAll:
		return channelOrder, nil
	}
	ch := models.Channel(name)
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return []models.Channel{ch}, nil
}

// Entities returns the live entities of a channel, or of both merged newest
// first for "all". A disabled channel has no entities.
func (s *TelemetryService) Entities(channel string) ([]models.EntityState, error) {
	chs, err := channelsFor(channel)
	if err != nil {
		return nil, err
	}
	snaps := make([][]models.EntityState, 0, len(chs))
	for _, ch := range chs {
		if p, ok := s.pipelines[ch]; ok {
			snaps = append(snaps, p.Snapshot())
		}
	}
	return reconciler.Merge(snaps...), nil
}

// Paths returns the trajectories by entity id. When both channels are
// selected and an id exists in both, the offensive path is kept.
func (s *TelemetryService) Paths(channel string) (map[string][]models.PathPoint, error) {
	chs, err := channelsFor(channel)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]models.PathPoint)
	for _, ch := range chs {
		p, ok := s.pipelines[ch]
		if !ok {
			continue
		}
		for id, path := range p.Paths() {
			if _, dup := out[id]; !dup {
				out[id] = path
			}
		}
	}
	return out, nil
}

// Status reports the combined connectivity of both channels.
func (s *TelemetryService) Status() models.ViewStatus {
	view := models.ViewStatus{
		Mode:     s.mode,
		Channels: make(map[models.Channel]models.ChannelStatus),
		Focus:    s.Focus(),
	}
	for _, ch := range channelOrder {
		p, ok := s.pipelines[ch]
		if !ok {
			continue
		}
		st := p.Status()
		view.Channels[ch] = models.ChannelStatus{
			State:     string(st.State),
			Connected: st.Connected(),
			Mode:      st.Mode,
			URL:       st.URL,
			Consumers: p.Consumers(),
			Entities:  p.Reconciler().Len(),
			LastError: st.LastError,
		}
		view.Connected = view.Connected || st.Connected()
	}
	return view
}

// Focus returns the followed entity, if any.
func (s *TelemetryService) Focus() *models.Focus {
	s.focusMu.RLock()
	defer s.focusMu.RUnlock()
	if s.focus == nil {
		return nil
	}
	f := *s.focus
	return &f
}

// SetFocus follows a tracked entity.
func (s *TelemetryService) SetFocus(ch models.Channel, entityID string) error {
	p, err := s.pipeline(ch)
	if err != nil {
		return err
	}
	if _, ok := p.Reconciler().Get(entityID); !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownEntity, ch, entityID)
	}
	s.focusMu.Lock()
	s.focus = &models.Focus{Channel: ch, EntityID: entityID}
	s.focusMu.Unlock()
	return nil
}

// ClearFocus stops following.
func (s *TelemetryService) ClearFocus() {
	s.focusMu.Lock()
	s.focus = nil
	s.focusMu.Unlock()
}

func (s *TelemetryService) clearFocusOnEvict(ch models.Channel, ids []string) {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()
	if s.focus == nil || s.focus.Channel != ch {
		return
	}
	for _, id := range ids {
		if id == s.focus.EntityID {
			s.logger.Info("Focused entity evicted", zap.String("channel", string(ch)), zap.String("entity_id", id))
			s.focus = nil
			return
		}
	}
}
