package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/gotnull/meshsync/internal/blob"
	"github.com/gotnull/meshsync/internal/codec"
	"github.com/gotnull/meshsync/internal/dedupe"
	"github.com/gotnull/meshsync/internal/observability"
	"github.com/gotnull/meshsync/internal/remote"
)

const (
	DefaultMaxLocalSignals = 200
	DefaultRetryInterval   = 10 * time.Second
	DefaultSweepInterval   = 60 * time.Second

	legacyPacketType = "signal_legacy"
)

// Deduper is the subset of the dedupe store used for legacy mesh signals and
// housekeeping.
type Deduper interface {
	HasSeen(ctx context.Context, key dedupe.PacketKey, ttl time.Duration) bool
	MarkSeen(ctx context.Context, key dedupe.PacketKey, ttl time.Duration)
	Cleanup(ctx context.Context, ttl time.Duration) (int, error)
}

// ImageCache stores signal images on disk.
type ImageCache interface {
	StoreLocal(signalID, src string) (string, error)
	Download(ctx context.Context, signalID, url string) (string, error)
	Remove(signalID, localPath string) error
}

// PendingResponses is swept together with expired signals.
type PendingResponses interface {
	DeleteExpired() int
}

// Config tunes the service.
type Config struct {
	MaxLocalSignals    int
	LegacyDedupeWindow time.Duration
	DedupeTTL          time.Duration
	RetryInterval      time.Duration
	SweepInterval      time.Duration
	ProximityWindow    time.Duration
	ProximityThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxLocalSignals <= 0 {
		c.MaxLocalSignals = DefaultMaxLocalSignals
	}
	if c.LegacyDedupeWindow <= 0 {
		c.LegacyDedupeWindow = dedupe.DefaultTTL
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = dedupe.DefaultTTL
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Service reconciles locally stored signals with the remote mirror.
type Service struct {
	cfg       Config
	store     Store
	deduper   Deduper
	remote    remote.Store
	blob      blob.Store
	media     ImageCache
	auth      Auth
	responses PendingResponses

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	proximity *ProximityTracker
	pending   *pendingImages

	// meshMu makes the mesh duplicate check and insert atomic.
	meshMu sync.Mutex

	mu        sync.Mutex
	listeners map[string]remote.Subscription
	closed    bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	tasks     sync.WaitGroup
	uploads   chan UploadResult
	closeOnce sync.Once
}

// Option configures the service.
type Option func(*Service)

// WithRemote attaches the remote document mirror.
func WithRemote(store remote.Store) Option {
	return func(s *Service) {
		s.remote = store
	}
}

// WithBlob attaches the binary object store used for image uploads.
func WithBlob(store blob.Store) Option {
	return func(s *Service) {
		s.blob = store
	}
}

// WithMedia attaches the on-disk image library.
func WithMedia(cache ImageCache) Option {
	return func(s *Service) {
		s.media = cache
	}
}

// WithAuth sets the authentication source.
func WithAuth(auth Auth) Option {
	return func(s *Service) {
		if auth != nil {
			s.auth = auth
		}
	}
}

// WithPendingResponses registers the outstanding mesh responses swept during cleanup.
func WithPendingResponses(responses PendingResponses) Option {
	return func(s *Service) {
		s.responses = responses
	}
}

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs the service. Background work is bound to Close, not to any
// caller's context.
func New(cfg Config, store Store, deduper Deduper, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("signals: store is nil")
	}
	if deduper == nil {
		return nil, errors.New("signals: deduper is nil")
	}
	cfg.applyDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		store:     store,
		deduper:   deduper,
		auth:      StaticAuth(""),
		logger:    slog.Default(),
		now:       time.Now,
		proximity: NewProximityTracker(cfg.ProximityWindow, cfg.ProximityThreshold),
		pending:   newPendingImages(),
		listeners: make(map[string]remote.Subscription),
		baseCtx:   baseCtx,
		cancel:    cancel,
		uploads:   make(chan UploadResult, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Uploads reports the completion of background image uploads. Results are
// dropped when nobody is reading.
func (s *Service) Uploads() <-chan UploadResult {
	return s.uploads
}

// Start loads the persisted proximity history and re-attaches listeners for
// live signals.
func (s *Service) Start(ctx context.Context) error {
	now := s.now()
	pings, err := s.store.LoadProximity(ctx, now.Add(-s.proximity.Window()))
	if err != nil {
		return err
	}
	s.proximity.Load(pings)

	if s.remote == nil {
		return nil
	}
	live, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, sig := range live {
		if !sig.Expired(now) {
			s.attachListener(sig.ID)
		}
	}
	return nil
}

// Run drives the image retry pass and the expiry sweep until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	retry := time.NewTicker(s.cfg.RetryInterval)
	defer retry.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.baseCtx.Done():
			return nil
		case <-retry.C:
			s.RetryPendingImages(ctx)
		case <-sweep.C:
			if _, err := s.CleanupExpiredSignals(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("expiry sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Wait blocks until detached uploads and downloads have finished.
func (s *Service) Wait() {
	s.tasks.Wait()
}

// Close stops listeners, waits for background tasks and persists the
// proximity history.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		subs := s.listeners
		s.listeners = make(map[string]remote.Subscription)
		s.mu.Unlock()

		for _, sub := range subs {
			_ = sub.Close()
		}
		s.metrics.SetActiveListeners(0)

		s.cancel()
		s.tasks.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.persistProximity(ctx, true)
	})
	return err
}

// CreateSignal stores a locally authored signal and, when signed in, mirrors
// it remotely and uploads its image in the background.
func (s *Service) CreateSignal(ctx context.Context, in NewSignal) (*Signal, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, errors.New("signals: content must be provided")
	}
	if in.TTL < 0 {
		return nil, fmt.Errorf("signals: negative ttl %s", in.TTL)
	}

	now := s.now()
	uid, authed := s.currentUser()
	author := uid
	if !authed {
		author = "local"
		if in.MeshNodeID != nil {
			author = codec.NodeName(*in.MeshNodeID)
		}
	}

	expires := now.Add(in.TTL)
	sig := Signal{
		ID:         uuid.NewString(),
		AuthorID:   author,
		Content:    in.Content,
		Location:   in.Location,
		CreatedAt:  now,
		ExpiresAt:  &expires,
		MeshNodeID: in.MeshNodeID,
		ImageState: ImageNone,
	}

	if in.ImagePath != "" {
		path := in.ImagePath
		if s.media != nil {
			stored, err := s.media.StoreLocal(sig.ID, in.ImagePath)
			if err != nil {
				return nil, fmt.Errorf("signals: store image: %w", err)
			}
			path = stored
		}
		sig.ImageLocalPath = &path
		sig.ImageState = ImageLocal
	}

	if err := s.store.Put(ctx, sig); err != nil {
		return nil, err
	}
	s.metrics.IncSignalCreated("local")
	s.enforceLimit(ctx)

	log := s.logger.With(slog.String("signal_id", sig.ID))
	if sig.Expired(now) {
		log.Info("signal expired at creation; skipping remote sync")
		return &sig, nil
	}
	if s.remote == nil {
		return &sig, nil
	}
	if authed {
		if err := s.remote.Set(ctx, sig.ID, sig.Doc()); err != nil {
			s.metrics.IncRemoteWriteErrors()
			log.Warn("remote signal write failed; keeping local copy", slog.Any("error", err))
		} else {
			sig.SyncedToCloud = true
			if _, err := s.store.Update(ctx, sig); err != nil {
				log.Warn("mark signal synced failed", slog.Any("error", err))
			}
		}
		if sig.ImageLocalPath != nil && s.blob != nil {
			s.spawnUpload(sig.ID, *sig.ImageLocalPath)
		}
	}
	s.attachListener(sig.ID)
	return &sig, nil
}

// CreateSignalFromMesh stores a signal received over the mesh. It returns
// nil, nil when the signal is a duplicate.
func (s *Service) CreateSignalFromMesh(ctx context.Context, in MeshSignal) (*Signal, error) {
	if strings.TrimSpace(in.Content) == "" || in.TTL <= 0 {
		return nil, errors.New("signals: mesh signal needs content and a positive ttl")
	}
	if in.SignalID != "" && !codec.ValidSignalID(in.SignalID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSignalID, in.SignalID)
	}

	sig, err := s.insertMeshSignal(ctx, in)
	if err != nil || sig == nil {
		return nil, err
	}
	s.metrics.IncSignalCreated("mesh")
	s.enforceLimit(ctx)

	// Legacy signals get a local id, so there is no remote document to follow.
	if s.remote == nil || in.SignalID == "" {
		return sig, nil
	}
	if _, authed := s.currentUser(); authed {
		s.adoptRemoteImage(ctx, sig.ID)
		if current, ok, err := s.store.Get(ctx, sig.ID); err == nil && ok {
			sig = &current
		}
	}
	if !sig.Expired(s.now()) {
		s.attachListener(sig.ID)
	}
	return sig, nil
}

func (s *Service) insertMeshSignal(ctx context.Context, in MeshSignal) (*Signal, error) {
	s.meshMu.Lock()
	defer s.meshMu.Unlock()

	log := s.logger.With(slog.String("sender", codec.NodeName(in.SenderNodeID)))
	id := in.SignalID
	var legacyKey dedupe.PacketKey
	if id != "" {
		_, exists, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			log.Debug("duplicate mesh signal ignored", slog.String("signal_id", id))
			return nil, nil
		}
	} else {
		legacyKey = LegacyKey(in)
		if s.deduper.HasSeen(ctx, legacyKey, s.cfg.LegacyDedupeWindow) {
			log.Debug("duplicate legacy mesh signal ignored")
			return nil, nil
		}
		id = uuid.NewString()
	}

	now := s.now()
	expires := now.Add(in.TTL)
	sender := in.SenderNodeID
	sig := Signal{
		ID:         id,
		AuthorID:   codec.NodeName(sender),
		Content:    in.Content,
		Location:   in.Location,
		CreatedAt:  now,
		ExpiresAt:  &expires,
		MeshNodeID: &sender,
		ImageState: ImageNone,
	}
	if err := s.store.Put(ctx, sig); err != nil {
		return nil, err
	}
	if in.SignalID == "" {
		s.deduper.MarkSeen(ctx, legacyKey, s.cfg.LegacyDedupeWindow)
	}
	log.Info("mesh signal stored", slog.String("signal_id", id), slog.Bool("legacy", in.SignalID == ""))
	return &sig, nil
}

// LegacyKey derives the dedupe key for a mesh signal without an id.
func LegacyKey(in MeshSignal) dedupe.PacketKey {
	minutes := int64(in.TTL / time.Minute)
	sum := xxhash.Sum64String(in.Content + "|" + strconv.FormatInt(minutes, 10))
	return dedupe.PacketKey{
		PacketType:   legacyPacketType,
		SenderNodeID: in.SenderNodeID,
		PacketID:     uint32(sum),
	}
}

// adoptRemoteImage picks up an image the sender uploaded before the packet
// reached us.
func (s *Service) adoptRemoteImage(ctx context.Context, id string) {
	log := s.logger.With(slog.String("signal_id", id))
	doc, ok, err := s.remote.Get(ctx, id)
	if err != nil {
		log.Warn("remote signal lookup failed", slog.Any("error", err))
		return
	}
	if !ok {
		return
	}

	sig, exists, err := s.store.Get(ctx, id)
	if err != nil || !exists || sig.Expired(s.now()) {
		return
	}
	changed := false
	if doc.CommentCount != nil && *doc.CommentCount != sig.CommentCount {
		sig.CommentCount = *doc.CommentCount
		changed = true
	}
	url, hasImage := doc.ImageURL()
	if hasImage && len(sig.MediaURLs) == 0 {
		if s.imageUnlocked(sig, s.now()) {
			sig.MediaURLs = []string{url}
			sig.ImageState = ImageCloud
			changed = true
		} else {
			log.Debug("remote image locked")
			hasImage = false
		}
	}
	if !changed {
		return
	}
	if ok, err := s.store.Update(ctx, sig); err != nil || !ok {
		return
	}
	if hasImage {
		s.spawnDownload(id, url)
	}
}

// UploadSignalImage uploads the image and commits its URL to the remote
// document. When only the commit fails the URL is returned and the commit is
// retried later.
func (s *Service) UploadSignalImage(ctx context.Context, id, localPath string) (string, error) {
	if _, ok := s.currentUser(); !ok {
		return "", ErrNotAuthenticated
	}
	sig, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	if sig.Expired(s.now()) {
		return "", ErrSignalExpired
	}
	if !s.imageUnlocked(sig, s.now()) {
		return "", ErrImageLocked
	}
	if s.blob == nil {
		return "", ErrNoBlobStore
	}

	url, err := blob.UploadFile(ctx, s.blob, "signals/"+id, localPath)
	if err != nil {
		s.metrics.ObserveImageUpload("failed")
		return "", fmt.Errorf("signals: upload image %s: %w", id, err)
	}
	s.metrics.ObserveImageUpload("uploaded")

	log := s.logger.With(slog.String("signal_id", id))
	if err := s.commitImage(ctx, id, url); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSignalExpired) {
			log.Info("signal gone before image commit", slog.Any("error", err))
			return "", err
		}
		item := s.pending.schedule(id, url, s.now())
		s.metrics.SetPendingImages(s.pending.len())
		log.Warn("image commit failed; queued for retry",
			slog.Int("attempt", item.AttemptCount),
			slog.Time("next_retry_at", item.NextRetryAt),
			slog.Any("error", err))
		return url, nil
	}
	return url, nil
}

// commitImage writes the URL to the remote document, then to the local row.
func (s *Service) commitImage(ctx context.Context, id, url string) error {
	if _, ok := s.currentUser(); !ok {
		return ErrNotAuthenticated
	}
	sig, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if sig.Expired(s.now()) {
		return ErrSignalExpired
	}

	if s.remote != nil {
		err := s.remote.Merge(ctx, id, remote.SignalDoc{
			MediaURLs:  []string{url},
			ImageState: remote.Ptr(remote.ImageStateCloud),
		})
		if err != nil {
			s.metrics.IncRemoteWriteErrors()
			return fmt.Errorf("signals: commit image %s: %w", id, err)
		}
		// The row may have changed while the remote call was in flight.
		sig, ok, err = s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
	}

	sig.MediaURLs = []string{url}
	sig.ImageState = ImageCloud
	sig.SyncedToCloud = true
	updated, err := s.store.Update(ctx, sig)
	if err != nil {
		return err
	}
	if !updated {
		return ErrNotFound
	}
	s.metrics.ObserveImageUpload("committed")
	return nil
}

// RetryPendingImages runs one pass over the queued image commits and returns
// how many succeeded.
func (s *Service) RetryPendingImages(ctx context.Context) int {
	committed := 0
	for _, item := range s.pending.list() {
		log := s.logger.With(slog.String("signal_id", item.SignalID))

		sig, ok, err := s.store.Get(ctx, item.SignalID)
		if err != nil {
			log.Warn("pending image lookup failed", slog.Any("error", err))
			continue
		}
		now := s.now()
		if !ok || sig.Expired(now) {
			s.pending.remove(item.SignalID)
			log.Debug("pending image dropped; signal gone or expired")
			continue
		}
		if item.AttemptCount >= MaxImageAttempts {
			s.pending.remove(item.SignalID)
			s.metrics.ObserveImageUpload("abandoned")
			log.Warn("pending image dropped after max attempts", slog.Int("attempts", item.AttemptCount))
			continue
		}
		if now.Before(item.NextRetryAt) {
			continue
		}

		if err := s.commitImage(ctx, item.SignalID, item.URL); err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSignalExpired) {
				s.pending.remove(item.SignalID)
				continue
			}
			// Signed out: the commit waits for the next sign-in without
			// spending an attempt.
			if errors.Is(err, ErrNotAuthenticated) {
				log.Debug("pending image commit deferred until sign-in")
				continue
			}
			next := s.pending.schedule(item.SignalID, item.URL, now)
			log.Warn("image commit retry failed",
				slog.Int("attempt", next.AttemptCount),
				slog.Time("next_retry_at", next.NextRetryAt),
				slog.Any("error", err))
			continue
		}
		s.pending.remove(item.SignalID)
		committed++
		log.Info("image commit retried successfully", slog.Int("attempts", item.AttemptCount+1))
	}
	s.metrics.SetPendingImages(s.pending.len())
	return committed
}

// PendingImages lists the queued image commits.
func (s *Service) PendingImages() []PendingImageUpdate {
	return s.pending.list()
}

// CleanupExpiredSignals removes every signal whose lifetime has ended, then
// runs the dedupe and pending-response housekeeping.
func (s *Service) CleanupExpiredSignals(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, sig := range expired {
		s.discard(sig)
		ok, err := s.store.Delete(ctx, sig.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		s.metrics.AddSignalsExpired(removed)
		s.logger.Info("expired signals removed", slog.Int("count", removed))
	}

	if n, err := s.deduper.Cleanup(ctx, s.cfg.DedupeTTL); err != nil {
		s.logger.Warn("dedupe cleanup failed", slog.Any("error", err))
	} else if n > 0 {
		s.logger.Debug("dedupe entries removed", slog.Int("count", n))
	}
	if s.responses != nil {
		if n := s.responses.DeleteExpired(); n > 0 {
			s.logger.Debug("pending responses expired", slog.Int("count", n))
		}
	}

	s.proximity.Prune(now)
	if err := s.persistProximity(ctx, false); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

// DeleteSignal removes a signal locally and, when allowed, remotely.
func (s *Service) DeleteSignal(ctx context.Context, id string) error {
	sig, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	s.discard(sig)
	if _, err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	if _, authed := s.currentUser(); !authed || s.remote == nil {
		return nil
	}
	if sig.Expired(s.now()) {
		s.logger.Debug("skipping remote delete of expired signal", slog.String("signal_id", id))
		return nil
	}
	if err := s.remote.Delete(ctx, id); err != nil {
		s.metrics.IncRemoteWriteErrors()
		s.logger.Warn("remote signal delete failed", slog.String("signal_id", id), slog.Any("error", err))
	}
	return nil
}

// GetSignal loads one signal.
func (s *Service) GetSignal(ctx context.Context, id string) (*Signal, error) {
	sig, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &sig, nil
}

// ListSignals returns live signals, newest first.
func (s *Service) ListSignals(ctx context.Context) ([]Signal, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	live := all[:0]
	for _, sig := range all {
		if !sig.Expired(now) {
			live = append(live, sig)
		}
	}
	return live, nil
}

// RecordProximity notes a directly heard packet from node.
func (s *Service) RecordProximity(node uint32) {
	s.proximity.Record(node, s.now())
}

// HasImageUnlock reports whether node currently has sustained proximity.
func (s *Service) HasImageUnlock(node uint32) bool {
	return s.proximity.HasUnlock(node, s.now())
}

// ActiveListeners returns the ids of signals with a live subscription.
func (s *Service) ActiveListeners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) currentUser() (string, bool) {
	return s.auth.CurrentUserID()
}

func (s *Service) imageUnlocked(sig Signal, now time.Time) bool {
	if _, ok := s.currentUser(); ok {
		return true
	}
	return sig.MeshNodeID != nil && s.proximity.HasUnlock(*sig.MeshNodeID, now)
}

func (s *Service) enforceLimit(ctx context.Context) {
	evicted, err := s.store.Evict(ctx, s.cfg.MaxLocalSignals, s.now())
	if err != nil {
		s.logger.Warn("signal eviction failed", slog.Any("error", err))
		return
	}
	if len(evicted) == 0 {
		return
	}
	for _, sig := range evicted {
		s.discard(sig)
	}
	s.metrics.AddSignalsEvicted(len(evicted))
	s.logger.Info("signals evicted over limit", slog.Int("count", len(evicted)), slog.Int("limit", s.cfg.MaxLocalSignals))
}

// discard releases everything attached to a signal except its row.
func (s *Service) discard(sig Signal) {
	s.detachListener(sig.ID)
	s.pending.remove(sig.ID)
	if s.media == nil {
		return
	}
	localPath := ""
	if sig.ImageLocalPath != nil {
		localPath = *sig.ImageLocalPath
	}
	if err := s.media.Remove(sig.ID, localPath); err != nil {
		s.logger.Warn("signal image cleanup failed", slog.String("signal_id", sig.ID), slog.Any("error", err))
	}
}

func (s *Service) spawnUpload(id, localPath string) {
	if !s.startTask() {
		return
	}
	go func() {
		defer s.tasks.Done()
		url, err := s.UploadSignalImage(s.baseCtx, id, localPath)
		if err != nil {
			s.logger.Warn("background image upload failed", slog.String("signal_id", id), slog.Any("error", err))
		}
		select {
		case s.uploads <- UploadResult{SignalID: id, URL: url, Err: err}:
		default:
		}
	}()
}

func (s *Service) spawnDownload(id, url string) {
	if s.media == nil || !s.startTask() {
		return
	}
	go func() {
		defer s.tasks.Done()
		path, err := s.media.Download(s.baseCtx, id, url)
		if err != nil {
			s.logger.Warn("remote image download failed", slog.String("signal_id", id), slog.Any("error", err))
			return
		}
		s.logger.Debug("remote image cached", slog.String("signal_id", id), slog.String("path", path))
	}()
}

func (s *Service) startTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks.Add(1)
	return true
}

func (s *Service) persistProximity(ctx context.Context, force bool) error {
	pings, changed := s.proximity.Snapshot()
	if !changed && !force {
		return nil
	}
	if err := s.store.SaveProximity(ctx, pings); err != nil {
		return fmt.Errorf("signals: persist proximity: %w", err)
	}
	return nil
}
