package signals

import (
	"log/slog"

	"github.com/gotnull/meshsync/internal/remote"
)

// attachListener subscribes to the remote document of a live signal. At most
// one subscription exists per signal.
func (s *Service) attachListener(id string) {
	if s.remote == nil {
		return
	}
	s.mu.Lock()
	_, exists := s.listeners[id]
	closed := s.closed
	s.mu.Unlock()
	if exists || closed {
		return
	}

	sub, err := s.remote.Subscribe(s.baseCtx, id, func(snap remote.Snapshot) {
		s.onSnapshot(id, snap)
	})
	if err != nil {
		s.logger.Warn("remote listener failed to start", slog.String("signal_id", id), slog.Any("error", err))
		return
	}

	s.mu.Lock()
	if _, exists := s.listeners[id]; exists || s.closed {
		s.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.listeners[id] = sub
	n := len(s.listeners)
	s.mu.Unlock()
	s.metrics.SetActiveListeners(n)

	// A snapshot delivered before registration may have missed a teardown.
	sig, ok, err := s.store.Get(s.baseCtx, id)
	if err == nil && (!ok || sig.Expired(s.now())) {
		s.detachListener(id)
	}
}

func (s *Service) detachListener(id string) {
	s.mu.Lock()
	sub, ok := s.listeners[id]
	delete(s.listeners, id)
	n := len(s.listeners)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := sub.Close(); err != nil {
		s.logger.Debug("remote listener close failed", slog.String("signal_id", id), slog.Any("error", err))
	}
	s.metrics.SetActiveListeners(n)
}

// onSnapshot applies one remote observation to the local row.
func (s *Service) onSnapshot(id string, snap remote.Snapshot) {
	ctx := s.baseCtx
	log := s.logger.With(slog.String("signal_id", id))

	sig, ok, err := s.store.Get(ctx, id)
	if err != nil {
		log.Warn("listener lookup failed", slog.Any("error", err))
		return
	}
	now := s.now()
	if !ok || sig.Expired(now) {
		s.detachListener(id)
		return
	}
	if !snap.Exists {
		return
	}

	changed := false
	if snap.Doc.CommentCount != nil && *snap.Doc.CommentCount != sig.CommentCount {
		sig.CommentCount = *snap.Doc.CommentCount
		changed = true
	}

	download := ""
	if url, hasImage := snap.Doc.ImageURL(); hasImage && len(sig.MediaURLs) == 0 {
		if s.imageUnlocked(sig, now) {
			sig.MediaURLs = []string{url}
			sig.ImageState = ImageCloud
			changed = true
			if sig.ImageLocalPath == nil {
				download = url
			}
		} else {
			log.Debug("remote image arrived but is locked")
		}
	}
	if !changed {
		return
	}

	updated, err := s.store.Update(ctx, sig)
	if err != nil {
		log.Warn("listener update failed", slog.Any("error", err))
		return
	}
	if !updated {
		s.detachListener(id)
		return
	}
	if download != "" {
		s.spawnDownload(id, download)
	}
}
