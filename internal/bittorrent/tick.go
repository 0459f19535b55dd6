package bittorrent

import "time"

// TorrentMode is the periodic bookkeeping loop spec.md §4.5 describes:
// keepalives, inactivity eviction, Have broadcast, webseed injection and
// reciprocity review, invoked at a fixed cadence by an external
// scheduler. One TorrentMode per TorrentContext; Tick and the
// MessageDispatcher never run concurrently for the same context, per
// spec.md §5.
type TorrentMode struct {
	dispatcher *MessageDispatcher
}

func NewTorrentMode(d *MessageDispatcher) *TorrentMode {
	return &TorrentMode{dispatcher: d}
}

const ticksPerSecond = int(time.Second / TickInterval)

// Tick runs one pass of the loop. counter is the caller's monotonically
// increasing tick count, used for the ~1s and 5s cadences.
func (tm *TorrentMode) Tick(ctx *TorrentContext, counter int) {
	if ctx.IsPoisoned() {
		return
	}
	now := ctx.Clock.Now()

	if ticksPerSecond > 0 && counter%ticksPerSecond == 0 {
		if ctx.Monitor != nil {
			ctx.Monitor.Tick()
		}
	}

	finished := ctx.DrainFinished()
	if len(finished) > 0 {
		tm.broadcastHaves(ctx, finished)
	}

	for _, s := range ctx.Sessions() {
		s.MaxPendingRequests = computeMaxPendingRequests(s, ctx)
	}

	switch ctx.State {
	case Downloading:
		tm.maybeAttachWebseeds(ctx, now)
		if counter%(int(InactivePeerPollInterval/TickInterval)) == 0 {
			tm.evictInactive(ctx, now)
		}
		tm.maybeReview(ctx, now)
	case Seeding:
		tm.maybeReview(ctx, now)
	}

	tm.postLogic(ctx, now)
	tm.maybeAnnounce(ctx, now)
}

// broadcastHaves implements spec.md §4.5's broadcast-have policy: for
// each session and each newly finished piece, recompute interest toward
// it, then emit Have only if the peer lacks the piece or have-suppression
// is disabled.
func (tm *TorrentMode) broadcastHaves(ctx *TorrentContext, finished []uint32) {
	for _, s := range ctx.Sessions() {
		for _, index := range finished {
			peerHasIt := s.bitfield.Have(int(index))
			if peerHasIt && ctx.Bitfield.Have(int(index)) {
				s.SetAmInterested(recomputeInterestExcluding(ctx, s))
			}
			if !peerHasIt || !ctx.Settings.HaveSuppressionEnabled {
				s.Enqueue(Have(index))
			}
		}
	}
}

func recomputeInterestExcluding(ctx *TorrentContext, s *PeerSession) bool {
	for i := 0; i < ctx.PieceCount; i++ {
		if s.bitfield.Have(i) && !ctx.Bitfield.Have(i) {
			return true
		}
	}
	return false
}

// computeMaxPendingRequests mirrors spec.md §4.5's clamp formula:
// clamp(2, min(min(peer_advertised_max, requesting_count+2),
// normal + download_kbps/bonus_per_kbps). "normal" is the session's
// current MaxPendingRequests before this recomputation.
func computeMaxPendingRequests(s *PeerSession, ctx *TorrentContext) int {
	normal := s.MaxPendingRequests
	if normal < 2 {
		normal = 2
	}
	bonus := 0
	if ctx.Monitor != nil && ctx.Settings.BonusPerKBPS > 0 {
		kbps := ctx.Monitor.DownloadSpeedBps() / 1024
		bonus = kbps / ctx.Settings.BonusPerKBPS
	}
	byRate := normal + bonus
	byHeadroom := s.RequestingCount + 2
	advertised := s.PeerAdvertisedMaxReq
	if advertised < 1 {
		advertised = 1
	}
	max := advertised
	if byHeadroom < max {
		max = byHeadroom
	}
	if byRate < max {
		max = byRate
	}
	if max < 2 {
		max = 2
	}
	return max
}

func (tm *TorrentMode) maybeAttachWebseeds(ctx *TorrentContext, now time.Time) {
	if ctx.webseedAttached {
		return
	}
	if ctx.webseedAttachedAt.IsZero() {
		ctx.webseedAttachedAt = ctx.createdAt.Add(WebseedAttachDelay)
	}
	if now.Before(ctx.webseedAttachedAt) {
		return
	}
	limit := ctx.Settings.AddWebseedsSpeedLimitKBps
	if limit > 0 && ctx.Monitor != nil {
		if ctx.Monitor.DownloadSpeedBps()/1024 >= limit {
			return
		}
	}
	// Webseed transport injection itself is external (§1 Non-goals); this
	// loop only marks the one-shot gate as consumed, per spec.md §9's
	// preserved "attach at most once per torrent lifetime" behavior.
	ctx.webseedAttached = true
}

func (tm *TorrentMode) evictInactive(ctx *TorrentContext, now time.Time) {
	for _, s := range ctx.Sessions() {
		if now.Sub(s.LastMessageReceived) > InactivityTimeout {
			ctx.CloseSession(s.CorrelationId, "Inactivity")
		}
	}
}

func (tm *TorrentMode) maybeReview(ctx *TorrentContext, now time.Time) {
	if ctx.Reciprocity == nil {
		return
	}
	if !ctx.lastReview.IsZero() && now.Sub(ctx.lastReview) < ctx.Settings.MinTimeBetweenReviews {
		return
	}
	if pct := ctx.Settings.PercentOfMaxRateToSkipReview; pct > 0 && ctx.Settings.MaxUploadRateBps > 0 && ctx.Monitor != nil {
		threshold := ctx.Settings.MaxUploadRateBps * pct / 100
		if ctx.Monitor.UploadSpeedBps() >= threshold {
			ctx.lastReview = now
			return
		}
	}
	ctx.Reciprocity.Review()
	ctx.lastReview = now
}

func (tm *TorrentMode) postLogic(ctx *TorrentContext, now time.Time) {
	for _, s := range ctx.Sessions() {
		if s.HasQueuedOutbound() && ctx.Transport != nil {
			ctx.Transport.ProcessQueue()
		}
		if now.Sub(s.LastMessageSent) > KeepAliveTimeout {
			s.Enqueue(KeepAlive)
			s.LastMessageSent = now
		}
		if now.Sub(s.LastMessageReceived) > InactivityTimeout {
			ctx.CloseSession(s.CorrelationId, "Inactivity")
			continue
		}
		if now.Sub(s.LastMessageReceived) > RequestStallTimeout && s.RequestingCount > 0 {
			ctx.CloseSession(s.CorrelationId, "Didn't send pieces")
		}
	}
}

func (tm *TorrentMode) maybeAnnounce(ctx *TorrentContext, now time.Time) {
	if ctx.Tracker == nil {
		return
	}
	wait := UpdateInterval
	if !ctx.Tracker.UpdateSucceeded() {
		wait = MinUpdateInterval
	}
	if !ctx.lastTrackerUpdate.IsZero() && now.Sub(ctx.lastTrackerUpdate) < wait {
		return
	}
	ctx.Tracker.Announce(AnnounceNone)
	ctx.lastTrackerUpdate = now
}

// PeerConnected builds the connect-time message bundle spec.md §4.5
// names: a bitfield-class message, then an extended handshake if
// negotiated, then one AllowedFast per piece in allowed_fast_to_peer.
func (tm *TorrentMode) PeerConnected(ctx *TorrentContext, s *PeerSession, direction ConnectionDirection, extHandshake ProtocolMessage) MessageBundle {
	var bundle MessageBundle
	if s.SupportsFast {
		switch {
		case ctx.Bitfield.AllFalse():
			bundle = append(bundle, HaveNone())
		case ctx.Bitfield.AllTrue():
			bundle = append(bundle, HaveAll())
		default:
			bundle = append(bundle, BitfieldMessage(ctx.Bitfield.Bytes()))
		}
	} else {
		bundle = append(bundle, BitfieldMessage(ctx.Bitfield.Bytes()))
	}
	if s.SupportsExtended && extHandshake != nil {
		bundle = append(bundle, extHandshake)
	}
	allowed := s.AllowedFastToPeer.ToSlice()
	for _, idx := range allowed {
		bundle = append(bundle, AllowedFast(idx))
	}
	ctx.Observers.PublishPeerConnected(PeerConnectedEvent{Session: s, Direction: direction})
	return bundle
}
