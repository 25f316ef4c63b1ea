// Package scheduler implements the Scheduler/Supervisor (spec.md §4.6):
// the single owner of the Inventory Model, priority/exclusion lists, and
// mining state, driving autostart, priority pre-emption, background
// refresh, and cleanup-claim on their own intervals, and draining exactly
// one Mining Loop's event stream at a time.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"twitchdropsfarmer/internal/config"
	"twitchdropsfarmer/internal/inventory"
	"twitchdropsfarmer/internal/mining"
	"twitchdropsfarmer/internal/notifier"
	"twitchdropsfarmer/internal/platform"
	"twitchdropsfarmer/internal/pulser"
)

const (
	autostartInterval = 2 * time.Second
	localBumpInterval = 1 * time.Second
	priorityInterval  = 60 * time.Second
	refreshInterval   = 60 * time.Second
	cleanupInterval   = 60 * time.Second
	failureCooldown   = 300 * time.Second
)

// gameClient is the slice of the Platform Client the Scheduler needs,
// including everything a spawned Mining Loop needs from it — kept as one
// interface (rather than *platform.Client directly) so tests can
// substitute a fake and so it can be handed straight to mining.New.
type gameClient interface {
	GetGameDirectory(ctx context.Context, gameSlug string, limit int) ([]platform.DirectoryEdge, error)
	GetInventory(ctx context.Context) ([]*inventory.Campaign, []inventory.EventDrop, error)
	GetCampaigns(ctx context.Context) ([]*inventory.Campaign, error)
	ClaimDrop(ctx context.Context, dropInstanceID string) error
	FetchTelemetryURL(ctx context.Context, channelLogin string) (string, error)
	GetDropProbe(ctx context.Context, channelID string) (platform.DropProbe, error)
	GetPlaybackAccessToken(ctx context.Context, channelLogin string) (platform.PlaybackAccessToken, error)
}

// channelTarget is the (login, channel id, broadcast id) tuple a Mining
// Loop is spawned against.
type channelTarget struct {
	login       string
	channelID   string
	broadcastID string
}

// Scheduler is the single owner of the Inventory Model and mining state.
// Run must be called from exactly one goroutine; SetPriorityGames,
// SetExcludedGames, and the read accessors are safe to call from any
// goroutine (the HTTP surface calls them from request handlers).
type Scheduler struct {
	client      gameClient
	newPulser   func() *pulser.Pulser
	settings    *config.SettingsStore
	notifier    notifier.Notifier
	inv         *inventory.Inventory
	invMu       sync.Mutex // guards inv; Run is the sole writer, readers (web) take it too

	mu                  sync.RWMutex
	priorityGames       []string
	excludedGames       []string
	failedGameAttempts  map[string]time.Time
	miningStatus        *mining.Status
	currentAttemptGame  string
	hasLiveStream       bool
	transientErrorCount int
	watching            *channelTarget

	cancelLoop context.CancelFunc
	loopEvents chan mining.Event

	invStore *inventory.Store

	log *logrus.Entry
}

// New builds a Scheduler. Initial priority/excluded games are loaded from
// settings.
func New(client gameClient, newPulser func() *pulser.Pulser, settings *config.SettingsStore, notif notifier.Notifier) *Scheduler {
	s := settings.Get()
	return &Scheduler{
		client:             client,
		newPulser:          newPulser,
		settings:           settings,
		notifier:           notif,
		inv:                inventory.New(),
		priorityGames:      append([]string(nil), s.PriorityGames...),
		excludedGames:      append([]string(nil), s.ExcludedGames...),
		failedGameAttempts: make(map[string]time.Time),
		log:                logrus.WithField("component", "scheduler"),
	}
}

// AttachInventoryStore wires a persistence layer for the Inventory Model:
// it loads any previously-saved snapshot immediately (so a restart doesn't
// start from a blank slate while waiting for the next live refresh) and
// persists on every subsequent background refresh tick. Optional: a
// Scheduler with no store attached simply never persists.
func (s *Scheduler) AttachInventoryStore(store *inventory.Store) error {
	allCampaigns, campaigns, err := store.Load()
	if err != nil {
		return err
	}

	s.invMu.Lock()
	if allCampaigns != nil {
		s.inv.AllCampaigns = allCampaigns
	}
	if campaigns != nil {
		s.inv.Campaigns = campaigns
	}
	s.invMu.Unlock()

	s.invStore = store
	return nil
}

func (s *Scheduler) persistInventory() {
	if s.invStore == nil {
		return
	}
	s.invMu.Lock()
	defer s.invMu.Unlock()

	if err := s.invStore.Save(s.inv.AllCampaigns, s.inv.Campaigns); err != nil {
		s.log.WithError(err).Warn("failed to persist inventory snapshot")
	}
}

// Run drives the periodic tasks and the active Mining Loop's event stream
// until ctx is cancelled. It is the single task that mutates the
// Scheduler's data model (spec.md §5).
func (s *Scheduler) Run(ctx context.Context) {
	autostartTicker := time.NewTicker(autostartInterval)
	localBumpTicker := time.NewTicker(localBumpInterval)
	priorityTicker := time.NewTicker(priorityInterval)
	refreshTicker := time.NewTicker(refreshInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer autostartTicker.Stop()
	defer localBumpTicker.Stop()
	defer priorityTicker.Stop()
	defer refreshTicker.Stop()
	defer cleanupTicker.Stop()

	// Prime the inventory once before the periodic refresh cadence kicks in.
	s.backgroundRefresh(ctx)

	for {
		select {
		case <-ctx.Done():
			s.stopWatching()
			return

		case <-autostartTicker.C:
			if err := s.tryAutostart(ctx); err != nil {
				s.log.WithError(err).Debug("autostart found nothing to start")
			}

		case <-localBumpTicker.C:
			s.bumpActiveDropSecond()

		case <-priorityTicker.C:
			if s.isWatching() {
				if _, err := s.checkPrioritySwitch(ctx); err != nil {
					s.log.WithError(err).Warn("priority switch check failed")
				}
			}

		case <-refreshTicker.C:
			s.backgroundRefresh(ctx)

		case <-cleanupTicker.C:
			s.claimUnclaimedDrops(ctx)

		case event, ok := <-s.loopEvents:
			if !ok {
				continue
			}
			s.handleMiningEvent(event)
		}
	}
}

// --- Accessors (safe from any goroutine) ------------------------------------

// Status is an HTTP-surface-friendly snapshot of the Scheduler's state.
type Status struct {
	Mining              *mining.Status
	HasLiveStream       bool
	CurrentAttemptGame  string
	PriorityGames       []string
	ExcludedGames       []string
	TransientErrorCount int
}

// Status returns a snapshot of the Scheduler's public state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Mining:              s.miningStatus,
		HasLiveStream:       s.hasLiveStream,
		CurrentAttemptGame:  s.currentAttemptGame,
		PriorityGames:       append([]string(nil), s.priorityGames...),
		ExcludedGames:       append([]string(nil), s.excludedGames...),
		TransientErrorCount: s.transientErrorCount,
	}
}

// SetPriorityGames replaces the priority list (I4: order is meaningful,
// duplicates are dropped) and persists it.
func (s *Scheduler) SetPriorityGames(games []string) error {
	deduped := dedupe(games)
	s.mu.Lock()
	s.priorityGames = deduped
	s.mu.Unlock()
	return s.settings.Update(func(st *config.Settings) { st.PriorityGames = deduped })
}

// SetExcludedGames replaces the excluded-games list and persists it.
func (s *Scheduler) SetExcludedGames(games []string) error {
	deduped := dedupe(games)
	s.mu.Lock()
	s.excludedGames = deduped
	s.mu.Unlock()
	return s.settings.Update(func(st *config.Settings) { st.ExcludedGames = deduped })
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func (s *Scheduler) priorityAndExcluded() (priority, excluded []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.priorityGames...), append([]string(nil), s.excludedGames...)
}

// notifyDropClaimed dispatches a claimed-drop notification only when the
// user has notifications enabled (spec.md §4.6, §6: notifications_enabled,
// default true).
func (s *Scheduler) notifyDropClaimed(game, drop string) {
	if s.settings.Get().NotificationsEnabled {
		s.notifier.NotifyDropClaimed(game, drop)
	}
}

// notifyCampaignComplete is the CampaignComplete analogue of notifyDropClaimed.
func (s *Scheduler) notifyCampaignComplete(game string) {
	if s.settings.Get().NotificationsEnabled {
		s.notifier.NotifyCampaignComplete(game)
	}
}

func (s *Scheduler) isWatching() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watching != nil
}

// --- Watching lifecycle ------------------------------------------------------

func (s *Scheduler) startWatching(ctx context.Context, target channelTarget, gameName string) {
	s.mu.Lock()
	if s.watching != nil {
		s.mu.Unlock()
		return
	}
	s.watching = &target
	s.currentAttemptGame = gameName
	s.miningStatus = nil
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	events := make(chan mining.Event, 16)
	s.cancelLoop = cancel
	s.loopEvents = events

	p := s.newPulser()
	loop := mining.New(s.client, p, target.login, target.channelID, target.broadcastID, gameName, events)

	go func() {
		loop.Run(loopCtx)
		close(events)
	}()

	s.log.WithFields(logrus.Fields{"channel": target.login, "game": gameName}).Info("started mining loop")
}

// stopWatching clears the running-loop handle and every piece of derived
// state, returning the aggregate state to idle (spec.md §4.6 stop
// semantics).
func (s *Scheduler) stopWatching() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelLoop != nil {
		s.cancelLoop()
		s.cancelLoop = nil
	}
	s.watching = nil
	s.hasLiveStream = false
	s.miningStatus = nil
	s.currentAttemptGame = ""
	s.loopEvents = nil
}

// --- Target selection --------------------------------------------------------

func slugify(game string) string {
	return strings.ToLower(strings.ReplaceAll(game, " ", "-"))
}

func (s *Scheduler) pruneFailedAttempts() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for game, failedAt := range s.failedGameAttempts {
		if now.Sub(failedAt) >= failureCooldown {
			delete(s.failedGameAttempts, game)
		}
	}
}

func (s *Scheduler) onCooldown(game string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	failedAt, ok := s.failedGameAttempts[game]
	return ok && time.Since(failedAt) < failureCooldown
}

func (s *Scheduler) recordFailure(game string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedGameAttempts[game] = time.Now()
}

// tryAutostart implements spec.md §4.6's target selection: the first
// priority game, in order, with an active unclaimed campaign and at least
// one live channel becomes the next Mining Loop's target.
func (s *Scheduler) tryAutostart(ctx context.Context) error {
	if s.isWatching() {
		return nil
	}
	s.pruneFailedAttempts()

	priorityGames, _ := s.priorityAndExcluded()
	now := time.Now()

	for _, game := range priorityGames {
		if s.onCooldown(game) {
			continue
		}
		if !s.hasUnclaimedCampaign(now, game) {
			continue
		}

		edges, err := s.client.GetGameDirectory(ctx, slugify(game), 5)
		if err != nil {
			s.log.WithError(err).WithField("game", game).Warn("game directory lookup failed")
			continue
		}
		if len(edges) == 0 {
			continue
		}
		edge := edges[0]
		s.startWatching(ctx, channelTarget{login: edge.ChannelLogin, channelID: edge.ChannelID, broadcastID: edge.BroadcastID}, game)
		return nil
	}

	return fmt.Errorf("no suitable streams found")
}

// hasUnclaimedCampaign checks both AllCampaigns and Campaigns for an active,
// unclaimed campaign for game.
func (s *Scheduler) hasUnclaimedCampaign(now time.Time, game string) bool {
	s.invMu.Lock()
	defer s.invMu.Unlock()
	return s.inv.HasActiveCampaignWithUnclaimedDrop(now, game)
}

// checkPrioritySwitch implements priority pre-emption (spec.md §4.6): if a
// strictly-higher-priority game than the one currently being mined has a
// live stream, stop the current Mining Loop so autostart picks the
// higher-priority game up within 2s.
func (s *Scheduler) checkPrioritySwitch(ctx context.Context) (bool, error) {
	s.mu.RLock()
	currentGame := s.currentAttemptGame
	if s.miningStatus != nil {
		currentGame = s.miningStatus.GameName
	}
	hasLiveStream := s.hasLiveStream
	s.mu.RUnlock()

	if !hasLiveStream || currentGame == "" {
		return false, nil
	}

	priorityGames, _ := s.priorityAndExcluded()
	currentIdx := len(priorityGames)
	for i, g := range priorityGames {
		if g == currentGame {
			currentIdx = i
			break
		}
	}

	now := time.Now()
	for i := 0; i < currentIdx; i++ {
		game := priorityGames[i]
		if s.onCooldown(game) {
			continue
		}
		if !s.hasUnclaimedCampaign(now, game) {
			continue
		}
		edges, err := s.client.GetGameDirectory(ctx, slugify(game), 1)
		if err != nil {
			s.log.WithError(err).WithField("game", game).Warn("priority directory lookup failed")
			continue
		}
		if len(edges) > 0 {
			s.log.WithFields(logrus.Fields{"from": currentGame, "to": game}).Info("pre-empting for higher priority game")
			s.stopWatching()
			return true, nil
		}
	}
	return false, nil
}

// bumpActiveDropSecond advances the first-unclaimed-drop's local second
// counter for the currently-mined game, in both campaign collections
// (spec.md's fractional-minute local accounting, P1/P2).
func (s *Scheduler) bumpActiveDropSecond() {
	s.mu.RLock()
	game := s.currentAttemptGame
	if s.miningStatus != nil {
		game = s.miningStatus.GameName
	}
	s.mu.RUnlock()
	if game == "" {
		return
	}

	s.invMu.Lock()
	defer s.invMu.Unlock()
	for _, campaigns := range []map[string]*inventory.Campaign{s.inv.AllCampaigns, s.inv.Campaigns} {
		for _, c := range campaigns {
			if c.Game.DisplayName != game {
				continue
			}
			if d := c.FirstUnclaimedDrop(); d != nil {
				d.BumpExtraSecond()
			}
		}
	}
}

// backgroundRefresh re-fetches the dashboard and inventory, merging into
// the Inventory Model without disturbing an active Mining Loop's state.
func (s *Scheduler) backgroundRefresh(ctx context.Context) {
	campaigns, err := s.client.GetCampaigns(ctx)
	if err != nil {
		s.log.WithError(err).Warn("background dashboard refresh failed")
	} else {
		s.invMu.Lock()
		s.inv.IngestAllCampaigns(campaigns)
		s.invMu.Unlock()
	}

	inventoryCampaigns, eventDrops, err := s.client.GetInventory(ctx)
	if err != nil {
		s.log.WithError(err).Warn("background inventory refresh failed")
		return
	}
	priorityGames, _ := s.priorityAndExcluded()
	wanted := make(map[string]bool, len(priorityGames))
	for _, g := range priorityGames {
		wanted[g] = true
	}

	s.invMu.Lock()
	s.inv.IngestInventory(inventoryCampaigns, eventDrops, func(g string) bool { return wanted[g] })
	s.invMu.Unlock()

	s.persistInventory()
}

// claimUnclaimedDrops is the cleanup-claim sweep: scan every campaign for a
// drop that has met its threshold but was never claimed (e.g. a missed
// claim event) and claim it directly.
func (s *Scheduler) claimUnclaimedDrops(ctx context.Context) {
	type pending struct {
		game, drop, instanceID string
	}
	var claims []pending

	s.invMu.Lock()
	seen := make(map[string]bool)
	for _, campaigns := range []map[string]*inventory.Campaign{s.inv.AllCampaigns, s.inv.Campaigns} {
		for _, c := range campaigns {
			for _, d := range c.Drops {
				if !d.CanClaim() || seen[d.Self.DropInstanceID] {
					continue
				}
				seen[d.Self.DropInstanceID] = true
				name := d.Name
				if len(d.BenefitEdges) > 0 {
					name = d.BenefitEdges[0].Benefit.Name
				}
				claims = append(claims, pending{game: c.Game.DisplayName, drop: name, instanceID: d.Self.DropInstanceID})
			}
		}
	}
	s.invMu.Unlock()

	if len(claims) == 0 {
		return
	}
	s.log.WithField("count", len(claims)).Info("cleanup claim sweep found unclaimed drops")

	for _, c := range claims {
		if err := s.client.ClaimDrop(ctx, c.instanceID); err != nil {
			s.log.WithError(err).WithField("drop", c.drop).Warn("cleanup claim failed")
			continue
		}
		s.invMu.Lock()
		s.inv.MarkDropClaimed(c.game, c.drop)
		s.invMu.Unlock()
		s.notifyDropClaimed(c.game, c.drop)
		time.Sleep(500 * time.Millisecond)
	}
}

// --- Mining event handling ---------------------------------------------------

func (s *Scheduler) handleMiningEvent(event mining.Event) {
	switch e := event.(type) {
	case mining.StatusEvent:
		s.applyStatusEvent(e.Status)

	case mining.TransientErrorEvent:
		s.log.WithField("message", e.Message).Warn("transient mining error")
		s.mu.Lock()
		s.transientErrorCount++
		count := s.transientErrorCount
		s.mu.Unlock()
		if count >= 10 {
			s.log.Error("too many transient errors, stopping to try another channel")
			s.mu.Lock()
			s.transientErrorCount = 0
			s.mu.Unlock()
			s.stopWatching()
		}

	case mining.FatalErrorEvent:
		s.log.WithField("message", e.Message).Error("fatal mining error")
		s.mu.Lock()
		s.hasLiveStream = false
		failedGame := s.currentAttemptGame
		if failedGame == "" && s.miningStatus != nil {
			failedGame = s.miningStatus.GameName
		}
		s.transientErrorCount = 0
		s.mu.Unlock()
		if failedGame != "" {
			s.recordFailure(failedGame)
		}
		s.stopWatching()

	case mining.ClaimedEvent:
		s.mu.RLock()
		game := s.currentAttemptGame
		if s.miningStatus != nil {
			game = s.miningStatus.GameName
		}
		s.mu.RUnlock()
		if game == "" {
			game = "Unknown Game"
		}
		s.log.WithFields(logrus.Fields{"drop": e.DropName, "game": game}).Info("drop claimed")
		s.invMu.Lock()
		s.inv.MarkDropClaimed(game, e.DropName)
		s.invMu.Unlock()
		s.notifyDropClaimed(game, e.DropName)

	case mining.CampaignCompleteEvent:
		s.log.WithField("game", e.GameName).Info("campaign complete, stopping mining loop")
		s.notifyCampaignComplete(e.GameName)
		s.stopWatching()
	}
}

// applyStatusEvent syncs a Mining Loop's progress report into the Inventory
// Model and resets the transient-error counter (a status report proves the
// loop is healthy).
func (s *Scheduler) applyStatusEvent(status mining.Status) {
	s.invMu.Lock()
	for _, c := range s.inv.AllCampaigns {
		if c.Game.DisplayName != status.GameName {
			continue
		}
		drop := findStatusDrop(c, status.DropName)
		if drop == nil {
			continue
		}
		localMinutes := drop.CurrentMinutes()
		apiMinutes := float64(status.MinutesWatched)
		if drop.Self != nil {
			drop.Self.CurrentMinutesWatched = status.MinutesWatched
		} else {
			drop.Self = &inventory.DropSelfInfo{CurrentMinutesWatched: status.MinutesWatched}
		}
		if apiMinutes >= localMinutes {
			drop.ResetLocalTracking()
		}
		break
	}
	s.invMu.Unlock()

	s.mu.Lock()
	s.miningStatus = &status
	s.hasLiveStream = true
	s.currentAttemptGame = ""
	s.transientErrorCount = 0
	s.mu.Unlock()
}

// findStatusDrop locates the drop a Status report refers to: by exact name
// among unclaimed drops first, then by exact name at all, then (for the
// "Active Drop" fallback name) the first unclaimed drop.
func findStatusDrop(c *inventory.Campaign, dropName string) *inventory.Drop {
	for _, d := range c.Drops {
		if d.Name == dropName && !d.IsClaimed() {
			return d
		}
	}
	for _, d := range c.Drops {
		if d.Name == dropName {
			return d
		}
	}
	if dropName == "Active Drop" {
		for _, d := range c.Drops {
			if !d.IsClaimed() {
				return d
			}
		}
	}
	return nil
}

// ActiveCampaigns returns a locked snapshot of the currently active,
// non-excluded campaigns. Handing out the live *inventory.Inventory would
// let the web surface race the Run goroutine's map mutations
// (bumpActiveDropSecond, IngestAllCampaigns, IngestInventory,
// MarkDropClaimed); this builds the result slice while invMu is held
// instead.
func (s *Scheduler) ActiveCampaigns() []*inventory.Campaign {
	_, excluded := s.priorityAndExcluded()
	s.invMu.Lock()
	defer s.invMu.Unlock()
	return s.inv.ActiveCampaigns(time.Now(), excluded)
}

// SubscribedCampaigns returns a locked snapshot of campaigns matching the
// current priority games, for the same reason ActiveCampaigns does.
func (s *Scheduler) SubscribedCampaigns() []*inventory.Campaign {
	priority, _ := s.priorityAndExcluded()
	s.invMu.Lock()
	defer s.invMu.Unlock()
	return s.inv.SubscribedCampaigns(priority)
}
