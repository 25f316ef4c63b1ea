package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"twitchdropsfarmer/internal/config"
	"twitchdropsfarmer/internal/inventory"
	"twitchdropsfarmer/internal/mining"
	"twitchdropsfarmer/internal/notifier"
	"twitchdropsfarmer/internal/platform"
	"twitchdropsfarmer/internal/pulser"
)

type fakeGameClient struct {
	directoryEdges map[string][]platform.DirectoryEdge
	campaigns      []*inventory.Campaign
	eventDrops     []inventory.EventDrop
	claimed        []string
}

func (f *fakeGameClient) GetGameDirectory(ctx context.Context, gameSlug string, limit int) ([]platform.DirectoryEdge, error) {
	return f.directoryEdges[gameSlug], nil
}
func (f *fakeGameClient) GetInventory(ctx context.Context) ([]*inventory.Campaign, []inventory.EventDrop, error) {
	return f.campaigns, f.eventDrops, nil
}
func (f *fakeGameClient) GetCampaigns(ctx context.Context) ([]*inventory.Campaign, error) {
	return f.campaigns, nil
}
func (f *fakeGameClient) ClaimDrop(ctx context.Context, dropInstanceID string) error {
	f.claimed = append(f.claimed, dropInstanceID)
	return nil
}
func (f *fakeGameClient) FetchTelemetryURL(ctx context.Context, channelLogin string) (string, error) {
	return "https://example.com/spade", nil
}
func (f *fakeGameClient) GetDropProbe(ctx context.Context, channelID string) (platform.DropProbe, error) {
	return platform.DropProbe{}, nil
}
func (f *fakeGameClient) GetPlaybackAccessToken(ctx context.Context, channelLogin string) (platform.PlaybackAccessToken, error) {
	return platform.PlaybackAccessToken{}, nil
}

func newTestStore(t *testing.T) *config.SettingsStore {
	t.Helper()
	store, err := config.NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("NewSettingsStore: %v", err)
	}
	return store
}

func activeCampaign(id, game string, required, current int) *inventory.Campaign {
	now := time.Now()
	return &inventory.Campaign{
		ID:      id,
		Name:    id,
		Game:    inventory.Game{DisplayName: game},
		StartAt: now.Add(-time.Hour),
		EndAt:   now.Add(time.Hour),
		Status:  "ACTIVE",
		Drops: []*inventory.Drop{
			{ID: id + "-d1", Name: "Reward", RequiredMinutes: required,
				Self: &inventory.DropSelfInfo{CurrentMinutesWatched: current, DropInstanceID: id + "-i1"}},
		},
	}
}

func TestTryAutostartStartsMiningLoopForFirstEligiblePriorityGame(t *testing.T) {
	client := &fakeGameClient{
		directoryEdges: map[string][]platform.DirectoryEdge{
			"valorant": {{ChannelLogin: "streamer1", ChannelID: "c1", BroadcastID: "b1"}},
		},
	}
	store := newTestStore(t)
	s := New(client, func() *pulser.Pulser { return pulser.New(platform.ClientAndroidApp, "dev1", 1, nil) }, store, notifier.NewLoggingNotifier())
	if err := s.SetPriorityGames([]string{"Valorant"}); err != nil {
		t.Fatalf("SetPriorityGames: %v", err)
	}
	s.inv.IngestAllCampaigns([]*inventory.Campaign{activeCampaign("c1", "Valorant", 60, 10)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.tryAutostart(ctx); err != nil {
		t.Fatalf("tryAutostart: %v", err)
	}
	if !s.isWatching() {
		t.Fatal("expected scheduler to be watching after autostart")
	}
	s.stopWatching()
}

func TestTryAutostartFailsWithoutEligibleCampaign(t *testing.T) {
	client := &fakeGameClient{}
	store := newTestStore(t)
	s := New(client, func() *pulser.Pulser { return nil }, store, notifier.NewLoggingNotifier())
	if err := s.SetPriorityGames([]string{"Valorant"}); err != nil {
		t.Fatalf("SetPriorityGames: %v", err)
	}

	if err := s.tryAutostart(context.Background()); err == nil {
		t.Fatal("expected error when no eligible campaign exists")
	}
}

func TestSetPriorityGamesDedupesAndPersists(t *testing.T) {
	store := newTestStore(t)
	s := New(&fakeGameClient{}, func() *pulser.Pulser { return nil }, store, notifier.NewLoggingNotifier())

	if err := s.SetPriorityGames([]string{"A", "B", "A"}); err != nil {
		t.Fatalf("SetPriorityGames: %v", err)
	}
	if got := s.Status().PriorityGames; len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("unexpected priority games: %v", got)
	}
	if got := store.Get().PriorityGames; len(got) != 2 {
		t.Fatalf("expected persisted priority games, got %v", got)
	}
}

func TestHandleMiningEventClaimedMarksDropInInventory(t *testing.T) {
	store := newTestStore(t)
	s := New(&fakeGameClient{}, func() *pulser.Pulser { return nil }, store, notifier.NewLoggingNotifier())
	s.inv.IngestAllCampaigns([]*inventory.Campaign{activeCampaign("c1", "Valorant", 60, 60)})
	s.currentAttemptGame = "Valorant"

	s.handleMiningEvent(mining.ClaimedEvent{DropName: "Reward"})

	c := s.inv.AllCampaigns["c1"]
	if !c.Drops[0].Self.IsClaimed {
		t.Fatal("expected drop to be marked claimed")
	}
}

func TestHandleMiningEventFatalErrorRecordsCooldown(t *testing.T) {
	store := newTestStore(t)
	s := New(&fakeGameClient{}, func() *pulser.Pulser { return nil }, store, notifier.NewLoggingNotifier())
	s.currentAttemptGame = "Valorant"

	s.handleMiningEvent(mining.FatalErrorEvent{Message: "no drops"})

	if !s.onCooldown("Valorant") {
		t.Fatal("expected Valorant to be on cooldown after fatal error")
	}
	if s.isWatching() {
		t.Fatal("expected scheduler to stop watching after fatal error")
	}
}

func TestHandleMiningEventTenTransientErrorsStopsWatching(t *testing.T) {
	store := newTestStore(t)
	s := New(&fakeGameClient{}, func() *pulser.Pulser { return nil }, store, notifier.NewLoggingNotifier())
	s.mu.Lock()
	s.watching = &channelTarget{login: "streamer1"}
	s.mu.Unlock()

	for i := 0; i < 10; i++ {
		s.handleMiningEvent(mining.TransientErrorEvent{Message: "glitch"})
	}

	if s.isWatching() {
		t.Fatal("expected scheduler to stop watching after 10 transient errors")
	}
}

func TestClaimUnclaimedDropsSweepsReadyDrops(t *testing.T) {
	client := &fakeGameClient{}
	store := newTestStore(t)
	s := New(client, func() *pulser.Pulser { return nil }, store, notifier.NewLoggingNotifier())
	s.inv.IngestAllCampaigns([]*inventory.Campaign{activeCampaign("c1", "Valorant", 60, 60)})

	s.claimUnclaimedDrops(context.Background())

	if len(client.claimed) != 1 || client.claimed[0] != "c1-i1" {
		t.Fatalf("unexpected claim calls: %v", client.claimed)
	}
	if !s.inv.AllCampaigns["c1"].Drops[0].Self.IsClaimed {
		t.Fatal("expected drop marked claimed after cleanup sweep")
	}
}
