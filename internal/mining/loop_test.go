package mining

import (
	"context"
	"testing"
	"time"

	"twitchdropsfarmer/internal/platform"
	"twitchdropsfarmer/internal/pulser"
)

type fakeClient struct {
	telemetryURL string
	probes       []platform.DropProbe
	probeIdx     int
	claimed      []string
	tokenErr     error
}

func (f *fakeClient) FetchTelemetryURL(ctx context.Context, channelLogin string) (string, error) {
	return f.telemetryURL, nil
}

func (f *fakeClient) GetDropProbe(ctx context.Context, channelID string) (platform.DropProbe, error) {
	if f.probeIdx >= len(f.probes) {
		return platform.DropProbe{}, nil
	}
	p := f.probes[f.probeIdx]
	f.probeIdx++
	return p, nil
}

func (f *fakeClient) ClaimDrop(ctx context.Context, dropInstanceID string) error {
	f.claimed = append(f.claimed, dropInstanceID)
	return nil
}

func (f *fakeClient) GetPlaybackAccessToken(ctx context.Context, channelLogin string) (platform.PlaybackAccessToken, error) {
	if f.tokenErr != nil {
		return platform.PlaybackAccessToken{}, f.tokenErr
	}
	return platform.PlaybackAccessToken{Value: "val", Signature: "sig"}, nil
}

type fakePulser struct{}

func (fakePulser) FetchHLSPlaylist(ctx context.Context, target pulser.WatchTarget) error { return nil }
func (fakePulser) SendPulse(ctx context.Context, target pulser.WatchTarget) (bool, error) {
	return true, nil
}

func drainEvents(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case e := <-ch:
			events = append(events, e)
		case <-deadline:
			return events
		}
	}
}

func TestLoopEmitsStatusThenCancelsCleanly(t *testing.T) {
	client := &fakeClient{
		telemetryURL: "https://spade.example.com/pulse",
		probes: []platform.DropProbe{
			{Valid: true, DropID: "d1", DropName: "Sword", RequiredMinutesWatched: 60, CurrentMinutesWatched: 10},
		},
	}
	events := make(chan Event, 8)
	loop := New(client, fakePulser{}, "streamer1", "c1", "b1", "Valorant", events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	seen := drainEvents(t, events, 3*time.Second)
	cancel()
	<-done

	if len(seen) == 0 {
		t.Fatal("expected at least one event")
	}
	status, ok := seen[0].(StatusEvent)
	if !ok {
		t.Fatalf("expected StatusEvent first, got %T", seen[0])
	}
	if status.Status.DropName != "Sword" || status.Status.MinutesWatched != 10 {
		t.Fatalf("unexpected status: %+v", status.Status)
	}
}

func TestLoopClaimsReadyDropThenCompletesCampaign(t *testing.T) {
	client := &fakeClient{
		telemetryURL: "https://spade.example.com/pulse",
		probes: []platform.DropProbe{
			{Valid: true, DropID: "d1", DropInstanceID: "i1", DropName: "Sword", RequiredMinutesWatched: 60, CurrentMinutesWatched: 60},
			{Valid: false},
		},
	}
	events := make(chan Event, 8)
	loop := New(client, fakePulser{}, "streamer1", "c1", "b1", "Valorant", events)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	seen := drainEvents(t, events, 5500*time.Millisecond)
	<-done

	var sawClaimed, sawComplete bool
	for _, e := range seen {
		switch ev := e.(type) {
		case ClaimedEvent:
			sawClaimed = true
			if ev.DropName != "Sword" {
				t.Fatalf("unexpected claimed drop: %+v", ev)
			}
		case CampaignCompleteEvent:
			sawComplete = true
			if ev.GameName != "Valorant" {
				t.Fatalf("unexpected campaign complete: %+v", ev)
			}
		}
	}
	if !sawClaimed || !sawComplete {
		t.Fatalf("expected Claimed then CampaignComplete, got %+v", seen)
	}
	if len(client.claimed) != 1 || client.claimed[0] != "i1" {
		t.Fatalf("unexpected claim calls: %+v", client.claimed)
	}
}

func TestLoopEmitsFatalErrorWhenNoDropContextEver(t *testing.T) {
	client := &fakeClient{telemetryURL: "https://spade.example.com/pulse"}
	events := make(chan Event, 8)
	loop := New(client, fakePulser{}, "streamer1", "c1", "b1", "Valorant", events)

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	seen := drainEvents(t, events, 11*time.Second)
	<-done

	if len(seen) != 1 {
		t.Fatalf("expected exactly one event, got %+v", seen)
	}
	if _, ok := seen[0].(FatalErrorEvent); !ok {
		t.Fatalf("expected FatalErrorEvent, got %T", seen[0])
	}
}
