// Package mining implements the Mining Loop (spec.md §4.5): the per-watch
// state machine that refreshes a playback token, touches the HLS
// playlist, sends a watch pulse, and rapid-retries the drop-progress probe
// until it can report status, claim a drop, or give up on the channel.
package mining

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"twitchdropsfarmer/internal/platform"
	"twitchdropsfarmer/internal/pulser"
)

// Status is the ephemeral per-probe snapshot (spec.md §3, MiningStatus):
// replaced wholesale on each report, never accumulated.
type Status struct {
	ChannelLogin    string
	GameName        string
	DropName        string
	ProgressPercent float64
	MinutesWatched  int
	MinutesRequired int
}

// Event is one of the five outcomes a Mining Loop reports to its Scheduler.
type Event interface{ isMiningEvent() }

type StatusEvent struct{ Status Status }
type ClaimedEvent struct{ DropName string }
type TransientErrorEvent struct{ Message string }
type FatalErrorEvent struct{ Message string }
type CampaignCompleteEvent struct{ GameName string }

func (StatusEvent) isMiningEvent()           {}
func (ClaimedEvent) isMiningEvent()          {}
func (TransientErrorEvent) isMiningEvent()   {}
func (FatalErrorEvent) isMiningEvent()       {}
func (CampaignCompleteEvent) isMiningEvent() {}

// dropsClient is the slice of the Platform Client the Mining Loop needs.
// Depending on an interface rather than *platform.Client directly lets
// tests substitute a fake without standing up an httptest server.
type dropsClient interface {
	FetchTelemetryURL(ctx context.Context, channelLogin string) (string, error)
	GetDropProbe(ctx context.Context, channelID string) (platform.DropProbe, error)
	ClaimDrop(ctx context.Context, dropInstanceID string) error
	GetPlaybackAccessToken(ctx context.Context, channelLogin string) (platform.PlaybackAccessToken, error)
}

// pulseSender is the slice of the Telemetry Pulser the Mining Loop needs.
type pulseSender interface {
	FetchHLSPlaylist(ctx context.Context, target pulser.WatchTarget) error
	SendPulse(ctx context.Context, target pulser.WatchTarget) (bool, error)
}

// Loop is one running mining attempt against a single channel.
type Loop struct {
	client dropsClient
	pulser pulseSender

	channelLogin string
	channelID    string
	broadcastID  string
	gameName     string

	events chan<- Event
	log    *logrus.Entry
}

// New builds a Loop that will publish its events on events. The channel is
// owned by the caller (the Scheduler); cancelling the ctx passed to Run is
// how the caller stops the loop: the next emit or sleep sees ctx done and
// Run returns. The channel must stay open until Run has returned.
func New(client dropsClient, p pulseSender, channelLogin, channelID, broadcastID, gameName string, events chan<- Event) *Loop {
	return &Loop{
		client:       client,
		pulser:       p,
		channelLogin: channelLogin,
		channelID:    channelID,
		broadcastID:  broadcastID,
		gameName:     gameName,
		events:       events,
		log: logrus.WithFields(logrus.Fields{
			"component": "mining_loop",
			"channel":   channelLogin,
			"game":      gameName,
		}),
	}
}

// Run drives the state machine until ctx is cancelled or the loop reaches
// a terminal event (FatalError, CampaignComplete, or the outbound channel
// stops accepting sends).
func (l *Loop) Run(ctx context.Context) {
	spadeURL, err := l.client.FetchTelemetryURL(ctx, l.channelLogin)
	if err != nil {
		l.log.WithError(err).Warn("telemetry url scrape failed, using weak fallback")
		spadeURL = fmt.Sprintf("https://video-edge-%s.twitch.tv/hls", l.channelLogin)
	}

	consecutiveLoopFailures := 0
	hasMinedOnce := false
	lastClaimedDrop := ""

	for {
		if ctx.Err() != nil {
			return
		}

		tokenVal, sigVal, ok := l.refreshToken(ctx)
		if !ok {
			if !l.emit(ctx, TransientErrorEvent{Message: "token refresh failed"}) {
				return
			}
			if !l.sleep(ctx, 60*time.Second) {
				return
			}
			continue
		}

		target := pulser.WatchTarget{
			ChannelID:    l.channelID,
			ChannelLogin: l.channelLogin,
			BroadcastID:  l.broadcastID,
			SpadeURL:     spadeURL,
			Token:        tokenVal,
			Sig:          sigVal,
		}

		if err := l.pulser.FetchHLSPlaylist(ctx, target); err != nil {
			l.log.WithError(err).Warn("hls touch failed")
		}
		if !l.sleep(ctx, 500*time.Millisecond) {
			return
		}
		if _, err := l.pulser.SendPulse(ctx, target); err != nil {
			l.log.WithError(err).Warn("watch pulse failed")
		}

		dropFound, campaignDone, stopped := l.probeDropProgress(ctx, &hasMinedOnce, &lastClaimedDrop)
		if stopped {
			return
		}
		if campaignDone {
			l.emit(ctx, CampaignCompleteEvent{GameName: l.gameName})
			return
		}

		if !dropFound {
			if !hasMinedOnce {
				l.emit(ctx, FatalErrorEvent{Message: "no active drop context"})
				return
			}
			consecutiveLoopFailures++
			if consecutiveLoopFailures >= 5 {
				if !l.emit(ctx, TransientErrorEvent{Message: "drop context missing for extended period"}) {
					return
				}
			} else {
				l.log.WithField("failures", consecutiveLoopFailures).Info("drop context missing, holding position")
			}
		} else {
			hasMinedOnce = true
			consecutiveLoopFailures = 0
		}

		if !l.sleep(ctx, 60*time.Second) {
			return
		}
	}
}

// probeDropProgress runs the bounded rapid-retry drop-progress probe
// (spec.md §4.5 step 4). Returns whether a valid probe was observed this
// iteration, whether the campaign is now complete, and whether the caller
// should stop entirely (outbound channel no longer accepting sends).
func (l *Loop) probeDropProgress(ctx context.Context, hasMinedOnce *bool, lastClaimedDrop *string) (dropFound, campaignDone, stopped bool) {
	for retry := 1; retry <= 5; retry++ {
		var waited bool
		if retry > 1 {
			l.log.WithField("attempt", retry).Info("waiting for drop context update")
			waited = l.sleep(ctx, 2*time.Second)
		} else {
			waited = l.sleep(ctx, 1500*time.Millisecond)
		}
		if !waited {
			stopped = true
			return
		}

		probe, err := l.client.GetDropProbe(ctx, l.channelID)
		if err != nil {
			l.log.WithError(err).Warn("drop probe request failed")
			continue
		}
		if !probe.Valid {
			continue
		}

		switch {
		case probe.IsClaimed:
			if *hasMinedOnce && probe.DropName != *lastClaimedDrop {
				if !l.emit(ctx, ClaimedEvent{DropName: probe.DropName}) {
					stopped = true
					return
				}
				*lastClaimedDrop = probe.DropName
			}
			dropFound = true
			return

		case probe.ReadyToClaim():
			if err := l.client.ClaimDrop(ctx, probe.DropInstanceID); err != nil {
				l.log.WithError(err).Warn("claim failed")
				continue
			}
			if !l.emit(ctx, ClaimedEvent{DropName: probe.DropName}) {
				stopped = true
				return
			}
			*lastClaimedDrop = probe.DropName
			dropFound = true

			if !l.sleep(ctx, 3*time.Second) {
				stopped = true
				return
			}
			next, err := l.client.GetDropProbe(ctx, l.channelID)
			if err == nil && next.Valid && !next.IsClaimed && next.RequiredMinutesWatched > 0 {
				continue
			}
			campaignDone = true
			return

		case probe.ReadyButUnlinked():
			l.log.Warn("drop ready but no drop-instance-id; account may not be linked")
			campaignDone = true
			return

		default:
			if !l.emit(ctx, StatusEvent{Status: Status{
				ChannelLogin:    l.channelLogin,
				GameName:        l.gameName,
				DropName:        probe.DropName,
				ProgressPercent: probe.ProgressPercent(),
				MinutesWatched:  probe.CurrentMinutesWatched,
				MinutesRequired: probe.RequiredMinutesWatched,
			}}) {
				stopped = true
				return
			}
			dropFound = true
			return
		}
	}
	return
}

// refreshToken retries GetPlaybackAccessToken up to 3 times with 5s/10s
// backoff, succeeding only when both value and signature are non-empty.
func (l *Loop) refreshToken(ctx context.Context) (value, signature string, ok bool) {
	for attempt := 1; attempt <= 3; attempt++ {
		token, err := l.client.GetPlaybackAccessToken(ctx, l.channelLogin)
		if err != nil {
			l.log.WithError(err).WithField("attempt", attempt).Warn("playback token request failed")
		} else if token.Value != "" && token.Signature != "" {
			return token.Value, token.Signature, true
		} else {
			l.log.WithField("attempt", attempt).Warn("playback token response missing value/signature")
		}

		if attempt < 3 {
			if !l.sleep(ctx, time.Duration(5*attempt)*time.Second) {
				return "", "", false
			}
		}
	}
	return "", "", false
}

// emit sends an event, returning false if ctx has been cancelled in the
// meantime (the analogue of a closed outbound channel: the caller should
// stop).
func (l *Loop) emit(ctx context.Context, e Event) bool {
	select {
	case l.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleep waits for d, returning false if ctx is cancelled first.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
