// Package pulser implements the Telemetry Pulser (spec.md §4.3): it
// simulates watching a live channel well enough to accrue drop
// watch-time, by touching the channel's HLS playlist and posting a
// "minute-watched" spade event once a minute.
package pulser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"twitchdropsfarmer/internal/platform"
)

// usherURL is a var, not a const, so tests can redirect it at an httptest
// server; production code never reassigns it after startup.
var usherURL = "https://usher.ttvnw.net/api/channel/hls"

// WatchTarget is everything one pulse cycle needs about the channel being
// watched.
type WatchTarget struct {
	ChannelID    string
	ChannelLogin string
	BroadcastID  string
	SpadeURL     string
	Token        string
	Sig          string
}

type spadeEvent struct {
	Event      string           `json:"event"`
	Properties spadeProperties `json:"properties"`
}

type spadeProperties struct {
	BroadcastID string `json:"broadcast_id"`
	ChannelID   string `json:"channel_id"`
	Channel     string `json:"channel"`
	Hidden      bool   `json:"hidden"`
	Live        bool   `json:"live"`
	Location    string `json:"location"`
	LoggedIn    bool   `json:"logged_in"`
	Muted       bool   `json:"muted"`
	Player      string `json:"player"`
	UserID      int64  `json:"user_id"`
}

// Pulser sends watch pulses on behalf of one authenticated user.
type Pulser struct {
	httpClient *http.Client
	clientInfo platform.ClientInfo
	deviceID   string
	userID     int64
	proxyURL   *url.URL
}

// New builds a Pulser for userID/deviceID, optionally routed through a
// proxy.
func New(clientInfo platform.ClientInfo, deviceID string, userID int64, proxyURL *url.URL) *Pulser {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	if proxyURL != nil {
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &Pulser{
		httpClient: httpClient,
		clientInfo: clientInfo,
		deviceID:   deviceID,
		userID:     userID,
		proxyURL:   proxyURL,
	}
}

// GeneratePayload base64-encodes the single-element minute-watched event
// array the spade endpoint expects.
func (p *Pulser) GeneratePayload(target WatchTarget) (string, error) {
	events := []spadeEvent{{
		Event: "minute-watched",
		Properties: spadeProperties{
			BroadcastID: target.BroadcastID,
			ChannelID:   target.ChannelID,
			Channel:     target.ChannelLogin,
			Hidden:      false,
			Live:        true,
			Location:    "channel",
			LoggedIn:    true,
			Muted:       false,
			Player:      "site",
			UserID:      p.userID,
		},
	}}
	raw, err := json.Marshal(events)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// SendPulse posts the watch pulse to the channel's spade URL. The platform
// answers 204 No Content on success; any other status is reported back to
// the caller as a non-pulse, not an error (spec.md §4.3 step 2).
func (p *Pulser) SendPulse(ctx context.Context, target WatchTarget) (bool, error) {
	payload, err := p.GeneratePayload(target)
	if err != nil {
		return false, err
	}
	body := "data=" + payload

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.SpadeURL, strings.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", p.clientInfo.UserAgent)
	req.Header.Set("Client-Id", p.clientInfo.ClientID)
	req.Header.Set("X-Device-Id", p.deviceID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, platform.WrapTransportError(err, p.proxyURL != nil)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusNoContent, nil
}

// FetchHLSPlaylist touches the channel's Usher playlist endpoint to
// establish a plausible viewing session; the response body is discarded,
// only the request itself matters.
func (p *Pulser) FetchHLSPlaylist(ctx context.Context, target WatchTarget) error {
	playlistURL := fmt.Sprintf("%s/%s.m3u8", usherURL, target.ChannelLogin)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("token", target.Token)
	q.Set("sig", target.Sig)
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "true")
	q.Set("fast_bread", "true")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", p.clientInfo.UserAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return platform.WrapTransportError(err, p.proxyURL != nil)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
