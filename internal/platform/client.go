package platform

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"twitchdropsfarmer/internal/inventory"
)

// Client is the stateful GraphQL Platform Client (spec.md §4.2): it holds
// the Session, an optional proxy, and a lazily-populated unique_id cookie,
// and exposes the named persisted-query operations plus the telemetry-url
// scraper.
type Client struct {
	httpClient *http.Client
	clientInfo ClientInfo
	proxyURL   *url.URL

	mu                 sync.Mutex
	session            *Session
	uniqueID           string
	cookiesInitialized bool
}

// NewClient builds a Platform Client bound to session.
func NewClient(session *Session, clientInfo ClientInfo, proxyURL *url.URL) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if proxyURL != nil {
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &Client{
		httpClient: httpClient,
		clientInfo: clientInfo,
		proxyURL:   proxyURL,
		session:    session,
	}
}

// InitCookies fetches unique_id from the platform home page if it hasn't
// been fetched yet. Per spec.md §9 Open Question (b): earlier
// implementations fell back to a legacy on-disk cookie-jar blob written by
// a prior tool; this implementation intentionally omits that path and
// always re-fetches unique_id live, as the design note recommends.
func (c *Client) InitCookies(ctx context.Context) error {
	c.mu.Lock()
	if c.cookiesInitialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.clientInfo.ClientURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.clientInfo.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransportError(err, c.proxyURL != nil)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	uniqueID := ""
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "unique_id" {
			uniqueID = cookie.Value
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if uniqueID == "" {
		uniqueID = c.session.DeviceID
	}
	c.uniqueID = uniqueID
	c.cookiesInitialized = true
	return nil
}

func (c *Client) cookieHeader() string {
	c.mu.Lock()
	uniqueID := c.uniqueID
	if uniqueID == "" {
		uniqueID = c.session.DeviceID
	}
	token := c.session.AccessToken
	c.mu.Unlock()
	return fmt.Sprintf("unique_id=%s; auth-token=%s", uniqueID, token)
}

func (c *Client) buildHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Accept-Encoding", "gzip")
	h.Set("Accept-Language", "en-US")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
	h.Set("Client-Id", c.clientInfo.ClientID)
	h.Set("User-Agent", c.clientInfo.UserAgent)
	h.Set("X-Device-Id", c.session.DeviceID)
	h.Set("Client-Session-Id", c.session.ClientSessionID())
	h.Set("Origin", c.clientInfo.ClientURL)
	h.Set("Referer", c.clientInfo.ClientURL)
	h.Set("Authorization", "OAuth "+c.session.AccessToken)
	h.Set("Content-Type", "application/json")
	h.Set("Cookie", c.cookieHeader())
	return h
}

type gqlResponseEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Query sends a single persisted-query POST and returns the raw "data"
// payload. Callers unmarshal it into whatever DTO matches the operation.
func (c *Client) Query(ctx context.Context, op Operation, variables map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(newRequestBody(op, variables))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = c.buildHeaders()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(err, c.proxyURL != nil)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &ErrNetwork{Cause: err}
		}
		defer gz.Close()
		reader = gz
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, &ErrNetwork{Cause: err}
	}

	var env gqlResponseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ErrNetwork{Cause: fmt.Errorf("decode gql response: %w", err)}
	}

	if len(env.Errors) > 0 {
		messages := make([]string, len(env.Errors))
		for i, e := range env.Errors {
			messages[i] = e.Message
		}
		return nil, &ErrGql{Messages: messages}
	}
	return env.Data, nil
}

// --- Convenience operations -------------------------------------------------

// eventDropRaw is one entry in the Inventory response's gameEventDrops.
type eventDropRaw struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TotalCount int    `json:"totalCount"`
}

type campaignRaw struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Game     struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Slug        string `json:"slug"`
	} `json:"game"`
	StartAt string `json:"startAt"`
	EndAt   string `json:"endAt"`
	Status  string `json:"status"`
	Self    *struct {
		IsAccountConnected bool `json:"isAccountConnected"`
	} `json:"self"`
	TimeBasedDrops []struct {
		ID                     string           `json:"id"`
		Name                   string           `json:"name"`
		RequiredMinutesWatched int              `json:"requiredMinutesWatched"`
		StartAt                string           `json:"startAt"`
		EndAt                  string           `json:"endAt"`
		BenefitEdges           []benefitEdgeRaw `json:"benefitEdges"`
		Self                   *struct {
			CurrentMinutesWatched int    `json:"currentMinutesWatched"`
			IsClaimed             bool   `json:"isClaimed"`
			DropInstanceID        string `json:"dropInstanceID"`
		} `json:"self"`
	} `json:"timeBasedDrops"`
}

func toInventoryCampaign(raw campaignRaw) *inventory.Campaign {
	c := &inventory.Campaign{
		ID:   raw.ID,
		Name: raw.Name,
		Game: inventory.Game{ID: raw.Game.ID, DisplayName: raw.Game.DisplayName, Slug: raw.Game.Slug},
		StartAt: parseTime(raw.StartAt),
		EndAt:   parseTime(raw.EndAt),
		Status:  raw.Status,
	}
	if raw.Self != nil {
		c.Self = &inventory.CampaignSelfInfo{IsAccountConnected: raw.Self.IsAccountConnected}
	}
	for _, d := range raw.TimeBasedDrops {
		drop := &inventory.Drop{
			ID:              d.ID,
			Name:            d.Name,
			RequiredMinutes: d.RequiredMinutesWatched,
			StartAt:         parseTime(d.StartAt),
			EndAt:           parseTime(d.EndAt),
		}
		for _, be := range d.BenefitEdges {
			drop.BenefitEdges = append(drop.BenefitEdges, inventory.BenefitEdge{
				Benefit: inventory.Benefit{Name: be.Benefit.Name},
			})
		}
		if d.Self != nil {
			drop.Self = &inventory.DropSelfInfo{
				CurrentMinutesWatched: d.Self.CurrentMinutesWatched,
				IsClaimed:             d.Self.IsClaimed,
				DropInstanceID:        d.Self.DropInstanceID,
			}
		}
		c.Drops = append(c.Drops, drop)
	}
	return c
}

func parseTime(s string) (t time.Time) {
	if s == "" {
		return time.Time{}
	}
	t, _ = time.Parse(time.RFC3339, s)
	return t
}

// GetInventory fetches the user's in-progress campaigns and claimed
// game-event-drops.
func (c *Client) GetInventory(ctx context.Context) ([]*inventory.Campaign, []inventory.EventDrop, error) {
	data, err := c.Query(ctx, OpInventory, map[string]interface{}{"fetchRewardCampaigns": true})
	if err != nil {
		return nil, nil, err
	}

	var resp struct {
		CurrentUser struct {
			Inventory struct {
				DropCampaignsInProgress []campaignRaw  `json:"dropCampaignsInProgress"`
				GameEventDrops          []eventDropRaw `json:"gameEventDrops"`
			} `json:"inventory"`
		} `json:"currentUser"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, nil, &ErrNetwork{Cause: err}
	}

	campaigns := make([]*inventory.Campaign, 0, len(resp.CurrentUser.Inventory.DropCampaignsInProgress))
	for _, cr := range resp.CurrentUser.Inventory.DropCampaignsInProgress {
		campaigns = append(campaigns, toInventoryCampaign(cr))
	}
	eventDrops := make([]inventory.EventDrop, 0, len(resp.CurrentUser.Inventory.GameEventDrops))
	for _, ed := range resp.CurrentUser.Inventory.GameEventDrops {
		eventDrops = append(eventDrops, inventory.EventDrop{ID: ed.ID, Name: ed.Name, TotalCount: ed.TotalCount})
	}
	return campaigns, eventDrops, nil
}

// GetCampaigns fetches the full Viewer Drops Dashboard.
func (c *Client) GetCampaigns(ctx context.Context) ([]*inventory.Campaign, error) {
	data, err := c.Query(ctx, OpViewerDropsDashboard, map[string]interface{}{"fetchRewardCampaigns": false})
	if err != nil {
		return nil, err
	}
	var resp struct {
		CurrentUser struct {
			DropCampaigns []campaignRaw `json:"dropCampaigns"`
		} `json:"currentUser"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ErrNetwork{Cause: err}
	}
	campaigns := make([]*inventory.Campaign, 0, len(resp.CurrentUser.DropCampaigns))
	for _, cr := range resp.CurrentUser.DropCampaigns {
		campaigns = append(campaigns, toInventoryCampaign(cr))
	}
	return campaigns, nil
}

// GetCampaignDetails fetches full drop details of one campaign, optionally
// in the context of a live channel login.
func (c *Client) GetCampaignDetails(ctx context.Context, campaignID, channelLogin string) (*inventory.Campaign, error) {
	data, err := c.Query(ctx, OpDropCampaignDetails, map[string]interface{}{
		"dropID":       campaignID,
		"channelLogin": channelLogin,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		User *struct {
			DropCampaign *campaignRaw `json:"dropCampaign"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ErrNetwork{Cause: err}
	}
	if resp.User == nil || resp.User.DropCampaign == nil {
		return nil, nil
	}
	return toInventoryCampaign(*resp.User.DropCampaign), nil
}

// GetDropProbe runs the live per-channel drop-progress probe
// (DropCurrentSessionContext).
func (c *Client) GetDropProbe(ctx context.Context, channelID string) (DropProbe, error) {
	data, err := c.Query(ctx, OpDropCurrentSessionContext, map[string]interface{}{
		"channelID":    channelID,
		"channelLogin": "",
	})
	if err != nil {
		return DropProbe{}, err
	}
	return parseDropProbe(data)
}

// ClaimDrop invokes DropsPage_ClaimDropRewards for one drop instance.
func (c *Client) ClaimDrop(ctx context.Context, dropInstanceID string) error {
	_, err := c.Query(ctx, OpClaimDropRewards, map[string]interface{}{
		"input": map[string]interface{}{"dropInstanceID": dropInstanceID},
	})
	return err
}

// PlaybackAccessToken is the stream token+signature used for the HLS touch.
type PlaybackAccessToken struct {
	Value     string
	Signature string
}

// GetPlaybackAccessToken fetches a fresh stream token for channelLogin.
func (c *Client) GetPlaybackAccessToken(ctx context.Context, channelLogin string) (PlaybackAccessToken, error) {
	data, err := c.Query(ctx, OpPlaybackAccessToken, map[string]interface{}{
		"isLive":     true,
		"isVod":      false,
		"login":      channelLogin,
		"platform":   "android",
		"playerType": "channel_home_live",
		"vodID":      "",
	})
	if err != nil {
		return PlaybackAccessToken{}, err
	}
	var resp struct {
		StreamPlaybackAccessToken *struct {
			Value     string `json:"value"`
			Signature string `json:"signature"`
		} `json:"streamPlaybackAccessToken"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return PlaybackAccessToken{}, &ErrNetwork{Cause: err}
	}
	if resp.StreamPlaybackAccessToken == nil {
		return PlaybackAccessToken{}, fmt.Errorf("playback access token missing in response")
	}
	return PlaybackAccessToken{
		Value:     resp.StreamPlaybackAccessToken.Value,
		Signature: resp.StreamPlaybackAccessToken.Signature,
	}, nil
}

// DirectoryEdge is one live channel returned by the game directory
// operation.
type DirectoryEdge struct {
	ChannelLogin string
	ChannelID    string
	BroadcastID  string
}

// GetGameDirectory fetches up to limit live channels for a game slug.
func (c *Client) GetGameDirectory(ctx context.Context, gameSlug string, limit int) ([]DirectoryEdge, error) {
	data, err := c.Query(ctx, OpGameDirectory, map[string]interface{}{
		"limit":                limit,
		"slug":                 gameSlug,
		"imageWidth":           50,
		"includeIsDJ":          false,
		"sortTypeIsRecency":    false,
		"options": map[string]interface{}{
			"broadcasterLanguages":   []string{},
			"freeformTags":           nil,
			"includeRestricted":      []string{"SUB_ONLY_LIVE"},
			"recommendationsContext": map[string]interface{}{"platform": "web"},
			"sort":                   "RELEVANCE",
			"systemFilters":          []string{},
			"tags":                   []string{},
			"requestID":              "JIRA-VXP-2397",
		},
	})
	if err != nil {
		return nil, err
	}

	// spec.md §9 Open Question (a): the source is inconsistent about
	// whether this is wrapped in "game" or not across call sites; tolerate
	// both by trying the wrapped shape first and falling back to bare.
	var wrapped struct {
		Game *directoryGameRaw `json:"game"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Game != nil {
		return wrapped.Game.edges(), nil
	}
	var bare directoryGameRaw
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, &ErrNetwork{Cause: err}
	}
	return bare.edges(), nil
}

type directoryGameRaw struct {
	Streams struct {
		Edges []struct {
			Node struct {
				ID          string `json:"id"`
				Broadcaster struct {
					Login string `json:"login"`
					ID    string `json:"id"`
				} `json:"broadcaster"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"streams"`
}

func (g directoryGameRaw) edges() []DirectoryEdge {
	out := make([]DirectoryEdge, 0, len(g.Streams.Edges))
	for _, e := range g.Streams.Edges {
		if e.Node.Broadcaster.Login == "" || e.Node.Broadcaster.ID == "" || e.Node.ID == "" {
			continue
		}
		out = append(out, DirectoryEdge{
			ChannelLogin: e.Node.Broadcaster.Login,
			ChannelID:    e.Node.Broadcaster.ID,
			BroadcastID:  e.Node.ID,
		})
	}
	return out
}

// --- Telemetry URL scrape ---------------------------------------------------

var (
	beaconURLPattern  = regexp.MustCompile(`"beacon_?url":\s*"(https://video-edge-[^"]+\.ts(?:\?allow_stream=true)?)"`)
	settingsJSPattern = regexp.MustCompile(`(https?://\S*?/config/settings\.[0-9a-f]{32}\.js)`)
)

// FetchTelemetryURL scrapes the per-channel telemetry ("spade") endpoint
// from the channel's live HTML page, falling back to the settings.js
// bundle if the page itself doesn't carry it.
func (c *Client) FetchTelemetryURL(ctx context.Context, channelLogin string) (string, error) {
	html, err := c.fetchText(ctx, c.clientInfo.ClientURL+"/"+channelLogin)
	if err != nil {
		return "", err
	}
	if m := beaconURLPattern.FindStringSubmatch(html); m != nil {
		return m[1], nil
	}

	if m := settingsJSPattern.FindStringSubmatch(html); m != nil {
		settingsJS, err := c.fetchText(ctx, m[1])
		if err == nil {
			if m2 := beaconURLPattern.FindStringSubmatch(settingsJS); m2 != nil {
				return m2[1], nil
			}
		}
	}
	return "", ErrTelemetryNotFound
}

func (c *Client) fetchText(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.clientInfo.UserAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", wrapTransportError(err, c.proxyURL != nil)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ErrNetwork{Cause: err}
	}
	return string(body), nil
}
