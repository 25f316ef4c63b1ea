package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testSession() *Session {
	return &Session{AccessToken: "tok", UserID: 1, DeviceID: "deadbeefdeadbeefdeadbeefdeadbeef", Login: "someuser"}
}

func withTestGQL(t *testing.T, handler http.HandlerFunc, fn func(*Client)) {
	t.Helper()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	prevGQL := gqlURL
	gqlURL = srv.URL
	defer func() { gqlURL = prevGQL }()

	c := NewClient(testSession(), ClientAndroidApp, nil)
	c.cookiesInitialized = true
	c.uniqueID = "unique123"
	fn(c)
}

func TestQueryReturnsDataPayload(t *testing.T) {
	withTestGQL(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-Id") == "" || r.Header.Get("Authorization") != "OAuth tok" {
			t.Errorf("missing expected headers: %+v", r.Header)
		}
		w.Write([]byte(`{"data":{"ok":true}}`))
	}, func(c *Client) {
		data, err := c.Query(context.Background(), OpInventory, nil)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if string(data) != `{"ok":true}` {
			t.Fatalf("unexpected data: %s", data)
		}
	})
}

func TestQueryPropagatesGqlErrors(t *testing.T) {
	withTestGQL(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":null,"errors":[{"message":"not authorized"}]}`))
	}, func(c *Client) {
		_, err := c.Query(context.Background(), OpInventory, nil)
		gqlErr, ok := err.(*ErrGql)
		if !ok {
			t.Fatalf("expected *ErrGql, got %T: %v", err, err)
		}
		if len(gqlErr.Messages) != 1 || gqlErr.Messages[0] != "not authorized" {
			t.Fatalf("unexpected messages: %v", gqlErr.Messages)
		}
	})
}

func TestGetInventoryParsesCampaignsAndEventDrops(t *testing.T) {
	withTestGQL(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"currentUser":{"inventory":{
			"dropCampaignsInProgress":[{
				"id":"c1","name":"Camp","game":{"id":"g1","displayName":"Game One","slug":"game-one"},
				"startAt":"2026-01-01T00:00:00Z","endAt":"2026-02-01T00:00:00Z","status":"ACTIVE",
				"timeBasedDrops":[{"id":"d1","name":"Sword","requiredMinutesWatched":60,
					"startAt":"2026-01-01T00:00:00Z","endAt":"2026-02-01T00:00:00Z",
					"self":{"currentMinutesWatched":10,"isClaimed":false,"dropInstanceID":"i1"}}]
			}],
			"gameEventDrops":[{"id":"e1","name":"Game One","totalCount":1}]
		}}}}`))
	}, func(c *Client) {
		campaigns, eventDrops, err := c.GetInventory(context.Background())
		if err != nil {
			t.Fatalf("GetInventory: %v", err)
		}
		if len(campaigns) != 1 || campaigns[0].ID != "c1" || len(campaigns[0].Drops) != 1 {
			t.Fatalf("unexpected campaigns: %+v", campaigns)
		}
		if campaigns[0].Drops[0].Self.CurrentMinutesWatched != 10 {
			t.Fatalf("unexpected drop self: %+v", campaigns[0].Drops[0].Self)
		}
		if len(eventDrops) != 1 || eventDrops[0].Name != "Game One" {
			t.Fatalf("unexpected event drops: %+v", eventDrops)
		}
	})
}

func TestClaimDropPostsInstanceID(t *testing.T) {
	withTestGQL(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"claimDropRewards":{"status":"ELIGIBLE_FOR_ALL"}}}`))
	}, func(c *Client) {
		if err := c.ClaimDrop(context.Background(), "instance-1"); err != nil {
			t.Fatalf("ClaimDrop: %v", err)
		}
	})
}

func TestGetGameDirectoryToleratesWrappedAndBareShapes(t *testing.T) {
	withTestGQL(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"game":{"streams":{"edges":[
			{"node":{"id":"b1","broadcaster":{"login":"streamer1","id":"u1"}}}
		]}}}}`))
	}, func(c *Client) {
		edges, err := c.GetGameDirectory(context.Background(), "game-one", 30)
		if err != nil {
			t.Fatalf("GetGameDirectory: %v", err)
		}
		if len(edges) != 1 || edges[0].ChannelLogin != "streamer1" {
			t.Fatalf("unexpected edges: %+v", edges)
		}
	})

	withTestGQL(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"streams":{"edges":[
			{"node":{"id":"b2","broadcaster":{"login":"streamer2","id":"u2"}}}
		]}}}`))
	}, func(c *Client) {
		edges, err := c.GetGameDirectory(context.Background(), "game-one", 30)
		if err != nil {
			t.Fatalf("GetGameDirectory (bare): %v", err)
		}
		if len(edges) != 1 || edges[0].ChannelLogin != "streamer2" {
			t.Fatalf("unexpected edges (bare): %+v", edges)
		}
	})
}

func TestFetchTelemetryURLScrapesBeaconURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/streamer1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>"beacon_url": "https://video-edge-abc.example.com/spade.ts"</html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(testSession(), ClientInfo{ClientURL: srv.URL, ClientID: "cid", UserAgent: "ua"}, nil)
	url, err := c.FetchTelemetryURL(context.Background(), "streamer1")
	if err != nil {
		t.Fatalf("FetchTelemetryURL: %v", err)
	}
	if !strings.Contains(url, "video-edge-abc.example.com") {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestFetchTelemetryURLNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/streamer1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>nothing here</html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(testSession(), ClientInfo{ClientURL: srv.URL, ClientID: "cid", UserAgent: "ua"}, nil)
	_, err := c.FetchTelemetryURL(context.Background(), "streamer1")
	if err != ErrTelemetryNotFound {
		t.Fatalf("expected ErrTelemetryNotFound, got %v", err)
	}
}
