package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDeviceCodePollPendingThenSuccess(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/device", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"device_code":"dc1","user_code":"ABCD-EFGH","verification_uri":"https://twitch.tv/activate","expires_in":1800,"interval":1}`))
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 3 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"authorization_pending"}`))
			return
		}
		w.Write([]byte(`{"access_token":"tok123","token_type":"bearer"}`))
	})
	mux.HandleFunc("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"login":"someuser","user_id":"42"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	withTestURLs(t, srv.URL, func() {
		cs := NewCredentialSession(ClientAndroidApp, nil)
		session, err := cs.Authenticate(context.Background(), "", func(userCode, uri string) {
			if !strings.Contains(userCode, "-") {
				t.Fatalf("unexpected user code: %s", userCode)
			}
		})
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if session.AccessToken != "tok123" || session.UserID != 42 || session.Login != "someuser" {
			t.Fatalf("unexpected session: %+v", session)
		}
	})
}

func TestDeviceCodePollFatalOnServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/device", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"device_code":"dc1","user_code":"ABCD-EFGH","verification_uri":"https://twitch.tv/activate","expires_in":150,"interval":1}`))
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	withTestURLs(t, srv.URL, func() {
		cs := NewCredentialSession(ClientAndroidApp, nil)
		_, err := cs.Authenticate(context.Background(), "", func(string, string) {})
		var protoErr *ErrAuthProtocolError
		if err == nil {
			t.Fatal("expected AuthProtocolError")
		}
		if !isAuthProtocolError(err, &protoErr) {
			t.Fatalf("expected *ErrAuthProtocolError, got %T: %v", err, err)
		}
	})
}

func isAuthProtocolError(err error, target **ErrAuthProtocolError) bool {
	if e, ok := err.(*ErrAuthProtocolError); ok {
		*target = e
		return true
	}
	return false
}

// withTestURLs temporarily repoints the package-level endpoint vars at an
// httptest server for the duration of fn.
func withTestURLs(t *testing.T, base string, fn func()) {
	t.Helper()
	prevDevice, prevToken, prevValidate := deviceCodeURL, tokenURL, validateURL
	deviceCodeURL = base + "/oauth2/device"
	tokenURL = base + "/oauth2/token"
	validateURL = base + "/oauth2/validate"
	defer func() {
		deviceCodeURL, tokenURL, validateURL = prevDevice, prevToken, prevValidate
	}()
	fn()
}
