package platform

// ClientInfo bundles the identity a request presents to the platform: which
// client-id/user-agent pair to send. The Android mobile app profile bypasses
// the web client's integrity check, which is why it is the default for
// every Platform Client operation (spec.md §1, §4.1).
type ClientInfo struct {
	ClientURL string
	ClientID  string
	UserAgent string
}

// ClientAndroidApp is the published Twitch Android client identity.
var ClientAndroidApp = ClientInfo{
	ClientURL: "https://www.twitch.tv",
	ClientID:  "kd1unb4b3q4t58fwlpcbzcbnm76a8fp",
	UserAgent: "Dalvik/2.1.0 (Linux; U; Android 7.1.2; SM-G977N Build/LMY48Z) tv.twitch.android.app/16.8.1/1608010",
}

// These are vars rather than consts so tests can redirect them at an
// httptest server; production code never reassigns them after startup.
var (
	deviceCodeURL = "https://id.twitch.tv/oauth2/device"
	tokenURL      = "https://id.twitch.tv/oauth2/token"
	validateURL   = "https://id.twitch.tv/oauth2/validate"
	gqlURL        = "https://gql.twitch.tv/gql"
)

// deviceAuthScopes matches the scopes the Android client requests for
// drops/campaigns visibility.
const deviceAuthScopes = "channel_read chat:read user_blocks_edit user_blocks_read " +
	"user_follows_edit user_read viewing_activity_read"
