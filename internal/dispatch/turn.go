package dispatch

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/dss-project/dss/internal/config"
)

// generateTURNCredential mints a short-lived TURN username/password pair
// (spec §6: "derived from a server-secret HMAC over (session_string, ts,
// ttl)"), following the long-term-credential mechanism (RFC 5766 §10.2):
// the username embeds the expiry and session string, and the password is
// the base64 of an HMAC-SHA1 over that username keyed by the shared
// secret. A coturn server configured with the same use-auth-secret accepts
// these without a round trip to the DSS.
func generateTURNCredential(secret, sessionString string, ttl time.Duration) (username, password string) {
	expiry := time.Now().Add(ttl).Unix()
	username = fmt.Sprintf("%d:%s", expiry, sessionString)
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	password = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, password
}

// countICEServers splits a configured ICE server list into STUN and TURN
// counts for the SESSION_CREATED reply (spec §4.1/§12), keyed on each URL's
// scheme.
func countICEServers(servers []config.ICEServer) (stunCount, turnCount uint16) {
	for _, s := range servers {
		for _, u := range s.URLs {
			switch {
			case len(u) >= 5 && u[:5] == "turn:", len(u) >= 6 && u[:6] == "turns:":
				turnCount++
			case len(u) >= 5 && u[:5] == "stun:":
				stunCount++
			}
		}
	}
	return stunCount, turnCount
}
