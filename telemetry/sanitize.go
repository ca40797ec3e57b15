package telemetry

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const onionSep = ".onion:"

// Sanitize prepares a raw miner status document for storage: the
// algorithm list is dropped and an onion pool address is shortened to
// its first 10 and last 4 characters. The input is not modified.
func Sanitize(status []byte) ([]byte, error) {
	doc := gjson.ParseBytes(status)
	if !doc.IsObject() {
		return status, fmt.Errorf("miner_status is %s, not an object", doc.Type)
	}

	out := append([]byte(nil), status...)

	pool := doc.Get("connection.pool")
	if pool.Type == gjson.String {
		if redacted, ok := RedactOnion(pool.Str); ok {
			var err error
			out, err = sjson.SetBytes(out, "connection.pool", redacted)
			if err != nil {
				return status, fmt.Errorf("redacting pool address: %w", err)
			}
		}
	}

	if doc.Get("algorithms").Exists() {
		var err error
		out, err = sjson.DeleteBytes(out, "algorithms")
		if err != nil {
			return status, fmt.Errorf("dropping algorithms: %w", err)
		}
	}
	return out, nil
}

// RedactOnion shortens the host part of "<host>.onion:<port>".
func RedactOnion(hostport string) (string, bool) {
	host, port, ok := strings.Cut(hostport, onionSep)
	if !ok || len(host) <= 14 {
		return hostport, false
	}
	return host[:10] + "..." + host[len(host)-4:] + onionSep + port, true
}
