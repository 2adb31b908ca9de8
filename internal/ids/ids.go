package ids

import "github.com/oklog/ulid/v2"

// New returns a lexicographically sortable identifier used to correlate
// outgoing requests in logs and on the wire.
func New() string {
	return ulid.Make().String()
}
