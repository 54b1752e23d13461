package dsync

// Version is the module's release version, reported in the User-Agent
// header internal/listsource sends for HTTP(S) list fetches.
const Version = "0.1.0"

// UserAgent returns the identifying string dsync sends on outbound HTTP
// requests (see internal/listsource).
func UserAgent() string {
	return "dsync/" + Version
}
