package domain

type Action string

const (
	ActionSearchSuccess      Action = "search-success"
	ActionSearchError        Action = "search-error"
	ActionPlaybackRestricted Action = "playback-error-restricted"
	ActionPlaybackStart      Action = "playback-start"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// LogEntry is one row of the dashboard access log. JSON names match what the
// dashboard page reads.
type LogEntry struct {
	Time     string   `json:"time"`
	IP       string   `json:"ip"`
	Action   Action   `json:"action"`
	TrackID  string   `json:"song_id"`
	Title    string   `json:"song"`
	Artist   string   `json:"artist"`
	Severity Severity `json:"type"`
}
