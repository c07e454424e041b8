package domain

import "time"

// ErrorType is the origin of a reported failure.
type ErrorType string

const (
	ErrorTypeJS      ErrorType = "js_error"
	ErrorTypeAPI     ErrorType = "api_error"
	ErrorTypeNetwork ErrorType = "network_error"
	ErrorTypeRender  ErrorType = "render_error"
)

// Valid reports whether t is a known error type.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrorTypeJS, ErrorTypeAPI, ErrorTypeNetwork, ErrorTypeRender:
		return true
	}
	return false
}

// Severity of an error report or pattern. Ordered: warning < error < critical.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.rank() > 0
}

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// PatternStatus is the operator-managed triage state of an error pattern.
type PatternStatus string

const (
	StatusNew           PatternStatus = "new"
	StatusInvestigating PatternStatus = "investigating"
	StatusIdentified    PatternStatus = "identified"
	StatusFixing        PatternStatus = "fixing"
	StatusFixed         PatternStatus = "fixed"
	StatusWontFix       PatternStatus = "wont_fix"
)

// Valid reports whether s is a known pattern status.
func (s PatternStatus) Valid() bool {
	switch s {
	case StatusNew, StatusInvestigating, StatusIdentified, StatusFixing, StatusFixed, StatusWontFix:
		return true
	}
	return false
}

// ErrorReport is one occurrence of a failure, enriched with device and
// session context. ErrorHash and MessageTemplate group it into a pattern.
type ErrorReport struct {
	ErrorType       ErrorType      `json:"error_type"`
	Message         string         `json:"message"`
	Name            string         `json:"name,omitempty"`
	Stack           string         `json:"stack,omitempty"`
	ScreenName      string         `json:"screen_name,omitempty"`
	ComponentName   string         `json:"component_name,omitempty"`
	ActionName      string         `json:"action_name,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	RequestData     map[string]any `json:"request_data,omitempty"`
	ResponseData    map[string]any `json:"response_data,omitempty"`
	Severity        Severity       `json:"severity"`
	IsHandled       bool           `json:"is_handled"`
	DeviceType      string         `json:"device_type"`
	AppVersion      string         `json:"app_version"`
	UserID          *string        `json:"user_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	ErrorHash       string         `json:"error_hash"`
	MessageTemplate string         `json:"message_template"`
	OccurredAt      time.Time      `json:"occurred_at"`
}

// ErrorRecord is a stored ErrorReport occurrence.
type ErrorRecord struct {
	ID         string      `json:"id"`
	Report     ErrorReport `json:"report"`
	ReceivedAt time.Time   `json:"received_at"`
}

// ErrorPattern aggregates every occurrence sharing an ErrorHash.
type ErrorPattern struct {
	ErrorHash          string        `json:"error_hash"`
	ErrorType          ErrorType     `json:"error_type"`
	Name               string        `json:"name,omitempty"`
	MessageTemplate    string        `json:"message_template"`
	OccurrenceCount    int64         `json:"occurrence_count"`
	AffectedUsersCount int64         `json:"affected_users_count"`
	Severity           Severity      `json:"severity"`
	Status             PatternStatus `json:"status"`
	Notes              string        `json:"notes,omitempty"`
	FirstSeenAt        time.Time     `json:"first_seen_at"`
	LastSeenAt         time.Time     `json:"last_seen_at"`
	FixedAt            *time.Time    `json:"fixed_at,omitempty"`
}

// TrendPoint is the number of error occurrences on one UTC day.
type TrendPoint struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}

// ErrorDashboard summarizes error activity over the last Days days.
type ErrorDashboard struct {
	Days           int                 `json:"days"`
	TotalErrors    int64               `json:"total_errors"`
	UniquePatterns int64               `json:"unique_patterns"`
	AffectedUsers  int64               `json:"affected_users"`
	CriticalCount  int64               `json:"critical_count"`
	ByType         map[ErrorType]int64 `json:"by_type"`
	TopErrors      []ErrorPattern      `json:"top_errors"`
	Trend          []TrendPoint        `json:"trend"`
}

// PatternDetails is the drill-down view of one pattern.
type PatternDetails struct {
	Pattern       ErrorPattern     `json:"pattern"`
	RecentReports []ErrorRecord    `json:"recent_reports"`
	ByAppVersion  map[string]int64 `json:"by_app_version"`
	ByDeviceType  map[string]int64 `json:"by_device_type"`
}
