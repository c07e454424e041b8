// Package domain holds the telemetry and error-tracking types shared by the
// client pipeline, the RPC transports and the collector.
package domain

import "time"

// EventType classifies a user-behavior event.
type EventType string

const (
	EventScreenView  EventType = "screen_view"
	EventButtonClick EventType = "button_click"
	EventFeatureUse  EventType = "feature_use"
	EventNavigation  EventType = "navigation"
	EventSearch      EventType = "search"
	EventContentView EventType = "content_view"
	EventCustom      EventType = "custom"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventScreenView, EventButtonClick, EventFeatureUse, EventNavigation,
		EventSearch, EventContentView, EventCustom:
		return true
	}
	return false
}

// Category is an optional grouping for events on dashboards.
type Category string

const (
	CategoryNavigation Category = "navigation"
	CategoryEngagement Category = "engagement"
	CategoryLearning   Category = "learning"
	CategorySocial     Category = "social"
	CategorySystem     Category = "system"
)

// Event is a single telemetry record. It is immutable once enqueued.
type Event struct {
	UserID        *string        `json:"user_id,omitempty"`
	EventType     EventType      `json:"event_type"`
	EventName     string         `json:"event_name"`
	Category      Category       `json:"category,omitempty"`
	ScreenName    string         `json:"screen_name,omitempty"`
	ComponentName string         `json:"component_name,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	SessionID     string         `json:"session_id"`
	DeviceType    string         `json:"device_type"`
	AppVersion    string         `json:"app_version"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Telemetry is an Event as stored by the collector.
type Telemetry struct {
	ID         int64
	Event      Event
	ReceivedAt time.Time
}
