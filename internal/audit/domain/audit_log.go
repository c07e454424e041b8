package domain

import "time"

// AuditLog records one dashboard action taken by an API key holder.
type AuditLog struct {
	ID        string
	AppID     string
	KeyID     string
	Action    string
	Resource  string
	Metadata  string
	CreatedAt time.Time
}
