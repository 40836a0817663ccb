package model

import "time"

// Visitor is the only value kept in a session. Fields are added, never
// repurposed; a breaking change bumps sessionstore's payload version.
type Visitor struct {
	Visits    int       `json:"visits"`
	FirstSeen time.Time `json:"first_seen"`
	LastPage  string    `json:"last_page"`
}
