// Package events defines implant status events and the publishers that
// announce them to the other tiers.
package events

import "time"

// Implant connection states.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ClientEvent describes an implant status transition. It is also the value
// stored under the implant id in the clients bucket.
type ClientEvent struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Transport string    `json:"transport,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
