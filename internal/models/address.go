package models

import "time"

// AddressInfo describes an address published on the relay
type AddressInfo struct {
	Address     string    `json:"address"`
	Shared      bool      `json:"shared"`      // Conference address, several listeners allowed
	Members     []string  `json:"members"`     // Relay peer IDs listening on the address
	MemberCount int       `json:"memberCount"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// CloseAddressResponse is the response for force-closing an address
type CloseAddressResponse struct {
	Address string `json:"address"`
	Closed  int    `json:"closed"` // Number of listeners that were stopped
}
