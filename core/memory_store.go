package core

import "time"

// SharedMemoryEntry is one value in the shared memory arena. Entries with an
// empty SharedFrom are the owner's own writes; entries with SharedFrom set
// are point-in-time copies received from that bot.
type SharedMemoryEntry struct {
	Owner      string    `json:"owner"`
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	SharedWith []string  `json:"shared_with,omitempty"`
	SharedFrom string    `json:"shared_from,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ShareEdge records one share operation: Source copied Key to Target.
type ShareEdge struct {
	Source   string    `json:"source"`
	Key      string    `json:"key"`
	Target   string    `json:"target"`
	SharedAt time.Time `json:"shared_at"`
}

// GroupMembership makes values shared to Group readable by Bot.
type GroupMembership struct {
	Bot      string    `json:"bot"`
	Group    string    `json:"group"`
	JoinedAt time.Time `json:"joined_at"`
}
