package agent

import "time"

// Agent identifies a cooperating worker. Busy/idle is never stored here;
// it is derived from the task store (one SENT task means busy).
type Agent struct {
	Name       string    `yaml:"name" json:"name"`
	LastSeenAt time.Time `yaml:"last_seen_at" json:"last_seen_at"`
}
