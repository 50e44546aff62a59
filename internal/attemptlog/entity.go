package attemptlog

import "time"

// Attempt is one delivery attempt, successful or not. Records are appended
// for traceability and never read back for control flow.
type Attempt struct {
	ID             string    `yaml:"id" json:"id"`
	TaskID         string    `yaml:"task_id" json:"task_id"`
	Agent          string    `yaml:"agent" json:"agent"`
	SentAt         time.Time `yaml:"sent_at" json:"sent_at"`
	DeliveryMethod string    `yaml:"delivery_method" json:"delivery_method"`
	Response       string    `yaml:"response" json:"response"`
	Succeeded      bool      `yaml:"succeeded" json:"succeeded"`
}
