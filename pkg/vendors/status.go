package vendor

import "strings"

// Status is the canonical status enumeration every vendor vocabulary is mapped
// onto. The orchestrator only ever sees these values.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusPending    Status = "pending"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether the status will not change without a refund.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// StatusTable is a per-vendor lookup from the vendor's raw status strings
// (lowercased) to the canonical enumeration.
type StatusTable map[string]Status

// MapStatus translates a raw vendor status through the table. Unrecognized
// values resolve to pending, never to completed, so an unknown vocabulary
// entry can only delay settlement, not fabricate it.
func MapStatus(table StatusTable, raw string) Status {
	if mapped, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return mapped
	}
	return StatusPending
}
