// Package id provides correlation id generation for generation jobs.
package id

import "github.com/google/uuid"

// Prefix marks ids generated by this service.
const Prefix = "gen-"

// Generate creates a new correlation id.
// Format: gen-<uuid>
// Example: gen-0b6e1c3a-9f7d-4c55-8f0e-2f1f5b0b6a41
func Generate() string {
	return Prefix + uuid.NewString()
}
