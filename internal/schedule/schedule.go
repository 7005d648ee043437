// Package schedule provides cron-based recurring enqueueing on top of the
// job lifecycle, coordinated across scheduler instances with a Redis lock.
package schedule

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// Schedule is one recurring enqueue definition
type Schedule struct {
	// ID uniquely names the schedule (alphanumeric, underscores, hyphens)
	ID string
	// Spec is a standard five-field cron expression
	Spec string
	// Queue receives the enqueued job
	Queue string
	// Class names the handler
	Class string
	// Data is the job payload data
	Data *structpb.Value
	// Enabled toggles the schedule without unregistering it
	Enabled bool
	// Timezone for cron evaluation; defaults to UTC
	Timezone string
}
