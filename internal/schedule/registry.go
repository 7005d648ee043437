package schedule

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// scheduleIDPattern validates schedule IDs
	scheduleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Registry stores and manages recurring schedules
type Registry struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	parsed    map[string]cron.Schedule
	parser    cron.Parser
}

// NewRegistry creates a new schedule registry
func NewRegistry() *Registry {
	return &Registry{
		schedules: make(map[string]*Schedule),
		parsed:    make(map[string]cron.Schedule),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Register adds a schedule to the registry
func (r *Registry) Register(s *Schedule) error {
	if err := r.validate(s); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schedules[s.ID]; exists {
		return fmt.Errorf("schedule with ID %s already exists", s.ID)
	}

	if s.Timezone == "" {
		s.Timezone = "UTC"
	}

	parsed, err := r.parser.Parse(s.Spec)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.Spec, err)
	}

	r.schedules[s.ID] = s
	r.parsed[s.ID] = parsed
	return nil
}

// MustRegister registers a schedule, panicking on error. Useful for
// initialization-time registration.
func (r *Registry) MustRegister(s *Schedule) {
	if err := r.Register(s); err != nil {
		panic(fmt.Sprintf("failed to register schedule: %v", err))
	}
}

// Get retrieves a schedule by ID
func (r *Registry) Get(id string) (*Schedule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, exists := r.schedules[id]
	return s, exists
}

// List returns all registered schedules
func (r *Registry) List() []*Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schedules := make([]*Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		schedules = append(schedules, s)
	}
	return schedules
}

// Count returns the number of registered schedules
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schedules)
}

// NextAfter computes the next fire time of a schedule following t
func (r *Registry) NextAfter(id string, t time.Time) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	parsed, ok := r.parsed[id]
	if !ok {
		return time.Time{}, false
	}
	loc := time.UTC
	if s, ok := r.schedules[id]; ok && s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	return parsed.Next(t.In(loc)), true
}

// validate checks schedule fields
func (r *Registry) validate(s *Schedule) error {
	if s == nil {
		return fmt.Errorf("schedule cannot be nil")
	}
	if s.ID == "" {
		return fmt.Errorf("schedule ID cannot be empty")
	}
	if !scheduleIDPattern.MatchString(s.ID) {
		return fmt.Errorf("schedule ID %q must be alphanumeric with underscores and hyphens", s.ID)
	}
	if s.Spec == "" {
		return fmt.Errorf("cron spec cannot be empty")
	}
	if s.Queue == "" {
		return fmt.Errorf("queue cannot be empty")
	}
	if s.Class == "" {
		return fmt.Errorf("class cannot be empty")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}
