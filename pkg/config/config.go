// Package config holds the explicit engine configuration passed into every
// cardflow component at construction.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cardops/cardflow/pkg/businesshours"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidTimezone  = errors.New("invalid timezone")
	ErrInvalidClock     = errors.New("invalid clock time, expected HH:MM")
	ErrInvalidAttempts  = errors.New("max attempts must be positive")
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	ErrInvalidSchedule  = errors.New("invalid sweep schedule")
)

type Config struct {
	Timezone      string        `yaml:"timezone"`
	BusinessHours BusinessHours `yaml:"business_hours"`
	Queue         Queue         `yaml:"queue"`
	Cadence       Cadence       `yaml:"cadence"`
	// SweepSchedule is a robfig/cron spec driving the default sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type BusinessHours struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Weekdays []int  `yaml:"weekdays"`
}

type Queue struct {
	BatchSize      int           `yaml:"batch_size"`
	EntryBatchSize int           `yaml:"entry_batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	// StaleClaimAfter returns rows stuck in processing to pending.
	StaleClaimAfter time.Duration `yaml:"stale_claim_after"`
	DispatchRounds  int           `yaml:"dispatch_rounds"`
	// ProcessingBudget bounds a single sweep; unclaimed rows wait for the next one.
	ProcessingBudget time.Duration `yaml:"processing_budget"`
}

type Cadence struct {
	PrerequisiteRecheck time.Duration `yaml:"prerequisite_recheck"`
	// MaxPrerequisiteRechecks of 0 means unlimited.
	MaxPrerequisiteRechecks int      `yaml:"max_prerequisite_rechecks"`
	SuccessOutcomes         []string `yaml:"success_outcomes"`
	FallbackAssigneeID      string   `yaml:"fallback_assignee_id"`
}

func Default() Config {
	return Config{
		Timezone: businesshours.DefaultTimezone,
		BusinessHours: BusinessHours{
			Start:    "09:00",
			End:      "18:00",
			Weekdays: []int{1, 2, 3, 4, 5},
		},
		Queue: Queue{
			BatchSize:        100,
			EntryBatchSize:   50,
			MaxAttempts:      3,
			RetryBaseDelay:   time.Minute,
			RetryMaxDelay:    time.Hour,
			StaleClaimAfter:  10 * time.Minute,
			DispatchRounds:   5,
			ProcessingBudget: 25 * time.Second,
		},
		Cadence: Cadence{
			PrerequisiteRecheck:     30 * time.Minute,
			MaxPrerequisiteRechecks: 48,
			SuccessOutcomes:         []string{"respondido_pelo_cliente"},
		},
		SweepSchedule: "@every 1m",
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}

	if _, err := c.Calculator(); err != nil {
		return err
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAttempts, c.Queue.MaxAttempts)
	}

	if c.Queue.BatchSize <= 0 || c.Queue.EntryBatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidSchedule, c.SweepSchedule, err)
	}

	return nil
}

func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidTimezone, c.Timezone, err)
	}

	return loc, nil
}

// Calculator builds the business-hours calculator shared by both engines.
func (c Config) Calculator() (*businesshours.Calculator, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}

	start, err := parseClock(c.BusinessHours.Start)
	if err != nil {
		return nil, err
	}

	end, err := parseClock(c.BusinessHours.End)
	if err != nil {
		return nil, err
	}

	calc, err := businesshours.New(loc, start, end, c.BusinessHours.Weekdays)
	if err != nil {
		return nil, fmt.Errorf("invalid business hours: %w", err)
	}

	return calc, nil
}

func parseClock(value string) (int, error) {
	hours, minutes, found := strings.Cut(value, ":")
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}

	h, err := strconv.Atoi(hours)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}

	m, err := strconv.Atoi(minutes)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}

	return h*60 + m, nil
}
