package pdr

import (
	"fmt"
	"sync"
)

// Limits for user adjustable settings.
const (
	MinStepLength = 0.3
	MaxStepLength = 1.2

	MinDistanceBetweenMeetings = 10.0
	MaxDistanceBetweenMeetings = 100.0
)

// SettingsValues is a copy of the runtime settings
type SettingsValues struct {
	StepLength              float64 `json:"step_length"`
	DistanceBetweenMeetings float64 `json:"distance_between_meetings"`
	BeaconMode              bool    `json:"beacon_mode"`
	ExchangeEnabled         bool    `json:"exchange_enabled"`
}

// Validate checks the ranges of the adjustable values
func (v SettingsValues) Validate() error {
	if v.StepLength < MinStepLength || v.StepLength > MaxStepLength {
		return fmt.Errorf("step length %.2f outside [%.1f, %.1f]", v.StepLength, MinStepLength, MaxStepLength)
	}
	if v.DistanceBetweenMeetings < MinDistanceBetweenMeetings || v.DistanceBetweenMeetings > MaxDistanceBetweenMeetings {
		return fmt.Errorf("distance between meetings %.0f outside [%.0f, %.0f]",
			v.DistanceBetweenMeetings, MinDistanceBetweenMeetings, MaxDistanceBetweenMeetings)
	}
	return nil
}

// DefaultSettings returns the values used when nothing is configured
func DefaultSettings() SettingsValues {
	return SettingsValues{
		StepLength:              0.75,
		DistanceBetweenMeetings: 30,
		BeaconMode:              false,
		ExchangeEnabled:         true,
	}
}

// Settings holds values that can change while the node runs (config reload,
// HTTP). Readers always get a consistent copy.
type Settings struct {
	values SettingsValues
	mutex  sync.RWMutex
}

func NewSettings(v SettingsValues) *Settings {
	return &Settings{values: v}
}

// Get returns a copy of the current values
func (s *Settings) Get() SettingsValues {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.values
}

// Set replaces all values after validation
func (s *Settings) Set(v SettingsValues) error {
	if err := v.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	s.values = v
	s.mutex.Unlock()
	return nil
}

func (s *Settings) StepLength() float64 {
	return s.Get().StepLength
}

func (s *Settings) DistanceBetweenMeetings() float64 {
	return s.Get().DistanceBetweenMeetings
}

func (s *Settings) BeaconMode() bool {
	return s.Get().BeaconMode
}

func (s *Settings) ExchangeEnabled() bool {
	return s.Get().ExchangeEnabled
}
