/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import "time"

// Static is a fixed-value Config used by tests and by embedders that do not
// want file watching. The zero value is unusable; construct with Defaults()
// and override fields.
type Static struct {
	ReconcileIntervalValue      time.Duration
	DebounceValue               time.Duration
	MaxConsecutiveFailuresValue int
	InitialBackoffValue         time.Duration
	MaxBackoffValue             time.Duration
	FailureDetectionWindowValue time.Duration
	SuspectThresholdValue       time.Duration
	LeaseDurationValue          time.Duration
	HealthScanIntervalValue     time.Duration
	HeartbeatIntervalValue      time.Duration
	FrameDeadlineValue          time.Duration
	OutboundQueueSizeValue      int
}

// Defaults returns a Static populated with the same defaults as the
// file-backed Config.
func Defaults() *Static {
	return &Static{
		ReconcileIntervalValue:      30 * time.Second,
		DebounceValue:               3 * time.Second,
		MaxConsecutiveFailuresValue: 3,
		InitialBackoffValue:         30 * time.Second,
		MaxBackoffValue:             10 * time.Minute,
		FailureDetectionWindowValue: time.Minute,
		SuspectThresholdValue:       45 * time.Second,
		LeaseDurationValue:          2 * time.Minute,
		HealthScanIntervalValue:     5 * time.Second,
		HeartbeatIntervalValue:      15 * time.Second,
		FrameDeadlineValue:          10 * time.Second,
		OutboundQueueSizeValue:      256,
	}
}

func (s *Static) OnChange(ChangeHandler)                {}
func (s *Static) ReconcileInterval() time.Duration      { return s.ReconcileIntervalValue }
func (s *Static) Debounce() time.Duration               { return s.DebounceValue }
func (s *Static) MaxConsecutiveFailures() int           { return s.MaxConsecutiveFailuresValue }
func (s *Static) InitialBackoff() time.Duration         { return s.InitialBackoffValue }
func (s *Static) MaxBackoff() time.Duration             { return s.MaxBackoffValue }
func (s *Static) FailureDetectionWindow() time.Duration { return s.FailureDetectionWindowValue }
func (s *Static) SuspectThreshold() time.Duration       { return s.SuspectThresholdValue }
func (s *Static) LeaseDuration() time.Duration          { return s.LeaseDurationValue }
func (s *Static) HealthScanInterval() time.Duration     { return s.HealthScanIntervalValue }
func (s *Static) HeartbeatInterval() time.Duration      { return s.HeartbeatIntervalValue }
func (s *Static) FrameDeadline() time.Duration          { return s.FrameDeadlineValue }
func (s *Static) OutboundQueueSize() int                { return s.OutboundQueueSizeValue }
