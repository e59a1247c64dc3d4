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

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"knative.dev/pkg/logging"
)

// ChangeHandler is used to register a handler to be called when the
// configuration has been changed
type ChangeHandler func(c Config)

// Config exposes the dynamic tunables of the orchestrator. Values are read
// from a TOML file and reloaded when the file changes; callers always see a
// consistent snapshot.
type Config interface {
	// OnChange is used to register a handler to be called when the configuration has been changed
	OnChange(handler ChangeHandler)

	// ReconcileInterval is the reconciler tick period
	ReconcileInterval() time.Duration
	// Debounce is the window within which external reconcile triggers are merged
	Debounce() time.Duration
	// MaxConsecutiveFailures is the crash-loop threshold
	MaxConsecutiveFailures() int
	// InitialBackoff and MaxBackoff bound the crash-loop backoff window
	InitialBackoff() time.Duration
	MaxBackoff() time.Duration
	// FailureDetectionWindow is the sliding window for counting application failures
	FailureDetectionWindow() time.Duration
	// SuspectThreshold is how long a node may miss heartbeats before it turns suspect
	SuspectThreshold() time.Duration
	// LeaseDuration is how long a suspect node may reconnect before its pods are revoked
	LeaseDuration() time.Duration
	// HealthScanInterval is the cadence of the node health scan
	HealthScanInterval() time.Duration
	// HeartbeatInterval is advertised to nodes on registration
	HeartbeatInterval() time.Duration
	// FrameDeadline is the soft deadline for processing a single inbound frame
	FrameDeadline() time.Duration
	// OutboundQueueSize bounds each session's outbound frame queue
	OutboundQueueSize() int
}

// fileConfig mirrors the TOML layout of the config file.
type fileConfig struct {
	Reconciler struct {
		Interval               string `toml:"interval"`
		Debounce               string `toml:"debounce"`
		MaxConsecutiveFailures int    `toml:"maxConsecutiveFailures"`
		InitialBackoff         string `toml:"initialBackoff"`
		MaxBackoff             string `toml:"maxBackoff"`
		FailureDetectionWindow string `toml:"failureDetectionWindow"`
	} `toml:"reconciler"`
	Health struct {
		SuspectThreshold string `toml:"suspectThreshold"`
		LeaseDuration    string `toml:"leaseDuration"`
		ScanInterval     string `toml:"scanInterval"`
	} `toml:"health"`
	Session struct {
		HeartbeatInterval string `toml:"heartbeatInterval"`
		FrameDeadline     string `toml:"frameDeadline"`
		OutboundQueueSize int    `toml:"outboundQueueSize"`
	} `toml:"session"`
}

type config struct {
	ctx  context.Context
	path string

	dataMu                 sync.RWMutex
	reconcileInterval      time.Duration
	debounce               time.Duration
	maxConsecutiveFailures int
	initialBackoff         time.Duration
	maxBackoff             time.Duration
	failureDetectionWindow time.Duration
	suspectThreshold       time.Duration
	leaseDuration          time.Duration
	healthScanInterval     time.Duration
	heartbeatInterval      time.Duration
	frameDeadline          time.Duration
	outboundQueueSize      int

	watcherMu sync.Mutex
	watchers  []ChangeHandler
}

// New loads configuration from path and watches it for changes. A missing
// file is not an error; all values default.
func New(ctx context.Context, path string) (Config, error) {
	c := &config{ctx: ctx, path: path}
	c.applyDefaults()
	if path != "" {
		if err := c.load(); err != nil {
			return nil, err
		}
		if err := c.watch(); err != nil {
			logging.FromContext(ctx).Errorf("watching config file, changes won't be applied immediately, %s", err)
		}
	}
	return c, nil
}

func (c *config) applyDefaults() {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	c.reconcileInterval = 30 * time.Second
	c.debounce = 3 * time.Second
	c.maxConsecutiveFailures = 3
	c.initialBackoff = 30 * time.Second
	c.maxBackoff = 10 * time.Minute
	c.failureDetectionWindow = time.Minute
	c.suspectThreshold = 45 * time.Second
	c.leaseDuration = 2 * time.Minute
	c.healthScanInterval = 5 * time.Second
	c.heartbeatInterval = 15 * time.Second
	c.frameDeadline = 10 * time.Second
	c.outboundQueueSize = 256
}

func (c *config) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.FromContext(c.ctx).Errorf("config file %s not found, defaulting all values", c.path)
			return nil
		}
		return err
	}
	fc := fileConfig{}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return err
	}

	c.dataMu.Lock()
	c.setDuration(&c.reconcileInterval, "reconciler.interval", fc.Reconciler.Interval)
	c.setDuration(&c.debounce, "reconciler.debounce", fc.Reconciler.Debounce)
	if fc.Reconciler.MaxConsecutiveFailures > 0 {
		c.maxConsecutiveFailures = fc.Reconciler.MaxConsecutiveFailures
	}
	c.setDuration(&c.initialBackoff, "reconciler.initialBackoff", fc.Reconciler.InitialBackoff)
	c.setDuration(&c.maxBackoff, "reconciler.maxBackoff", fc.Reconciler.MaxBackoff)
	c.setDuration(&c.failureDetectionWindow, "reconciler.failureDetectionWindow", fc.Reconciler.FailureDetectionWindow)
	c.setDuration(&c.suspectThreshold, "health.suspectThreshold", fc.Health.SuspectThreshold)
	c.setDuration(&c.leaseDuration, "health.leaseDuration", fc.Health.LeaseDuration)
	c.setDuration(&c.healthScanInterval, "health.scanInterval", fc.Health.ScanInterval)
	c.setDuration(&c.heartbeatInterval, "session.heartbeatInterval", fc.Session.HeartbeatInterval)
	c.setDuration(&c.frameDeadline, "session.frameDeadline", fc.Session.FrameDeadline)
	if fc.Session.OutboundQueueSize > 0 {
		c.outboundQueueSize = fc.Session.OutboundQueueSize
	}
	c.dataMu.Unlock()

	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()
	for _, w := range c.watchers {
		w(c)
	}
	return nil
}

// setDuration parses value into target, keeping the current value on empty
// input, parse failure, or a non-positive duration. Callers hold dataMu.
func (c *config) setDuration(target *time.Duration, key, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logging.FromContext(c.ctx).Errorf("unable to parse %s value %q: %s, keeping %s", key, value, err, *target)
		return
	}
	if d <= 0 {
		logging.FromContext(c.ctx).Errorf("non-positive values not allowed for %s, keeping %s", key, *target)
		return
	}
	*target = d
}

func (c *config) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-c.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					logging.FromContext(c.ctx).Infof("configuration change detected")
					if err := c.load(); err != nil {
						logging.FromContext(c.ctx).Errorf("reloading config, %s", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.FromContext(c.ctx).Errorf("config watcher, %s", err)
			}
		}
	}()
	return nil
}

func (c *config) OnChange(handler ChangeHandler) {
	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()
	c.watchers = append(c.watchers, handler)
}

func (c *config) ReconcileInterval() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.reconcileInterval
}

func (c *config) Debounce() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.debounce
}

func (c *config) MaxConsecutiveFailures() int {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.maxConsecutiveFailures
}

func (c *config) InitialBackoff() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.initialBackoff
}

func (c *config) MaxBackoff() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.maxBackoff
}

func (c *config) FailureDetectionWindow() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.failureDetectionWindow
}

func (c *config) SuspectThreshold() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.suspectThreshold
}

func (c *config) LeaseDuration() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.leaseDuration
}

func (c *config) HealthScanInterval() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.healthScanInterval
}

func (c *config) HeartbeatInterval() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.heartbeatInterval
}

func (c *config) FrameDeadline() time.Duration {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.frameDeadline
}

func (c *config) OutboundQueueSize() int {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.outboundQueueSize
}
