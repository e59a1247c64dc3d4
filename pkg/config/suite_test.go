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

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/flotilla-sh/flotilla/pkg/config"
)

var ctx context.Context

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config")
}

var _ = BeforeSuite(func() {
	ctx = context.Background()
})

func write(path, content string) {
	Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
}

var _ = Describe("Config", func() {
	It("should default everything without a file", func() {
		cfg := lo.Must(config.New(ctx, ""))
		Expect(cfg.ReconcileInterval()).To(Equal(30 * time.Second))
		Expect(cfg.MaxConsecutiveFailures()).To(Equal(3))
		Expect(cfg.LeaseDuration()).To(Equal(2 * time.Minute))
		Expect(cfg.OutboundQueueSize()).To(Equal(256))
	})

	It("should default everything when the file does not exist", func() {
		cfg := lo.Must(config.New(ctx, filepath.Join(GinkgoT().TempDir(), "absent.toml")))
		Expect(cfg.ReconcileInterval()).To(Equal(30 * time.Second))
	})

	It("should apply file values over defaults", func() {
		path := filepath.Join(GinkgoT().TempDir(), "flotilla.toml")
		write(path, `
[reconciler]
interval = "10s"
maxConsecutiveFailures = 5

[health]
leaseDuration = "5m"

[session]
outboundQueueSize = 64
`)
		cfg := lo.Must(config.New(ctx, path))
		Expect(cfg.ReconcileInterval()).To(Equal(10 * time.Second))
		Expect(cfg.MaxConsecutiveFailures()).To(Equal(5))
		Expect(cfg.LeaseDuration()).To(Equal(5 * time.Minute))
		Expect(cfg.OutboundQueueSize()).To(Equal(64))
		// Untouched keys keep their defaults.
		Expect(cfg.SuspectThreshold()).To(Equal(45 * time.Second))
	})

	It("should keep current values on unparsable or non-positive durations", func() {
		path := filepath.Join(GinkgoT().TempDir(), "flotilla.toml")
		write(path, `
[reconciler]
interval = "soon"
debounce = "-3s"
`)
		cfg := lo.Must(config.New(ctx, path))
		Expect(cfg.ReconcileInterval()).To(Equal(30 * time.Second))
		Expect(cfg.Debounce()).To(Equal(3 * time.Second))
	})

	It("should reject malformed TOML", func() {
		path := filepath.Join(GinkgoT().TempDir(), "flotilla.toml")
		write(path, `[reconciler`)
		_, err := config.New(ctx, path)
		Expect(err).To(HaveOccurred())
	})

	It("should pick up file changes and notify watchers", func() {
		path := filepath.Join(GinkgoT().TempDir(), "flotilla.toml")
		write(path, `
[reconciler]
interval = "10s"
`)
		cfg := lo.Must(config.New(ctx, path))
		Expect(cfg.ReconcileInterval()).To(Equal(10 * time.Second))

		changed := make(chan struct{}, 1)
		cfg.OnChange(func(config.Config) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})

		write(path, `
[reconciler]
interval = "20s"
`)
		Eventually(changed, 5*time.Second).Should(Receive())
		Eventually(cfg.ReconcileInterval, 5*time.Second).Should(Equal(20 * time.Second))
	})
})
