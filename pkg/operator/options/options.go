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

package options

import (
	"flag"
	"fmt"

	"go.uber.org/multierr"

	"github.com/flotilla-sh/flotilla/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	APIPort         int
	MetricsPort     int
	StoreDSN        string
	TokenSecret     string
	ConfigFile      string
	LogLevel        string
	MigrateOnStart  bool
	ShutdownTimeout int
}

func New() *Options {
	return &Options{}
}

func (o *Options) MustParse() *Options {
	flag.IntVar(&o.APIPort, "api-port", env.WithDefaultInt("API_PORT", 8080), "The port the session and admin endpoints bind to")
	flag.IntVar(&o.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8081), "The port the metric and health endpoints bind to")
	flag.StringVar(&o.StoreDSN, "store-dsn", env.WithDefaultString("STORE_DSN", ""), "The PostgreSQL DSN of the orchestrator store")
	flag.StringVar(&o.TokenSecret, "token-secret", env.WithDefaultString("TOKEN_SECRET", ""), "The HS256 secret used to verify bearer tokens")
	flag.StringVar(&o.ConfigFile, "config-file", env.WithDefaultString("CONFIG_FILE", ""), "Path to the TOML file holding dynamic tunables")
	flag.StringVar(&o.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log level, one of debug, info, warn, error")
	flag.BoolVar(&o.MigrateOnStart, "migrate-on-start", env.WithDefaultBool("MIGRATE_ON_START", true), "Run store schema migrations before serving")
	flag.IntVar(&o.ShutdownTimeout, "shutdown-timeout", env.WithDefaultInt("SHUTDOWN_TIMEOUT", 30), "Seconds to wait for in-flight work during shutdown")
	flag.Parse()
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o *Options) Validate() (err error) {
	if o.StoreDSN == "" {
		err = multierr.Append(err, fmt.Errorf("STORE_DSN is required"))
	}
	if o.TokenSecret == "" {
		err = multierr.Append(err, fmt.Errorf("TOKEN_SECRET is required"))
	}
	if o.APIPort == o.MetricsPort {
		err = multierr.Append(err, fmt.Errorf("api-port and metrics-port may not be equal"))
	}
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log-level may only be one of debug, info, warn, error"))
	}
	return err
}
