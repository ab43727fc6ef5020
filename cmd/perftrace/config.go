package main

import "github.com/ilyakaznacheev/cleanenv"

type (
	ServiceConfig struct {
		Environment string `env:"PERFTRACE_ENVIRONMENT" env-default:"development"`
		Port        int    `env:"PORT" env-default:"8080"`

		SentryDSN string `env:"SENTRY_DSN"`

		// TracesBucketURL selects the storage provider for trace files.
		// Any bucket URL scheme compiled in works, e.g.
		// file:///var/lib/perftrace/traces?create_dir=1 or gs://bucket.
		TracesBucketURL string `env:"PERFTRACE_TRACES_BUCKET_URL" env-default:"file:///var/lib/perftrace/traces?no_tmp_dir=1&create_dir=1"`
		// BadgerPath, when set, stores traces in an embedded badger
		// database at that path instead of a bucket.
		BadgerPath string `env:"PERFTRACE_BADGER_PATH"`

		FlamegraphMinFraction float64 `env:"PERFTRACE_FLAMEGRAPH_MIN_FRACTION" env-default:"0.001"`

		CompareThreshold         float64 `env:"PERFTRACE_COMPARE_THRESHOLD" env-default:"0.10"`
		CompareCriticalThreshold float64 `env:"PERFTRACE_COMPARE_CRITICAL_THRESHOLD" env-default:"0.50"`
		CompareTopN              int     `env:"PERFTRACE_COMPARE_TOP_N" env-default:"10"`

		MaxUniqueFunctions uint `env:"PERFTRACE_MAX_UNIQUE_FUNCTIONS" env-default:"100"`
		MaxNumOfExamples   uint `env:"PERFTRACE_MAX_NUM_OF_EXAMPLES" env-default:"5"`
	}
)

func loadConfig() (ServiceConfig, error) {
	var c ServiceConfig
	err := cleanenv.ReadEnv(&c)
	return c, err
}
