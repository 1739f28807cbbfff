package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/microservices-platform/retry-dispatcher/retry"
)

// RetryConfigFile is the on-disk (YAML/JSON/TOML, whatever viper's
// codecs support) shape of a dispatcher's retry configuration. Mirrors
// retry.RetryConfig's four shapes but using string-list durations, since
// "[10ms, 500ms]" reads far better in a config file than a Go literal.
type RetryConfigFile struct {
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Mode          string   `mapstructure:"mode"` // non_blocking | finite_blocking | infinite_blocking | blocking_then_non_blocking
	Blocking      []string `mapstructure:"blocking_backoff"`
	NonBlocking   []string `mapstructure:"non_blocking_backoff"`
}

// parseDurations turns "10ms" style strings into time.Duration, the same
// convenience viper users expect from
// mapstructure.StringToTimeDurationHookFunc for scalar fields, applied
// here to the []string backoff lists by hand in Build().
func parseDurations(values []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(values))
	for _, v := range values {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// LoadRetryConfigFile reads and decodes a RetryConfigFile from path using
// viper, accepting any format viper recognizes from the extension.
func LoadRetryConfigFile(path string) (*RetryConfigFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var file RetryConfigFile
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&file, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &file, nil
}

// Build converts the file shape into a retry.RetryConfig, the type the
// dispatcher core actually consumes.
func (f *RetryConfigFile) Build() (retry.RetryConfig, error) {
	blocking, err := parseDurations(f.Blocking)
	if err != nil {
		return retry.RetryConfig{}, fmt.Errorf("blocking_backoff: %w", err)
	}
	nonBlocking, err := parseDurations(f.NonBlocking)
	if err != nil {
		return retry.RetryConfig{}, fmt.Errorf("non_blocking_backoff: %w", err)
	}

	switch f.Mode {
	case "non_blocking":
		return retry.NonBlockingRetryConfig(nonBlocking), nil
	case "finite_blocking":
		return retry.FiniteBlockingRetryConfig(blocking), nil
	case "infinite_blocking":
		if len(blocking) != 1 {
			return retry.RetryConfig{}, fmt.Errorf("infinite_blocking requires exactly one blocking_backoff duration")
		}
		return retry.InfiniteBlockingRetryConfig(blocking[0]), nil
	case "blocking_then_non_blocking":
		return retry.BlockingFollowedByNonBlockingConfig(blocking, nonBlocking), nil
	default:
		return retry.RetryConfig{}, fmt.Errorf("unrecognized retry mode %q", f.Mode)
	}
}

// Subscription converts the file shape's topic/group fields into a
// retry.Subscription, the retry-topic naming context Build's RetryConfig
// is paired with at the call site.
func (f *RetryConfigFile) Subscription() (retry.Subscription, error) {
	if f.Topic == "" {
		return retry.Subscription{}, fmt.Errorf("topic is required")
	}
	if f.ConsumerGroup == "" {
		return retry.Subscription{}, fmt.Errorf("consumer_group is required")
	}
	return retry.Subscription{Topic: f.Topic, ConsumerGroup: f.ConsumerGroup}, nil
}
