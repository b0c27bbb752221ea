package client

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

var ErrRangeAlignInvalid = errors.New("object range align must be a positive power of two")

type Config struct {
	IO struct {
		ObjectRangeAlign       int64         `envconfig:"IO_OBJECT_RANGE_ALIGN" default:"67108864"`
		ObjectRangeCacheCap    int64         `envconfig:"IO_OBJECT_RANGE_CACHE_CAP" default:"134217728"`
		ReadRangeConcurrency   int           `envconfig:"IO_READ_RANGE_CONCURRENCY" default:"8"`
		ReadConcurrencyGlobal  int64         `envconfig:"IO_READ_CONCURRENCY_GLOBAL" default:"256"`
		ReadConcurrencyAgent   int64         `envconfig:"IO_READ_CONCURRENCY_AGENT" default:"32"`
		SemaphoreCap           int64         `envconfig:"IO_SEMAPHORE_CAP" default:"268435456"`
		StreamSemaphoreTimeout time.Duration `envconfig:"IO_STREAM_SEMAPHORE_TIMEOUT" default:"2m"`
		StreamSemaphoreSizeCap int64         `envconfig:"IO_STREAM_SEMAPHORE_SIZE_CAP" default:"67108864"`
		StreamMinimalSizeLock  int64         `envconfig:"IO_STREAM_MINIMAL_SIZE_LOCK" default:"1048576"`
		ReadBlockTimeout       time.Duration `envconfig:"IO_READ_BLOCK_TIMEOUT" default:"10s"`
		EncodeConcurrency      int           `envconfig:"IO_ENCODE_CONCURRENCY" default:"20"`
		CoalescerMaxLength     int           `envconfig:"IO_COALESCER_MAX_LENGTH" default:"20"`
		CoalescerMaxWait       time.Duration `envconfig:"IO_COALESCER_MAX_WAIT" default:"10ms"`
		ErrorInjectionOnRead   float64       `envconfig:"ERROR_INJECTION_ON_READ" default:"0"`
	}
	Video struct {
		ReadStreamPreFetchLoadCap int64 `envconfig:"VIDEO_READ_STREAM_PRE_FETCH_LOAD_CAP" default:"10"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultConfig returns the config with every knob at its default.
func DefaultConfig() *Config {
	cfg, err := GetConfig()
	if err != nil {
		// defaults are statically valid; only broken env overrides fail
		panic(err)
	}
	return cfg
}

func (cfg *Config) Validate() error {
	align := cfg.IO.ObjectRangeAlign
	if align <= 0 || align&(align-1) != 0 {
		return ErrRangeAlignInvalid
	}

	return nil
}
