package dcdb

import (
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

type configAccessor struct {
	key string
}

func ConfigAccessor(key string) *configAccessor {
	return &configAccessor{key}
}

func (c *configAccessor) GetOptional(tx *bbolt.Tx) (string, error) {
	return c.getWithRequired(false, tx)
}

// returns descriptive error message if value not set
func (c *configAccessor) GetRequired(tx *bbolt.Tx) (string, error) {
	return c.getWithRequired(true, tx)
}

func (c *configAccessor) getWithRequired(required bool, tx *bbolt.Tx) (string, error) {
	conf := &configValue{}
	if err := configRepository.OpenByPrimaryKey([]byte(c.key), conf, tx); err != nil && err != ErrNotFound {
		return "", err
	}

	if conf.Value == "" && required {
		return "", fmt.Errorf("config value %s not set", c.key)
	}

	return conf.Value, nil
}

func (c *configAccessor) Set(value string, tx *bbolt.Tx) error {
	return configRepository.Update(&configValue{
		Key:   c.key,
		Value: value,
	}, tx)
}

const (
	DefaultOperationTimeout = 120 * time.Second
	MinOperationTimeout     = 10 * time.Second
	MaxOperationTimeout     = 3600 * time.Second
)

type SparingConfig struct {
	OperationTimeout    time.Duration
	ConfirmationEnabled bool // false = phases have no confirmation deadline
}

func DefaultSparingConfig() SparingConfig {
	return SparingConfig{
		OperationTimeout:    DefaultOperationTimeout,
		ConfirmationEnabled: true,
	}
}

func ReadSparingConfig(tx *bbolt.Tx) (SparingConfig, error) {
	conf := DefaultSparingConfig()

	timeoutSeconds, err := CfgOperationTimeoutSeconds.GetOptional(tx)
	if err != nil {
		return conf, err
	}

	if timeoutSeconds != "" {
		seconds, err := strconv.Atoi(timeoutSeconds)
		if err != nil {
			return conf, fmt.Errorf("%s: %w", CfgOperationTimeoutSeconds.key, err)
		}

		conf.OperationTimeout = ClampOperationTimeout(time.Duration(seconds) * time.Second)
	}

	confirmation, err := CfgOperationConfirmation.GetOptional(tx)
	if err != nil {
		return conf, err
	}

	if confirmation != "" {
		enabled, err := strconv.ParseBool(confirmation)
		if err != nil {
			return conf, fmt.Errorf("%s: %w", CfgOperationConfirmation.key, err)
		}

		conf.ConfirmationEnabled = enabled
	}

	return conf, nil
}

// writes without replicating. for the running engine use Tx.SaveSparingConfig()
func WriteSparingConfig(conf SparingConfig, tx *bbolt.Tx) error {
	for _, value := range sparingConfigValues(conf) {
		if err := configRepository.Update(value, tx); err != nil {
			return err
		}
	}

	return nil
}

func sparingConfigValues(conf SparingConfig) []*configValue {
	timeout := ClampOperationTimeout(conf.OperationTimeout)

	return []*configValue{
		{Key: CfgOperationTimeoutSeconds.key, Value: strconv.Itoa(int(timeout / time.Second))},
		{Key: CfgOperationConfirmation.key, Value: strconv.FormatBool(conf.ConfirmationEnabled)},
	}
}

func ClampOperationTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout < MinOperationTimeout:
		return MinOperationTimeout
	case timeout > MaxOperationTimeout:
		return MaxOperationTimeout
	default:
		return timeout
	}
}
