package quantscalp

import (
	"fmt"
	"time"
)

const ID = "quantscalp"

// Config 策略引擎配置
type Config struct {
	// SizeUSD 每个动作的名义大小（单位仓位）
	SizeUSD float64 `yaml:"size_usd" json:"size_usd"`

	// MaxStates 同时保留的市场状态上限（超出按最近未见淘汰）
	MaxStates int `yaml:"max_states" json:"max_states"`

	// EvictGraceSeconds 结算后保留状态的宽限期（秒）
	EvictGraceSeconds int `yaml:"evict_grace_seconds" json:"evict_grace_seconds"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		SizeUSD:           1,
		MaxStates:         64,
		EvictGraceSeconds: 300,
	}
}

func (c *Config) GetName() string { return ID }

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config 不能为空")
	}
	if c.SizeUSD <= 0 {
		c.SizeUSD = 1
	}
	if c.MaxStates < 0 {
		return fmt.Errorf("max_states 必须 >= 0")
	}
	if c.MaxStates == 0 {
		c.MaxStates = 64
	}
	if c.EvictGraceSeconds < 0 {
		return fmt.Errorf("evict_grace_seconds 必须 >= 0")
	}
	return nil
}

func (c Config) evictGrace() time.Duration {
	return time.Duration(c.EvictGraceSeconds) * time.Second
}
