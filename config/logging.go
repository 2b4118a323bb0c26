package config

import (
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-merklesync/log"
)

const defaultLoggingLevel = zapcore.InfoLevel

// LoggerConfig holds the logging level for each module.
type LoggerConfig struct {
	Encoder          log.LogEncoder `mapstructure:"log-encoder"`
	AppLoggerLevel   string         `mapstructure:"app"`
	P2PLoggerLevel   string         `mapstructure:"p2p"`
	SyncLoggerLevel  string         `mapstructure:"sync"`
	TrieLoggerLevel  string         `mapstructure:"trie"`
	StoreLoggerLevel string         `mapstructure:"store"`
}

func DefaultLoggingConfig() LoggerConfig {
	return LoggerConfig{
		Encoder:          log.ConsoleLogEncoder,
		AppLoggerLevel:   defaultLoggingLevel.String(),
		P2PLoggerLevel:   zapcore.WarnLevel.String(),
		SyncLoggerLevel:  defaultLoggingLevel.String(),
		TrieLoggerLevel:  defaultLoggingLevel.String(),
		StoreLoggerLevel: defaultLoggingLevel.String(),
	}
}
