package relayer

import (
	"errors"
	"os"

	"github.com/hashicorp/go-hclog"
)

const (
	configFlag   = "config"
	logLevelFlag = "log-level"
)

var (
	errNoConfigPath = errors.New("config file path is required")
)

type relayerParams struct {
	configPath string
	logLevel   string
}

func (p *relayerParams) validateFlags() error {
	if p.configPath == "" {
		return errNoConfigPath
	}

	if _, err := os.Stat(p.configPath); err != nil {
		return err
	}

	if hclog.LevelFromString(p.logLevel) == hclog.NoLevel {
		return errors.New("invalid log level: " + p.logLevel)
	}

	return nil
}
