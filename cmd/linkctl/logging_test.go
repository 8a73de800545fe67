package main

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/linkmgr/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		cfgLevel  string
		want      logrus.Level
		expectErr bool
	}{
		{name: "silent by default", want: logrus.PanicLevel},
		{name: "verbose", args: []string{"--verbose"}, want: logrus.DebugLevel},
		{name: "log level wins over verbose", args: []string{"--verbose", "--log-level", "warn"}, want: logrus.WarnLevel},
		{name: "config level needs an explicit file", cfgLevel: "debug", want: logrus.PanicLevel},
		{name: "config file level", args: []string{"--config", "x.yaml"}, cfgLevel: "error", want: logrus.ErrorLevel},
		{name: "flag wins over config file", args: []string{"--config", "x.yaml", "--log-level", "info"}, cfgLevel: "error", want: logrus.InfoLevel},
		{name: "invalid level", args: []string{"--log-level", "trace"}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "x"}
			cmd.Flags().String("config", "", "")
			cmd.Flags().String("log-level", "", "")
			cmd.Flags().Bool("verbose", false, "")
			require.NoError(t, cmd.ParseFlags(tt.args))
			var stderr bytes.Buffer
			cmd.SetErr(&stderr)

			cfg := config.DefaultConfig()
			if tt.cfgLevel != "" {
				cfg.LogLevel = tt.cfgLevel
			}

			logger, err := configureLogger(cmd, cfg)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
			assert.Same(t, &stderr, logger.Out, "logs MUST go to the command's stderr")
		})
	}
}
