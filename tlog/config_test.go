package tlog

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFlags(t *testing.T) {
	config := Config{Format: FormatText}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Var(&config.Format, "log-format", "")
	fs.Var(&config.Color, "log-color", "")

	require.NoError(t, fs.Parse([]string{"--log-format=json", "--log-color=no"}))
	assert.Equal(t, FormatJSON, config.Format)
	assert.Equal(t, ColorNo, config.Color)

	require.NoError(t, fs.Parse([]string{"--log-color=auto"}))
	assert.Equal(t, ColorAuto, config.Color)
	assert.Equal(t, "auto", config.Color.String())

	assert.EqualError(t, config.Format.Set("xml"), `invalid log format "xml", expected json or text`)
	assert.Error(t, fs.Parse([]string{"--log-color=maybe"}))
	assert.Equal(t, ColorAuto, config.Color)
}
