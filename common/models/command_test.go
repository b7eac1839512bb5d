package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandType_Path(t *testing.T) {
	assert.Equal(t, "/task/command/start", COMMAND_START.Path())
	assert.Equal(t, "/task/command/stop", COMMAND_STOP.Path())
	assert.Equal(t, "/task/command/modify", COMMAND_MODIFY.Path())
	assert.Equal(t, "/task/command/finish", COMMAND_FINISH.Path())
	assert.Equal(t, "/task/command/destroy", COMMAND_DESTROY.Path())
}

func TestParseCommandType(t *testing.T) {
	parsed, err := ParseCommandType("destroy")
	require.NoError(t, err)
	assert.Equal(t, COMMAND_DESTROY, parsed)

	_, badErr := ParseCommandType("explode")
	assert.Error(t, badErr)
}

func TestSupervisorEndpoint_Resolve(t *testing.T) {
	assert.True(t, SELF_ENDPOINT.IsSelf())
	resolved := SELF_ENDPOINT.Resolve(9999)
	assert.Equal(t, "127.0.0.1:9999", resolved.Address())
	assert.False(t, resolved.IsSelf())

	remote := SupervisorEndpoint{Host: "10.1.1.1", Port: 8000}
	assert.Equal(t, remote, remote.Resolve(9999))
}

type testLaunchOptions struct {
	Command  []string      `mapstructure:"command"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retries  int           `mapstructure:"retries"`
	Detached bool          `mapstructure:"detached"`
}

/**
string-only parameter maps should decode into typed launch options
*/
func TestCustomisedMapStructureDecode(t *testing.T) {
	params := map[string]string{
		"command":  "/usr/bin/env FOO=bar",
		"timeout":  "30s",
		"retries":  "2",
		"detached": "true",
	}
	var opts testLaunchOptions
	require.NoError(t, CustomisedMapStructureDecode(params, &opts))
	assert.Equal(t, []string{"/usr/bin/env", "FOO=bar"}, opts.Command)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 2, opts.Retries)
	assert.True(t, opts.Detached)

	var bad testLaunchOptions
	assert.Error(t, CustomisedMapStructureDecode(map[string]string{"timeout": "forever"}, &bad))
}
