package modules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor.io/conductor/internal/config"
	"conductor.io/conductor/internal/vmops"
)

func TestVMOpsConfig(t *testing.T) {
	t.Run("explicit values", func(t *testing.T) {
		got := VMOpsConfig(config.HypervisorConfig{
			RunningTimeout:      2 * time.Minute,
			AgentVersionTimeout: 10 * time.Second,
			AgentPollInterval:   250 * time.Millisecond,
			GenerateSwap:        true,
			FlatInjected:        true,
		})
		require.Equal(t, 2*time.Minute, got.RunningTimeout)
		require.Equal(t, 10*time.Second, got.AgentVersionTimeout)
		require.Equal(t, 250*time.Millisecond, got.AgentPollInterval)
		require.True(t, got.GenerateSwap)
		require.True(t, got.FlatInjected)
		require.Equal(t, vmops.DefaultConfig().RunningPollInterval, got.RunningPollInterval)
	})

	t.Run("zero keeps defaults", func(t *testing.T) {
		got := VMOpsConfig(config.HypervisorConfig{})
		def := vmops.DefaultConfig()
		require.Equal(t, def.RunningTimeout, got.RunningTimeout)
		require.Equal(t, def.AgentPollInterval, got.AgentPollInterval)
		require.Zero(t, got.AgentVersionTimeout)
	})
}
