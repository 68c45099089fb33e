package directive

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wjm/workstation-job-manager/internal/config"
	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/wjmerr"
)

func TestParseStopsAtFirstNonDirectiveComment(t *testing.T) {
	script := []byte("#!/bin/bash\n# WEIGHT: 40\n# GPU: 0,1\n# this is a regular comment\necho hi\n")
	raw, err := Parse(script)
	require.NoError(t, err)
	require.Equal(t, "40", raw.Values["WEIGHT"])
	require.Equal(t, "0,1", raw.Values["GPU"])
	require.Contains(t, raw.Body, "# this is a regular comment")
	require.Contains(t, raw.Body, "echo hi")
}

func TestParseIgnoresUnknownDirectiveNames(t *testing.T) {
	script := []byte("# NOTADIRECTIVE: x\necho hi\n")
	raw, err := Parse(script)
	require.NoError(t, err)
	require.Empty(t, raw.Values)
	require.Contains(t, raw.Body, "# NOTADIRECTIVE: x")
}

func TestApplyFlagsOverrideDirectivesOverridePresets(t *testing.T) {
	cfg := config.Defaults()
	o := Overlay{
		Preset:     config.Preset{Weight: 5, Priority: "low"},
		Directives: map[string]string{"WEIGHT": "40"},
		Flags:      map[string]string{"WEIGHT": "90"},
	}
	resolved, err := Apply(cfg, o)
	require.NoError(t, err)
	require.Equal(t, 90, resolved.Weight)
}

func TestApplyRejectsWeightOutOfRange(t *testing.T) {
	cfg := config.Defaults()
	o := Overlay{Directives: map[string]string{"WEIGHT": "1001"}}
	_, err := Apply(cfg, o)
	require.Error(t, err)
	require.Equal(t, wjmerr.Validation, wjmerr.KindOf(err))
}

func TestApplyDefaultsGPUToNone(t *testing.T) {
	cfg := config.Defaults()
	resolved, err := Apply(cfg, Overlay{})
	require.NoError(t, err)
	require.True(t, resolved.GPU.IsZero())
	require.Equal(t, model.PriorityNormal, resolved.Priority)
}

func TestApplyParsesGPUAutoWithCount(t *testing.T) {
	cfg := config.Defaults()
	o := Overlay{Directives: map[string]string{"GPU": "auto:2"}}
	resolved, err := Apply(cfg, o)
	require.NoError(t, err)
	require.Equal(t, model.GPUModeAuto, resolved.GPU.Mode)
	require.Equal(t, 2, resolved.GPU.Count)
}

func TestApplyRejectsInvalidRetryOn(t *testing.T) {
	cfg := config.Defaults()
	o := Overlay{Directives: map[string]string{"RETRY_ON": "abc"}}
	_, err := Apply(cfg, o)
	require.Error(t, err)
}

func TestApplyParsesTimeoutSuffixes(t *testing.T) {
	cfg := config.Defaults()
	resolved, err := Apply(cfg, Overlay{Directives: map[string]string{"TIMEOUT": "2s"}})
	require.NoError(t, err)
	require.Equal(t, 2.0, resolved.Timeout.Seconds())
}
