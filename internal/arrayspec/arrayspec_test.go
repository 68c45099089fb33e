package arrayspec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wjm/workstation-job-manager/internal/model"
)

func TestParseDefaultsStepToOne(t *testing.T) {
	start, end, step, err := Parse("1-5")
	require.NoError(t, err)
	require.Equal(t, 1, start)
	require.Equal(t, 5, end)
	require.Equal(t, 1, step)
}

func TestParseAcceptsExplicitStep(t *testing.T) {
	start, end, step, err := Parse("0-10:2")
	require.NoError(t, err)
	require.Equal(t, 0, start)
	require.Equal(t, 10, end)
	require.Equal(t, 2, step)
}

func TestParseRejectsEndBeforeStart(t *testing.T) {
	_, _, _, err := Parse("5-1")
	require.Error(t, err)
}

func TestParseRejectsZeroStep(t *testing.T) {
	_, _, _, err := Parse("1-5:0")
	require.Error(t, err)
}

func TestExpandProducesOneElementPerStep(t *testing.T) {
	elems, err := Expand("0-10:5", "sweep", "echo $WJM_ARRAY_ID\n")
	require.NoError(t, err)
	require.Len(t, elems, 3)
	require.Equal(t, "sweep-0", elems[0].Name)
	require.Equal(t, "sweep-5", elems[1].Name)
	require.Equal(t, "sweep-10", elems[2].Name)
	require.Equal(t, 3, elems[0].Size)
}

func TestEnvForMatchesArrayID(t *testing.T) {
	ids, err := IDs("2-6:2")
	require.NoError(t, err)
	env := EnvFor(ids, 1)
	require.Contains(t, env, "WJM_ARRAY_INDEX=1")
	require.Contains(t, env, "WJM_ARRAY_ID=4")
	require.Contains(t, env, "WJM_ARRAY_SIZE=3")
}

func TestAnnotateSetsUnknownFields(t *testing.T) {
	rec := &model.JobRecord{}
	ids, err := IDs("1-3")
	require.NoError(t, err)
	Annotate(rec, ids, 2)
	require.Equal(t, "2", rec.Unknown["WJM_ARRAY_INDEX"])
	require.Equal(t, "3", rec.Unknown["WJM_ARRAY_ID"])
	require.Equal(t, "3", rec.Unknown["WJM_ARRAY_SIZE"])
}
