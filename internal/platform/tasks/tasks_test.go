package tasks

import (
	"encoding/json"
	"testing"

	"karaoke/internal/core/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessSourceTask(t *testing.T) {
	task, err := NewProcessSourceTask(ProcessSourcePayload{
		RunID:  "r1",
		Target: schedule.SourceTarget{URL: "https://karaoke.example/venues", Kind: schedule.KindDirectory},
	})
	require.NoError(t, err)
	assert.Equal(t, TaskTypeProcessSource, task.Type())

	var p ProcessSourcePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "r1", p.RunID)
	assert.Equal(t, schedule.KindDirectory, p.Target.Kind)
}
