package runtime

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRoundTrip(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	j.Record("run-1", "lab1", "network wan", "created", "10.0.0.0/24")
	j.Record("run-1", "lab1", "node r1", "recreated", "netlab/frr:latest")
	j.Record("run-2", "lab1", "node r1", "stopped", "")

	actions, err := j.Actions("run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"network wan created 10.0.0.0/24",
		"node r1 recreated netlab/frr:latest",
	}, actions)

	other, err := j.Actions("run-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"node r1 stopped"}, other)

	none, err := j.Actions("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournalReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	j.Record("run-1", "lab1", "node r1", "removed", "")
	require.NoError(t, j.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	defer j2.Close()
	actions, err := j2.Actions("run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"node r1 removed"}, actions)
}
