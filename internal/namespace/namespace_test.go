package namespace

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Example(t *testing.T) {
	ref, ok := Parse("ib-123e4567-e89b-12d3-a456-426614174000-myext")
	require.True(t, ok)
	assert.Equal(t, "123e4567-e89b-12d3-a456-426614174000", ref.JobID)
	assert.Equal(t, "myext", ref.ExtensionName)
}

func TestParse_GeneratedJobs(t *testing.T) {
	exts := []string{"a", "main", "GitClone", "ext42", "0"}
	for i := 0; i < 50; i++ {
		want := Ref{
			JobID:         uuid.NewString(),
			ExtensionName: exts[i%len(exts)],
		}
		got, ok := Parse(Format(want))
		require.True(t, ok, "namespace %q", Format(want))
		assert.Equal(t, want, got)
	}
}

func TestParse_NonJobNamespaces(t *testing.T) {
	tests := []string{
		"",
		"default",
		"kube-system",
		"infrabox-system",
		"ib-",
		"ib-123e4567-e89b-12d3-a456-426614174000",
		"ib-123e4567-e89b-12d3-a456-426614174000-",
		"ib-123E4567-E89B-12D3-A456-426614174000-myext",
		"ib-123e4567e89b12d3a456426614174000-myext",
		"ib-123e4567-e89b-12d3-a456-42661417400-myext",
		"IB-123e4567-e89b-12d3-a456-426614174000-myext",
		"ib-123e4567-e89b-12d3-a456-426614174000_myext",
	}
	for _, ns := range tests {
		t.Run(ns, func(t *testing.T) {
			_, ok := Parse(ns)
			assert.False(t, ok)
		})
	}
}

func TestParse_ExtensionStopsAtNonAlphanumeric(t *testing.T) {
	ref, ok := Parse("ib-123e4567-e89b-12d3-a456-426614174000-docker-build")
	require.True(t, ok)
	assert.Equal(t, "docker", ref.ExtensionName)

	ref, ok = Parse("ib-123e4567-e89b-12d3-a456-426614174000-Ext9.x")
	require.True(t, ok)
	assert.Equal(t, "Ext9", ref.ExtensionName)
}

func TestParse_EmbeddedInLongerName(t *testing.T) {
	id := strings.ToLower(uuid.New().String())
	ref, ok := Parse("prefix-ib-" + id + "-worker")
	require.True(t, ok)
	assert.Equal(t, id, ref.JobID)
	assert.Equal(t, "worker", ref.ExtensionName)
}
