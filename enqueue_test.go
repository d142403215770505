package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/fieldsync/internal/store"
)

func TestParseMeta(t *testing.T) {
	t.Parallel()

	meta, err := parseMeta(nil)
	require.NoError(t, err)
	assert.Nil(t, meta)

	meta, err = parseMeta([]string{"caption=a=b", "floor="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"caption": "a=b", "floor": ""}, meta)

	_, err = parseMeta([]string{"novalue"})
	require.Error(t, err)

	_, err = parseMeta([]string{"=x"})
	require.Error(t, err)
}

func TestBuildEnqueueRequest_PayloadFromStdin(t *testing.T) {
	t.Parallel()

	req, cleanup, err := buildEnqueueRequest(
		[]string{"task", "7"},
		&enqueueFlags{kind: "update", payloadFile: "-", highPriority: true},
		strings.NewReader(`{"status":"done"}`),
	)
	require.NoError(t, err)

	defer cleanup()

	assert.Equal(t, store.KindUpdate, req.Kind)
	assert.Equal(t, "task", req.EntityKind)
	assert.Equal(t, "7", req.EntityID)
	assert.True(t, req.HighPriority)
	assert.JSONEq(t, `{"status":"done"}`, string(req.Payload))
}

func TestBuildEnqueueRequest_DefaultsToCreate(t *testing.T) {
	t.Parallel()

	req, cleanup, err := buildEnqueueRequest([]string{"note"}, &enqueueFlags{payload: `{}`}, strings.NewReader(""))
	require.NoError(t, err)

	defer cleanup()

	assert.Equal(t, store.KindCreate, req.Kind)
	assert.Empty(t, req.EntityID)
}

func TestBuildEnqueueRequest_FileOnlyForUploads(t *testing.T) {
	t.Parallel()

	_, cleanup, err := buildEnqueueRequest([]string{"task", "1"}, &enqueueFlags{kind: "delete", file: "x.jpg"}, strings.NewReader(""))
	defer cleanup()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "only valid for uploads")
}
