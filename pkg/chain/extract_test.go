package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractArrayFenced(t *testing.T) {
	text := "Here is the plan:\n```json\n[{\"s_id\": \"s1\", \"title\": \"T\"}]\n```\nDone."
	items, err := ExtractArray(text)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "s1", items[0]["s_id"])
}

func TestExtractArrayBare(t *testing.T) {
	text := "Sure! [{\"a_id\": \"a1\", \"n\": 3}] hope that helps"
	items, err := ExtractArray(text)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3.0, items[0]["n"])
}

func TestExtractArrayPrefersFencedOverEarlierBrace(t *testing.T) {
	// A stray brace in the prose must not win over the fenced block.
	text := "Notation like {x} is common.\n```json\n[{\"ok\": true}]\n```"
	items, err := ExtractArray(text)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, true, items[0]["ok"])
}

func TestExtractArrayNestedBrackets(t *testing.T) {
	text := "```json\n[{\"hooks\": [\"a\", \"b\"], \"plan\": [[1, 2], [3]]}]\n```"
	items, err := ExtractArray(text)
	require.NoError(t, err)
	hooks := items[0]["hooks"].([]any)
	assert.Len(t, hooks, 2)
}

func TestExtractArrayRejectsObject(t *testing.T) {
	_, err := ExtractArray(`{"status": "proceed"}`)
	require.Error(t, err)
}

func TestExtractArrayRejectsScalarElements(t *testing.T) {
	_, err := ExtractArray(`[1, 2, 3]`)
	require.Error(t, err)
}

func TestExtractArrayNoJSON(t *testing.T) {
	_, err := ExtractArray("I could not produce anything structured.")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ExtractArray("")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtractObject(t *testing.T) {
	obj, err := ExtractObject("```json\n{\"status\": \"terminate\", \"response\": \"out of scope\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "terminate", obj["status"])

	_, err = ExtractObject(`["not", "an", "object"]`)
	require.Error(t, err)
}
