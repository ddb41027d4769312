package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFill(t *testing.T) {
	tpl := "Variables:\n!<INPUT 0>! -- name\n" + CommentBlockMarker + "\n!<INPUT 0>! is !<INPUT 1>! at !<INPUT 1>!.\n"
	got := Fill(tpl, "Isabella", "the cafe")
	assert.Equal(t, "Isabella is the cafe at the cafe.", got)

	assert.Equal(t, "plain !<INPUT 1>!", Fill("  plain !<INPUT 1>!  "))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wake_up.txt")
	require.NoError(t, os.WriteFile(path, []byte("!<INPUT 0>! wakes up at"), 0o644))

	got, err := Load(path, "Klaus")
	require.NoError(t, err)
	assert.Equal(t, "Klaus wakes up at", got)

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestWrapJSONOutput(t *testing.T) {
	got := WrapJSONOutput("Describe the weather.", "sunny", "Use one word.")
	want := "\"\"\"\nDescribe the weather.\n\"\"\"\n" +
		"Output the response to the prompt above in json. Use one word.\n" +
		"Example output json:\n" +
		`{"output":"sunny"}`
	assert.Equal(t, want, got)

	got = WrapJSONOutput("List moods.", []string{"calm", "tired"}, "")
	assert.Contains(t, got, "in json.\nExample")
	assert.Contains(t, got, `{"output":["calm","tired"]}`)
}
