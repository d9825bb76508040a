package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainProse(t *testing.T) {
	p := JSONBlockParser{}
	assert.Nil(t, p.Parse("The weather looks fine today."))
	assert.Nil(t, p.Parse(""))
}

func TestParseFencedBlock(t *testing.T) {
	p := JSONBlockParser{}
	output := "Sure, adding that now.\n```json\n{\"cmd\": \"note_add\", \"params\": {\"text\": \"milk\"}}\n```\nDone."

	cmds := p.Parse(output)
	require.Len(t, cmds, 1)
	assert.Equal(t, "note_add", cmds[0].Name)
	assert.Equal(t, "milk", cmds[0].Params["text"])
}

func TestParseBareArray(t *testing.T) {
	p := JSONBlockParser{}
	cmds := p.Parse(`[{"cmd":"a"},{"cmd":"b","silent":true}]`)
	require.Len(t, cmds, 2)
	assert.Equal(t, "a", cmds[0].Name)
	assert.True(t, cmds[1].Silent)
}

func TestParseCommandsWrapper(t *testing.T) {
	p := JSONBlockParser{}
	cmds := p.Parse(`{"commands":[{"cmd":"web_search","params":{"q":"go"}}]}`)
	require.Len(t, cmds, 1)
	assert.Equal(t, "web_search", cmds[0].Name)
}

func TestParseSkipsUnnamedEntries(t *testing.T) {
	p := JSONBlockParser{}
	cmds := p.Parse(`[{"cmd":"real"},{"foo":"bar"}]`)
	require.Len(t, cmds, 1)
	assert.Equal(t, "real", cmds[0].Name)
}

func TestParseMultipleFences(t *testing.T) {
	p := JSONBlockParser{}
	output := "```json\n{\"cmd\":\"first\"}\n```\ntext between\n```json\n{\"cmd\":\"second\"}\n```"
	cmds := p.Parse(output)
	require.Len(t, cmds, 2)
	assert.Equal(t, "first", cmds[0].Name)
	assert.Equal(t, "second", cmds[1].Name)
}

func TestParseMalformedJSON(t *testing.T) {
	p := JSONBlockParser{}
	assert.Nil(t, p.Parse("```json\n{not json}\n```"))
	assert.Nil(t, p.Parse(`{"cmd": }`))
}
