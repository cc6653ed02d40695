package sse

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_OutputIsDecodable(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "test-model")

	require.NoError(t, w.WriteDelta("```tsx\n"))
	require.NoError(t, w.WriteDelta("export default App;"))
	require.NoError(t, w.WriteDone())

	out := buf.String()
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	assert.Contains(t, out, `"object":"chat.completion.chunk"`)

	d := NewDecoder(nil)
	d.Feed(buf.Bytes())
	assert.Equal(t, "```tsx\nexport default App;", d.Content())
	assert.True(t, d.Done())
}

func TestWriter_NamedEvent(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "m")

	require.NoError(t, w.WriteEvent("error", map[string]string{"code": "stream_failed"}))

	assert.Equal(t, "event: error\ndata: {\"code\":\"stream_failed\"}\n\n", buf.String())
}
