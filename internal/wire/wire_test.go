package wire

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrameStripsNewlineAndCR(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("{\"id\":1}\r\n"))
	line, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(line))
}

func TestWellFormed(t *testing.T) {
	assert.True(t, WellFormed([]byte(`{"id":1}`)))
	assert.True(t, WellFormed([]byte(`  {"id":1}  `)))
	assert.False(t, WellFormed([]byte(`{"id":1`)))
	assert.False(t, WellFormed([]byte(`id":1}`)))
	assert.False(t, WellFormed([]byte(``)))
}

func TestEncodeAppendsNewline(t *testing.T) {
	out := Encode([]byte(`{"id":1}`))
	assert.Equal(t, "{\"id\":1}\n", string(out))
}
