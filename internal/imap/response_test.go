package imap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseWriter_Tagged(t *testing.T) {
	var buf bytes.Buffer
	w := NewResponseWriter(&buf)

	require.NoError(t, w.Tagged("a001", OK("CAPABILITY completed")))
	assert.Equal(t, "a001 OK CAPABILITY completed\r\n", buf.String())
}

func TestResponseWriter_TaggedWithCode(t *testing.T) {
	var buf bytes.Buffer
	w := NewResponseWriter(&buf)

	require.NoError(t, w.Tagged("a003", OK("SELECT completed").WithCode("READ-WRITE")))
	assert.Equal(t, "a003 OK [READ-WRITE] SELECT completed\r\n", buf.String())
}

func TestResponseWriter_Untagged(t *testing.T) {
	var buf bytes.Buffer
	w := NewResponseWriter(&buf)

	require.NoError(t, w.Untagged(OK("UIDs valid").WithCode("UIDVALIDITY", "1725")))
	require.NoError(t, w.Untagged(Bye("logging out")))
	assert.Equal(t, "* OK [UIDVALIDITY 1725] UIDs valid\r\n* BYE logging out\r\n", buf.String())
}

func TestResponseWriter_UntaggedData(t *testing.T) {
	var buf bytes.Buffer
	w := NewResponseWriter(&buf)

	require.NoError(t, w.Exists(17))
	require.NoError(t, w.Recent(2))
	assert.Equal(t, "* 17 EXISTS\r\n* 2 RECENT\r\n", buf.String())
}

func TestResponseWriter_Continuation(t *testing.T) {
	var buf bytes.Buffer
	w := NewResponseWriter(&buf)

	require.NoError(t, w.Continuation(""))
	require.NoError(t, w.Continuation("idling"))
	assert.Equal(t, "+\r\n+ idling\r\n", buf.String())
}

func TestResponseWriter_Reset(t *testing.T) {
	var first, second bytes.Buffer
	w := NewResponseWriter(&first)
	require.NoError(t, w.Tagged("a1", OK("one")))
	w.Reset(&second)
	require.NoError(t, w.Tagged("a2", OK("two")))

	assert.Equal(t, "a1 OK one\r\n", first.String())
	assert.Equal(t, "a2 OK two\r\n", second.String())
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"plain"`, Quote("plain"))
	assert.Equal(t, `"with \"quotes\""`, Quote(`with "quotes"`))
	assert.Equal(t, `"back\\slash"`, Quote(`back\slash`))
	assert.Equal(t, `""`, Quote(""))
}

func TestSeqSet(t *testing.T) {
	set, err := ParseSeqSet("1,3:5,9:*")
	require.NoError(t, err)
	assert.Equal(t, SeqSet{{1, 1}, {3, 5}, {9, 0}}, set)
	assert.Equal(t, "1,3:5,9:*", set.String())

	assert.True(t, set.Contains(1, 20))
	assert.False(t, set.Contains(2, 20))
	assert.True(t, set.Contains(4, 20))
	assert.True(t, set.Contains(15, 20))
	assert.False(t, set.Contains(8, 20))

	// '*' alone means the highest existing number.
	star, err := ParseSeqSet("*")
	require.NoError(t, err)
	assert.True(t, star.Contains(20, 20))
	assert.False(t, star.Contains(19, 20))

	_, err = ParseSeqSet("0")
	assert.ErrorIs(t, err, ErrInvalidSequence)
	_, err = ParseSeqSet("a:b")
	assert.ErrorIs(t, err, ErrInvalidSequence)
}
