package store

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/backend"
	"kestrel/internal/db"
	"kestrel/internal/imap"
)

const sampleMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Lunch plans\r\n" +
	"Date: Tue, 21 Jul 2026 14:03:11 +0000\r\n" +
	"Message-Id: <1@example.com>\r\n" +
	"\r\n" +
	"Shall we get lunch tomorrow?\r\n"

func openMailbox(t *testing.T) *Mailbox {
	t.Helper()
	manager, err := db.NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	stores := NewStores(manager, nil)
	mbx, err := stores.Open("alice")
	require.NoError(t, err)
	return mbx.(*Mailbox)
}

// appendMessage files raw into mailbox through the streaming Append path.
func appendMessage(t *testing.T, m *Mailbox, mailbox, raw string, flags []string, date time.Time) {
	t.Helper()
	var out bytes.Buffer
	r := bufio.NewReader(strings.NewReader(raw + "\r\n"))
	err := m.Append(r, imap.NewResponseWriter(&out), mailbox, flags, date, imap.Literal{
		Size:    int64(len(raw)),
		NonSync: true,
	})
	require.NoError(t, err)
}

// collect returns an UntaggedWriter accumulating lines.
func collect(lines *[]string) backend.UntaggedWriter {
	return func(data string) error {
		*lines = append(*lines, data)
		return nil
	}
}

func TestOpen_CreatesDefaultMailboxes(t *testing.T) {
	m := openMailbox(t)
	rows, err := m.ListMailboxes("", "*")
	require.NoError(t, err)

	var names []string
	for _, r := range rows {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"INBOX", "Sent", "Drafts", "Trash"}, names)
}

func TestSelect_HeaderCounts(t *testing.T) {
	m := openMailbox(t)
	appendMessage(t, m, "INBOX", sampleMessage, nil, time.Now())
	appendMessage(t, m, "INBOX", sampleMessage+"x", []string{`\Seen`}, time.Now())

	hdr, err := m.Select("inbox", false)
	require.NoError(t, err)
	assert.Equal(t, 2, hdr.Count)
	assert.Equal(t, 1, hdr.Unseen)
	assert.Equal(t, 1, hdr.Recent)
	assert.Equal(t, int64(3), hdr.UIDNext)
	assert.NotEmpty(t, hdr.UIDValidity)

	name, ok := m.SelectedMailbox()
	assert.True(t, ok)
	assert.Equal(t, "INBOX", name)
}

func TestSelect_NotExists(t *testing.T) {
	m := openMailbox(t)
	_, err := m.Select("Nope", false)
	assert.ErrorIs(t, err, backend.ErrNotExists)
}

func TestAppend_TruncatedStream(t *testing.T) {
	m := openMailbox(t)
	var out bytes.Buffer
	r := bufio.NewReader(strings.NewReader("short"))
	err := m.Append(r, imap.NewResponseWriter(&out), "INBOX", nil, time.Time{}, imap.Literal{
		Size:    100,
		NonSync: true,
	})
	assert.ErrorIs(t, err, backend.ErrTruncated)
}

func TestAppend_SynchronizingPrompts(t *testing.T) {
	m := openMailbox(t)
	var out bytes.Buffer
	r := bufio.NewReader(strings.NewReader("hello\r\n"))
	err := m.Append(r, imap.NewResponseWriter(&out), "INBOX", nil, time.Time{}, imap.Literal{Size: 5})
	require.NoError(t, err)
	assert.Equal(t, "+\r\n", out.String())
}

func TestCreateDeleteRename(t *testing.T) {
	m := openMailbox(t)

	require.NoError(t, m.CreateMailbox("Work/Projects/Kestrel"))
	rows, err := m.ListMailboxes("", "Work*")
	require.NoError(t, err)
	assert.Len(t, rows, 3, "intermediate mailboxes are created")

	assert.Error(t, m.CreateMailbox("Work"), "duplicate create must fail")

	require.NoError(t, m.RenameMailbox("Work", "Job"))
	rows, err = m.ListMailboxes("", "Job/Projects/%")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Job/Projects/Kestrel", rows[0].Name)

	require.NoError(t, m.DeleteMailbox("Job/Projects/Kestrel"))
	_, err = m.Select("Job/Projects/Kestrel", false)
	assert.ErrorIs(t, err, backend.ErrNotExists)

	assert.Error(t, m.DeleteMailbox("INBOX"), "INBOX is undeletable")
}

func TestSubscriptions(t *testing.T) {
	m := openMailbox(t)
	require.NoError(t, m.Subscribe("INBOX"))
	require.NoError(t, m.Subscribe("Sent"))

	rows, err := m.ListSubscribed("", "*")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, m.Unsubscribe("Sent"))
	rows, err = m.ListSubscribed("", "*")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "INBOX", rows[0].Name)

	assert.Error(t, m.Unsubscribe("Sent"), "already unsubscribed")
	assert.ErrorIs(t, m.Subscribe("Nope"), backend.ErrNotExists)
}

func TestListPatterns(t *testing.T) {
	m := openMailbox(t)
	require.NoError(t, m.CreateMailbox("Archive/2025"))
	require.NoError(t, m.CreateMailbox("Archive/2026"))

	// '%' stops at the hierarchy separator, '*' does not.
	rows, err := m.ListMailboxes("", "%")
	require.NoError(t, err)
	for _, r := range rows {
		assert.NotContains(t, r.Name, "/")
	}

	rows, err = m.ListMailboxes("", "Archive/*")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = m.ListMailboxes("Archive/", "2026")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Archive/2026", rows[0].Name)
}

func TestStoreFlags(t *testing.T) {
	m := openMailbox(t)
	appendMessage(t, m, "INBOX", sampleMessage, nil, time.Now())
	_, err := m.Select("INBOX", false)
	require.NoError(t, err)

	var lines []string
	set := imap.SeqSet{{First: 1, Last: 1}}
	require.NoError(t, m.Store(collect(&lines), set, imap.FlagsAdd, false, []string{`\Seen`, `\Flagged`}, false))
	require.Len(t, lines, 1)
	assert.Equal(t, `1 FETCH (FLAGS (\Seen \Flagged))`, lines[0])

	lines = nil
	require.NoError(t, m.Store(collect(&lines), set, imap.FlagsRemove, false, []string{`\Flagged`}, false))
	assert.Equal(t, `1 FETCH (FLAGS (\Seen))`, lines[0])

	lines = nil
	require.NoError(t, m.Store(collect(&lines), set, imap.FlagsSet, true, []string{`\Deleted`}, false))
	assert.Empty(t, lines, "SILENT suppresses untagged FETCH")

	hdr, err := m.Examine("INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, hdr.Unseen, "flags were replaced, \\Seen dropped")
}

func TestExpunge(t *testing.T) {
	m := openMailbox(t)
	appendMessage(t, m, "INBOX", sampleMessage, nil, time.Now())
	appendMessage(t, m, "INBOX", sampleMessage+"2", []string{`\Deleted`}, time.Now())
	appendMessage(t, m, "INBOX", sampleMessage+"3", []string{`\Deleted`}, time.Now())
	_, err := m.Select("INBOX", false)
	require.NoError(t, err)

	var lines []string
	require.NoError(t, m.Expunge(collect(&lines)))
	assert.Equal(t, []string{"3 EXPUNGE", "2 EXPUNGE"}, lines, "highest sequence first")

	hdr, err := m.Examine("INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, hdr.Count)
}

func TestClose_ExpungesSilently(t *testing.T) {
	m := openMailbox(t)
	appendMessage(t, m, "INBOX", sampleMessage, []string{`\Deleted`}, time.Now())
	_, err := m.Select("INBOX", false)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, ok := m.SelectedMailbox()
	assert.False(t, ok)

	hdr, err := m.Examine("INBOX")
	require.NoError(t, err)
	assert.Equal(t, 0, hdr.Count)
}

func TestCopy(t *testing.T) {
	m := openMailbox(t)
	appendMessage(t, m, "INBOX", sampleMessage, []string{`\Seen`}, time.Now())
	_, err := m.Select("INBOX", false)
	require.NoError(t, err)

	require.NoError(t, m.Copy(imap.SeqSet{{First: 1, Last: 1}}, "Sent", false))

	hdr, err := m.Examine("Sent")
	require.NoError(t, err)
	assert.Equal(t, 1, hdr.Count)

	// Copying to a missing mailbox reports ErrNotExists for TRYCREATE.
	err = m.Copy(imap.SeqSet{{First: 1, Last: 1}}, "Nope", false)
	assert.ErrorIs(t, err, backend.ErrNotExists)
}

func TestUIDAddressing(t *testing.T) {
	m := openMailbox(t)
	appendMessage(t, m, "INBOX", sampleMessage, nil, time.Now())
	appendMessage(t, m, "INBOX", sampleMessage+"2", []string{`\Deleted`}, time.Now())
	appendMessage(t, m, "INBOX", sampleMessage+"3", nil, time.Now())
	_, err := m.Select("INBOX", false)
	require.NoError(t, err)

	var lines []string
	require.NoError(t, m.Expunge(collect(&lines)))

	// Message 3 keeps UID 3 but is now sequence number 2.
	var fetched []string
	require.NoError(t, m.Fetch(collect(&fetched), imap.SeqSet{{First: 3, Last: 3}}, []imap.FetchAttr{{Item: "FLAGS"}}, true))
	require.Len(t, fetched, 1)
	assert.True(t, strings.HasPrefix(fetched[0], "2 FETCH (UID 3"), "got %q", fetched[0])
}
