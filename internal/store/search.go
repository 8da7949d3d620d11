package store

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kestrel/internal/imap"
)

// Search evaluates the criteria tree against every message of the selected
// mailbox and returns matching sequence numbers, or UIDs for UID SEARCH,
// in ascending order.
func (m *Mailbox) Search(criteria imap.SearchNode, byUID bool) ([]uint32, error) {
	if err := m.requireSelected(); err != nil {
		return nil, err
	}
	msgs, err := m.loadMessages()
	if err != nil {
		return nil, err
	}

	ev := &searchEval{mbx: m, msgs: msgs, bodies: make(map[int64][]byte)}
	var out []uint32
	for _, msg := range msgs {
		ok, err := ev.eval(msg, criteria)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if byUID {
			out = append(out, msg.uid)
		} else {
			out = append(out, msg.seq)
		}
	}
	return out, nil
}

var headerFieldNames = map[string]string{
	"FROM": "From", "TO": "To", "CC": "Cc", "BCC": "Bcc", "SUBJECT": "Subject",
}

// searchEval carries lazily loaded message bodies across the evaluation.
type searchEval struct {
	mbx    *Mailbox
	msgs   []*message
	bodies map[int64][]byte
}

func (ev *searchEval) body(msg *message) ([]byte, error) {
	if raw, ok := ev.bodies[msg.id]; ok {
		return raw, nil
	}
	raw, err := ev.mbx.getBlob(msg.hash)
	if err != nil {
		return nil, err
	}
	ev.bodies[msg.id] = raw
	return raw, nil
}

func (ev *searchEval) eval(msg *message, node imap.SearchNode) (bool, error) {
	switch n := node.(type) {
	case *imap.SearchList:
		for _, child := range n.Nodes {
			ok, err := ev.eval(msg, child)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *imap.SearchNot:
		ok, err := ev.eval(msg, n.Node)
		return !ok, err
	case *imap.SearchOr:
		ok, err := ev.eval(msg, n.Left)
		if err != nil || ok {
			return ok, err
		}
		return ev.eval(msg, n.Right)
	case *imap.SearchKey:
		return ev.evalKey(msg, n)
	default:
		return false, fmt.Errorf("unknown search node")
	}
}

func (ev *searchEval) evalKey(msg *message, key *imap.SearchKey) (bool, error) {
	switch key.Key {
	case "ALL":
		return true, nil
	case "ANSWERED":
		return msg.hasFlag(`\Answered`), nil
	case "UNANSWERED":
		return !msg.hasFlag(`\Answered`), nil
	case "DELETED":
		return msg.hasFlag(`\Deleted`), nil
	case "UNDELETED":
		return !msg.hasFlag(`\Deleted`), nil
	case "DRAFT":
		return msg.hasFlag(`\Draft`), nil
	case "UNDRAFT":
		return !msg.hasFlag(`\Draft`), nil
	case "FLAGGED":
		return msg.hasFlag(`\Flagged`), nil
	case "UNFLAGGED":
		return !msg.hasFlag(`\Flagged`), nil
	case "SEEN":
		return msg.hasFlag(`\Seen`), nil
	case "UNSEEN", "NEW", "RECENT":
		// A message stays recent until some session marks it \Seen.
		return !msg.hasFlag(`\Seen`), nil
	case "OLD":
		return msg.hasFlag(`\Seen`), nil
	case "KEYWORD":
		return msg.hasFlag(key.Args[0]), nil
	case "UNKEYWORD":
		return !msg.hasFlag(key.Args[0]), nil
	case "LARGER":
		n, _ := strconv.ParseInt(key.Args[0], 10, 64)
		return msg.size > n, nil
	case "SMALLER":
		n, _ := strconv.ParseInt(key.Args[0], 10, 64)
		return msg.size < n, nil
	case "BEFORE", "ON", "SINCE":
		return compareDay(msg.date, key.Key, key.Args[0])
	case "SENTBEFORE", "SENTON", "SENTSINCE":
		raw, err := ev.body(msg)
		if err != nil {
			return false, err
		}
		h, err := parseHeader(raw)
		if err != nil {
			return false, nil
		}
		sent, err := h.Date()
		if err != nil {
			return false, nil
		}
		return compareDay(sent, strings.TrimPrefix(key.Key, "SENT"), key.Args[0])
	case "FROM", "TO", "CC", "BCC", "SUBJECT":
		return ev.headerContains(msg, headerFieldNames[key.Key], key.Args[0])
	case "HEADER":
		return ev.headerContains(msg, key.Args[0], key.Args[1])
	case "BODY":
		raw, err := ev.body(msg)
		if err != nil {
			return false, err
		}
		_, body := splitMessage(raw)
		return containsFold(body, key.Args[0]), nil
	case "TEXT":
		raw, err := ev.body(msg)
		if err != nil {
			return false, err
		}
		return containsFold(raw, key.Args[0]), nil
	case "UID":
		set, err := imap.ParseSeqSet(key.Args[0])
		if err != nil {
			return false, err
		}
		maxUID := uint32(0)
		if n := len(ev.msgs); n > 0 {
			maxUID = ev.msgs[n-1].uid
		}
		return set.Contains(msg.uid, maxUID), nil
	}
	// Anything else the parser let through is a bare sequence set.
	set, err := imap.ParseSeqSet(key.Key)
	if err != nil {
		return false, fmt.Errorf("unsupported search key %s", key.Key)
	}
	return set.Contains(msg.seq, uint32(len(ev.msgs))), nil
}

// headerContains reports whether a header field's value contains needle,
// case-insensitively. An empty needle matches the field's presence.
func (ev *searchEval) headerContains(msg *message, field, needle string) (bool, error) {
	raw, err := ev.body(msg)
	if err != nil {
		return false, err
	}
	h, err := parseHeader(raw)
	if err != nil {
		return false, nil
	}
	value := h.Get(field)
	if value == "" {
		return false, nil
	}
	if needle == "" {
		return true, nil
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(needle)), nil
}

func containsFold(haystack []byte, needle string) bool {
	return bytes.Contains(bytes.ToLower(haystack), bytes.ToLower([]byte(needle)))
}

// compareDay compares two timestamps at day granularity, per the SEARCH
// date semantics.
func compareDay(ts time.Time, op, arg string) (bool, error) {
	want, err := time.Parse(imap.DateLayout, strings.TrimSpace(arg))
	if err != nil {
		return false, imap.ErrInvalidDate
	}
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	want = time.Date(want.Year(), want.Month(), want.Day(), 0, 0, 0, 0, time.UTC)
	switch op {
	case "BEFORE":
		return day.Before(want), nil
	case "ON":
		return day.Equal(want), nil
	default: // SINCE
		return !day.Before(want), nil
	}
}
