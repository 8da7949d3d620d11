package store

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"

	"kestrel/internal/backend"
	"kestrel/internal/imap"
)

// Fetch emits one untagged FETCH per matching message. Fetching a body
// section without PEEK marks the message \Seen unless the mailbox was
// selected read-only.
func (m *Mailbox) Fetch(uw backend.UntaggedWriter, set imap.SeqSet, attrs []imap.FetchAttr, byUID bool) error {
	if err := m.requireSelected(); err != nil {
		return err
	}
	msgs, err := m.loadMessages()
	if err != nil {
		return err
	}

	// UID FETCH always reports the UID, whether or not it was asked for.
	withUID := byUID
	for _, a := range attrs {
		if a.Item == "UID" {
			withUID = false
		}
	}

	for _, msg := range match(msgs, set, byUID) {
		var items []string
		if withUID {
			items = append(items, fmt.Sprintf("UID %d", msg.uid))
		}
		markSeen := false
		for _, attr := range attrs {
			item, seen, err := m.fetchItem(msg, attr)
			if err != nil {
				return err
			}
			items = append(items, item)
			markSeen = markSeen || seen
		}
		if markSeen && !m.readOnly && !msg.hasFlag(`\Seen`) {
			newFlags := append(append([]string{}, msg.flags...), `\Seen`)
			if _, err := m.db.Exec(`UPDATE messages SET flags = ? WHERE id = ?`, strings.Join(newFlags, " "), msg.id); err != nil {
				return err
			}
			msg.flags = newFlags
		}
		if err := uw(fmt.Sprintf("%d FETCH (%s)", msg.seq, strings.Join(items, " "))); err != nil {
			return err
		}
	}
	return nil
}

// fetchItem renders one data item. The second result reports whether the
// item implies setting \Seen.
func (m *Mailbox) fetchItem(msg *message, attr imap.FetchAttr) (string, bool, error) {
	switch attr.Item {
	case "FLAGS":
		return fmt.Sprintf("FLAGS (%s)", strings.Join(msg.flags, " ")), false, nil
	case "UID":
		return fmt.Sprintf("UID %d", msg.uid), false, nil
	case "RFC822.SIZE":
		return fmt.Sprintf("RFC822.SIZE %d", msg.size), false, nil
	case "INTERNALDATE":
		return fmt.Sprintf(`INTERNALDATE "%s"`, msg.date.Format("02-Jan-2006 15:04:05 -0700")), false, nil
	case "ENVELOPE":
		raw, err := m.getBlob(msg.hash)
		if err != nil {
			return "", false, err
		}
		return "ENVELOPE " + envelope(raw), false, nil
	case "BODY", "BODYSTRUCTURE":
		raw, err := m.getBlob(msg.hash)
		if err != nil {
			return "", false, err
		}
		return attr.Item + " " + bodyStructure(raw), false, nil
	case "RFC822":
		raw, err := m.getBlob(msg.hash)
		if err != nil {
			return "", false, err
		}
		return "RFC822 " + literalString(raw), true, nil
	case "RFC822.HEADER":
		raw, err := m.getBlob(msg.hash)
		if err != nil {
			return "", false, err
		}
		header, _ := splitMessage(raw)
		return "RFC822.HEADER " + literalString(header), false, nil
	case "RFC822.TEXT":
		raw, err := m.getBlob(msg.hash)
		if err != nil {
			return "", false, err
		}
		_, body := splitMessage(raw)
		return "RFC822.TEXT " + literalString(body), true, nil
	}

	if strings.HasPrefix(attr.Item, "BODY[") {
		raw, err := m.getBlob(msg.hash)
		if err != nil {
			return "", false, err
		}
		section := strings.TrimSuffix(strings.TrimPrefix(attr.Item, "BODY["), "]")
		var data []byte
		switch section {
		case "":
			data = raw
		case "HEADER":
			data, _ = splitMessage(raw)
		case "TEXT":
			_, data = splitMessage(raw)
		default:
			return "", false, fmt.Errorf("unsupported body section %s", attr.Item)
		}
		return "BODY[" + section + "] " + literalString(data), !attr.Peek, nil
	}
	return "", false, fmt.Errorf("unsupported fetch item %s", attr.Item)
}

// literalString renders data as an IMAP literal.
func literalString(data []byte) string {
	return fmt.Sprintf("{%d}\r\n%s", len(data), data)
}

// splitMessage separates header and body at the first blank line. The
// header keeps its terminating blank line, per RFC 3501 HEADER semantics.
func splitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

// parseHeader reads the RFC 5322 header of a raw message.
func parseHeader(raw []byte) (mail.Header, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return mail.Header{}, err
	}
	return mr.Header, nil
}

// envelope renders the RFC 3501 ENVELOPE structure.
func envelope(raw []byte) string {
	h, err := parseHeader(raw)
	if err != nil {
		return "(NIL NIL NIL NIL NIL NIL NIL NIL NIL NIL)"
	}

	dateStr := "NIL"
	if date, err := h.Date(); err == nil && !date.IsZero() {
		dateStr = quoteOrNIL(date.Format("02-Jan-2006 15:04:05 -0700"))
	}
	subject := "NIL"
	if s, err := h.Subject(); err == nil && s != "" {
		subject = quoteOrNIL(s)
	}

	from := addressList(h, "From")
	sender := addressList(h, "Sender")
	if sender == "NIL" {
		sender = from
	}
	replyTo := addressList(h, "Reply-To")
	if replyTo == "NIL" {
		replyTo = from
	}

	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		dateStr, subject, from, sender, replyTo,
		addressList(h, "To"), addressList(h, "Cc"), addressList(h, "Bcc"),
		quoteOrNIL(h.Get("In-Reply-To")), quoteOrNIL(h.Get("Message-Id")))
}

// addressList renders a header address list as nested address structures.
func addressList(h mail.Header, field string) string {
	addrs, err := h.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return "NIL"
	}
	var b strings.Builder
	b.WriteString("(")
	for _, a := range addrs {
		mailbox, host := "", ""
		if i := strings.LastIndex(a.Address, "@"); i >= 0 {
			mailbox, host = a.Address[:i], a.Address[i+1:]
		} else {
			mailbox = a.Address
		}
		fmt.Fprintf(&b, "(%s NIL %s %s)", quoteOrNIL(a.Name), quoteOrNIL(mailbox), quoteOrNIL(host))
	}
	b.WriteString(")")
	return b.String()
}

func quoteOrNIL(s string) string {
	if s == "" {
		return "NIL"
	}
	return imap.Quote(s)
}

// bodyStructure renders a single-part BODYSTRUCTURE. Multipart messages
// are summarized by their outer content type; clients that need the full
// MIME tree fetch BODY[] and parse it themselves.
func bodyStructure(raw []byte) string {
	mainType, subType, charset := "text", "plain", "US-ASCII"
	if h, err := parseHeader(raw); err == nil {
		if ct, params, err := h.ContentType(); err == nil && ct != "" {
			if i := strings.IndexByte(ct, '/'); i >= 0 {
				mainType, subType = ct[:i], ct[i+1:]
			}
			if cs, ok := params["charset"]; ok {
				charset = cs
			}
		}
	}
	_, body := splitMessage(raw)
	lines := bytes.Count(body, []byte("\n"))
	return fmt.Sprintf(`("%s" "%s" ("CHARSET" %s) NIL NIL "7BIT" %d %d)`,
		strings.ToUpper(mainType), strings.ToUpper(subType), imap.Quote(charset), len(body), lines)
}
