package imap

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateTimeLayout is the RFC 3501 date-time form used by APPEND.
const DateTimeLayout = "2-Jan-2006 15:04:05 -0700"

// DateLayout is the date-only form used by SEARCH.
const DateLayout = "2-Jan-2006"

// SyntaxError reports a command that was recognized but malformed.
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string { return e.Msg }

func syntaxErrf(msg string) error { return &SyntaxError{Msg: msg} }

var (
	// ErrBadCommand reports an unknown command verb.
	ErrBadCommand = errors.New("unknown command")
	// ErrInvalidSequence reports a malformed sequence set.
	ErrInvalidSequence = errors.New("invalid sequence set")
	// ErrInvalidDate reports a malformed date or date-time.
	ErrInvalidDate = errors.New("invalid date")
)

type tokenKind int

const (
	tAtom tokenKind = iota
	tQuoted
	tLParen
	tRParen
	tLiteral
)

type token struct {
	kind    tokenKind
	text    string
	size    int64 // tLiteral
	nonSync bool  // tLiteral
}

var markerToken = regexp.MustCompile(`^\{(\d+)(\+)?\}$`)

// tokenize splits a spliced command buffer. CR and LF act as separators so
// spliced literal text falls into the token stream naturally.
func tokenize(buf []byte) ([]token, error) {
	var toks []token
	i := 0
	for i < len(buf) {
		c := buf[i]
		switch {
		case c == ' ' || c == '\r' || c == '\n' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{kind: tLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tRParen})
			i++
		case c == '"':
			i++
			var b strings.Builder
			for {
				if i >= len(buf) {
					return nil, syntaxErrf("unterminated quoted string")
				}
				if buf[i] == '\\' && i+1 < len(buf) {
					b.WriteByte(buf[i+1])
					i += 2
					continue
				}
				if buf[i] == '"' {
					i++
					break
				}
				b.WriteByte(buf[i])
				i++
			}
			toks = append(toks, token{kind: tQuoted, text: b.String()})
		default:
			start := i
			for i < len(buf) {
				c := buf[i]
				if c == ' ' || c == '\r' || c == '\n' || c == '\t' || c == '(' || c == ')' || c == '"' {
					break
				}
				i++
			}
			text := string(buf[start:i])
			if m := markerToken.FindStringSubmatch(text); m != nil {
				n, err := strconv.ParseInt(m[1], 10, 64)
				if err != nil {
					return nil, syntaxErrf("bad literal size")
				}
				toks = append(toks, token{kind: tLiteral, size: n, nonSync: m[2] == "+"})
			} else {
				toks = append(toks, token{kind: tAtom, text: text})
			}
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) next() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

// astring accepts an atom or a quoted string.
func (p *parser) astring(what string) (string, error) {
	t, ok := p.next()
	if !ok {
		return "", syntaxErrf("missing " + what)
	}
	if t.kind != tAtom && t.kind != tQuoted {
		return "", syntaxErrf("bad " + what)
	}
	return t.text, nil
}

func (p *parser) expectEnd(verb string) error {
	if !p.done() {
		return syntaxErrf(verb + " takes no further arguments")
	}
	return nil
}

// ParseCommand parses one spliced command buffer into a Command.
func ParseCommand(buf []byte) (*Command, error) {
	toks, err := tokenize(buf)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, syntaxErrf("empty command")
	}
	// DONE is the one verb the client sends without a tag.
	if len(toks) == 1 && toks[0].kind == tAtom && strings.EqualFold(toks[0].text, "DONE") {
		return &Command{Body: &Done{}}, nil
	}
	p := &parser{toks: toks}

	tagTok, _ := p.next()
	if tagTok.kind != tAtom || tagTok.text == "+" || tagTok.text == "*" {
		return nil, syntaxErrf("missing tag")
	}
	tag := tagTok.text

	verbTok, ok := p.next()
	if !ok || verbTok.kind != tAtom {
		return nil, syntaxErrf("missing command")
	}
	verb := strings.ToUpper(verbTok.text)

	byUID := false
	if verb == "UID" {
		sub, ok := p.next()
		if !ok || sub.kind != tAtom {
			return nil, syntaxErrf("UID requires a command")
		}
		verb = strings.ToUpper(sub.text)
		switch verb {
		case "FETCH", "STORE", "COPY", "SEARCH":
			byUID = true
		default:
			return nil, ErrBadCommand
		}
	}

	body, err := parseBody(p, verb, byUID)
	if err != nil {
		return nil, err
	}
	return &Command{Tag: tag, Body: body}, nil
}

func parseBody(p *parser, verb string, byUID bool) (Body, error) {
	switch verb {
	case "ID":
		return parseID(p)
	case "CAPABILITY":
		return &Capability{}, p.expectEnd(verb)
	case "NOOP":
		return &Noop{}, p.expectEnd(verb)
	case "LOGOUT":
		return &Logout{}, p.expectEnd(verb)
	case "LOGIN":
		user, err := p.astring("username")
		if err != nil {
			return nil, err
		}
		pass, err := p.astring("password")
		if err != nil {
			return nil, err
		}
		return &Login{Username: user, Password: pass}, p.expectEnd(verb)
	case "AUTHENTICATE":
		mech, err := p.astring("mechanism")
		if err != nil {
			return nil, err
		}
		cmd := &Authenticate{Mechanism: strings.ToUpper(mech)}
		if !p.done() {
			initial, err := p.astring("initial response")
			if err != nil {
				return nil, err
			}
			cmd.Initial = initial
		}
		return cmd, p.expectEnd(verb)
	case "STARTTLS":
		return &StartTLS{}, p.expectEnd(verb)
	case "LAPPEND":
		return parseLAppend(p)
	case "SELECT":
		mbx, err := p.astring("mailbox")
		if err != nil {
			return nil, err
		}
		return &Select{Mailbox: mbx}, p.expectEnd(verb)
	case "EXAMINE":
		mbx, err := p.astring("mailbox")
		if err != nil {
			return nil, err
		}
		return &Examine{Mailbox: mbx}, p.expectEnd(verb)
	case "CREATE":
		mbx, err := p.astring("mailbox")
		if err != nil {
			return nil, err
		}
		return &Create{Mailbox: mbx}, p.expectEnd(verb)
	case "DELETE":
		mbx, err := p.astring("mailbox")
		if err != nil {
			return nil, err
		}
		return &Delete{Mailbox: mbx}, p.expectEnd(verb)
	case "RENAME":
		src, err := p.astring("source mailbox")
		if err != nil {
			return nil, err
		}
		dst, err := p.astring("destination mailbox")
		if err != nil {
			return nil, err
		}
		return &Rename{Src: src, Dst: dst}, p.expectEnd(verb)
	case "SUBSCRIBE":
		mbx, err := p.astring("mailbox")
		if err != nil {
			return nil, err
		}
		return &Subscribe{Mailbox: mbx}, p.expectEnd(verb)
	case "UNSUBSCRIBE":
		mbx, err := p.astring("mailbox")
		if err != nil {
			return nil, err
		}
		return &Unsubscribe{Mailbox: mbx}, p.expectEnd(verb)
	case "LIST":
		ref, err := p.astring("reference")
		if err != nil {
			return nil, err
		}
		pat, err := p.astring("pattern")
		if err != nil {
			return nil, err
		}
		return &List{Ref: ref, Pattern: pat}, p.expectEnd(verb)
	case "LSUB":
		ref, err := p.astring("reference")
		if err != nil {
			return nil, err
		}
		pat, err := p.astring("pattern")
		if err != nil {
			return nil, err
		}
		return &Lsub{Ref: ref, Pattern: pat}, p.expectEnd(verb)
	case "STATUS":
		return parseStatus(p)
	case "APPEND":
		return parseAppend(p)
	case "IDLE":
		return &Idle{}, p.expectEnd(verb)
	case "DONE":
		return &Done{}, p.expectEnd(verb)
	case "CHECK":
		return &Check{}, p.expectEnd(verb)
	case "CLOSE":
		return &Close{}, p.expectEnd(verb)
	case "EXPUNGE":
		return &Expunge{}, p.expectEnd(verb)
	case "SEARCH":
		return parseSearch(p, byUID)
	case "FETCH":
		return parseFetch(p, byUID)
	case "STORE":
		return parseStore(p, byUID)
	case "COPY":
		return parseCopy(p, byUID)
	default:
		return nil, ErrBadCommand
	}
}

func parseID(p *parser) (Body, error) {
	t, ok := p.next()
	if !ok {
		return nil, syntaxErrf("ID requires a parameter list or NIL")
	}
	if t.kind == tAtom && strings.EqualFold(t.text, "NIL") {
		return &ID{}, p.expectEnd("ID")
	}
	if t.kind != tLParen {
		return nil, syntaxErrf("ID requires a parameter list or NIL")
	}
	var params []string
	for {
		t, ok := p.next()
		if !ok {
			return nil, syntaxErrf("unterminated ID parameter list")
		}
		if t.kind == tRParen {
			break
		}
		if t.kind != tAtom && t.kind != tQuoted {
			return nil, syntaxErrf("bad ID parameter")
		}
		params = append(params, t.text)
	}
	if len(params)%2 != 0 {
		return nil, syntaxErrf("ID parameters must be key/value pairs")
	}
	if params == nil {
		params = []string{}
	}
	return &ID{Params: params}, p.expectEnd("ID")
}

func parseStatus(p *parser) (Body, error) {
	mbx, err := p.astring("mailbox")
	if err != nil {
		return nil, err
	}
	t, ok := p.next()
	if !ok || t.kind != tLParen {
		return nil, syntaxErrf("STATUS requires an item list")
	}
	var items []StatusItem
	for {
		t, ok := p.next()
		if !ok {
			return nil, syntaxErrf("unterminated STATUS item list")
		}
		if t.kind == tRParen {
			break
		}
		if t.kind != tAtom {
			return nil, syntaxErrf("bad STATUS item")
		}
		switch item := StatusItem(strings.ToUpper(t.text)); item {
		case StatusMessages, StatusRecent, StatusUIDNext, StatusUIDValidity, StatusUnseen:
			items = append(items, item)
		default:
			return nil, syntaxErrf("unknown STATUS item " + t.text)
		}
	}
	if len(items) == 0 {
		return nil, syntaxErrf("STATUS requires at least one item")
	}
	return &Status{Mailbox: mbx, Items: items}, p.expectEnd("STATUS")
}

func parseAppend(p *parser) (Body, error) {
	mbx, err := p.astring("mailbox")
	if err != nil {
		return nil, err
	}
	cmd := &Append{Mailbox: mbx}

	t, ok := p.peek()
	if !ok {
		return nil, syntaxErrf("APPEND requires a literal")
	}
	if t.kind == tLParen {
		p.next()
		for {
			t, ok := p.next()
			if !ok {
				return nil, syntaxErrf("unterminated flag list")
			}
			if t.kind == tRParen {
				break
			}
			if t.kind != tAtom {
				return nil, syntaxErrf("bad flag")
			}
			cmd.Flags = append(cmd.Flags, t.text)
		}
		t, ok = p.peek()
		if !ok {
			return nil, syntaxErrf("APPEND requires a literal")
		}
	}
	if t.kind == tQuoted {
		p.next()
		when, err := time.ParseInLocation(DateTimeLayout, strings.TrimSpace(t.text), time.UTC)
		if err != nil {
			return nil, ErrInvalidDate
		}
		cmd.Date = when
	}
	lit, ok := p.next()
	if !ok || lit.kind != tLiteral {
		return nil, syntaxErrf("APPEND requires a literal")
	}
	cmd.Literal = Literal{Size: lit.size, NonSync: lit.nonSync}
	return cmd, p.expectEnd("APPEND")
}

func parseLAppend(p *parser) (Body, error) {
	user, err := p.astring("username")
	if err != nil {
		return nil, err
	}
	mbx, err := p.astring("mailbox")
	if err != nil {
		return nil, err
	}
	lit, ok := p.next()
	if !ok || lit.kind != tLiteral {
		return nil, syntaxErrf("LAPPEND requires a literal")
	}
	cmd := &LAppend{
		Username: user,
		Mailbox:  mbx,
		Literal:  Literal{Size: lit.size, NonSync: lit.nonSync},
	}
	return cmd, p.expectEnd("LAPPEND")
}

func parseCopy(p *parser, byUID bool) (Body, error) {
	setStr, err := p.astring("sequence set")
	if err != nil {
		return nil, err
	}
	set, err := ParseSeqSet(setStr)
	if err != nil {
		return nil, err
	}
	mbx, err := p.astring("mailbox")
	if err != nil {
		return nil, err
	}
	return &Copy{Set: set, Mailbox: mbx, ByUID: byUID}, p.expectEnd("COPY")
}

func parseStore(p *parser, byUID bool) (Body, error) {
	setStr, err := p.astring("sequence set")
	if err != nil {
		return nil, err
	}
	set, err := ParseSeqSet(setStr)
	if err != nil {
		return nil, err
	}
	opTok, ok := p.next()
	if !ok || opTok.kind != tAtom {
		return nil, syntaxErrf("STORE requires a flag operation")
	}
	op := strings.ToUpper(opTok.text)
	cmd := &Store{Set: set, ByUID: byUID}
	if strings.HasSuffix(op, ".SILENT") {
		cmd.Silent = true
		op = strings.TrimSuffix(op, ".SILENT")
	}
	switch op {
	case "FLAGS":
		cmd.Op = FlagsSet
	case "+FLAGS":
		cmd.Op = FlagsAdd
	case "-FLAGS":
		cmd.Op = FlagsRemove
	default:
		return nil, syntaxErrf("unknown STORE operation " + opTok.text)
	}

	t, ok := p.peek()
	if !ok {
		return nil, syntaxErrf("STORE requires flags")
	}
	if t.kind == tLParen {
		p.next()
		for {
			t, ok := p.next()
			if !ok {
				return nil, syntaxErrf("unterminated flag list")
			}
			if t.kind == tRParen {
				break
			}
			if t.kind != tAtom {
				return nil, syntaxErrf("bad flag")
			}
			cmd.Flags = append(cmd.Flags, t.text)
		}
	} else {
		for !p.done() {
			flag, err := p.astring("flag")
			if err != nil {
				return nil, err
			}
			cmd.Flags = append(cmd.Flags, flag)
		}
	}
	return cmd, p.expectEnd("STORE")
}

// fetchMacros expand to their RFC 3501 attribute lists.
var fetchMacros = map[string][]FetchAttr{
	"ALL": {
		{Item: "FLAGS"}, {Item: "INTERNALDATE"}, {Item: "RFC822.SIZE"}, {Item: "ENVELOPE"},
	},
	"FAST": {
		{Item: "FLAGS"}, {Item: "INTERNALDATE"}, {Item: "RFC822.SIZE"},
	},
	"FULL": {
		{Item: "FLAGS"}, {Item: "INTERNALDATE"}, {Item: "RFC822.SIZE"}, {Item: "ENVELOPE"}, {Item: "BODY"},
	},
}

func parseFetch(p *parser, byUID bool) (Body, error) {
	setStr, err := p.astring("sequence set")
	if err != nil {
		return nil, err
	}
	set, err := ParseSeqSet(setStr)
	if err != nil {
		return nil, err
	}
	cmd := &Fetch{Set: set, ByUID: byUID}

	t, ok := p.next()
	if !ok {
		return nil, syntaxErrf("FETCH requires data items")
	}
	if t.kind == tAtom {
		upper := strings.ToUpper(t.text)
		if attrs, ok := fetchMacros[upper]; ok {
			cmd.Attrs = append(cmd.Attrs, attrs...)
			return cmd, p.expectEnd("FETCH")
		}
		attr, err := parseFetchAttr(t.text)
		if err != nil {
			return nil, err
		}
		cmd.Attrs = append(cmd.Attrs, attr)
		return cmd, p.expectEnd("FETCH")
	}
	if t.kind != tLParen {
		return nil, syntaxErrf("FETCH requires data items")
	}
	for {
		t, ok := p.next()
		if !ok {
			return nil, syntaxErrf("unterminated FETCH item list")
		}
		if t.kind == tRParen {
			break
		}
		if t.kind != tAtom {
			return nil, syntaxErrf("bad FETCH item")
		}
		attr, err := parseFetchAttr(t.text)
		if err != nil {
			return nil, err
		}
		cmd.Attrs = append(cmd.Attrs, attr)
	}
	if len(cmd.Attrs) == 0 {
		return nil, syntaxErrf("FETCH requires at least one item")
	}
	return cmd, p.expectEnd("FETCH")
}

var bareFetchItems = map[string]bool{
	"FLAGS": true, "UID": true, "INTERNALDATE": true, "ENVELOPE": true,
	"BODY": true, "BODYSTRUCTURE": true,
	"RFC822": true, "RFC822.HEADER": true, "RFC822.SIZE": true, "RFC822.TEXT": true,
}

func parseFetchAttr(raw string) (FetchAttr, error) {
	upper := strings.ToUpper(raw)
	if i := strings.IndexByte(upper, '['); i >= 0 {
		if !strings.HasSuffix(upper, "]") {
			return FetchAttr{}, syntaxErrf("unterminated body section")
		}
		head := upper[:i]
		section := upper[i:]
		switch head {
		case "BODY":
			return FetchAttr{Item: "BODY" + section}, nil
		case "BODY.PEEK":
			return FetchAttr{Item: "BODY" + section, Peek: true}, nil
		default:
			return FetchAttr{}, syntaxErrf("unknown FETCH item " + raw)
		}
	}
	if !bareFetchItems[upper] {
		return FetchAttr{}, syntaxErrf("unknown FETCH item " + raw)
	}
	return FetchAttr{Item: upper}, nil
}

// searchKeyArgs maps each SEARCH key to its argument count.
var searchKeyArgs = map[string]int{
	"ALL": 0, "ANSWERED": 0, "DELETED": 0, "DRAFT": 0, "FLAGGED": 0,
	"NEW": 0, "OLD": 0, "RECENT": 0, "SEEN": 0,
	"UNANSWERED": 0, "UNDELETED": 0, "UNDRAFT": 0, "UNFLAGGED": 0, "UNSEEN": 0,
	"BCC": 1, "BODY": 1, "CC": 1, "FROM": 1, "SUBJECT": 1, "TEXT": 1, "TO": 1,
	"KEYWORD": 1, "UNKEYWORD": 1,
	"LARGER": 1, "SMALLER": 1,
	"BEFORE": 1, "ON": 1, "SINCE": 1,
	"SENTBEFORE": 1, "SENTON": 1, "SENTSINCE": 1,
	"UID":    1,
	"HEADER": 2,
}

var searchDateKeys = map[string]bool{
	"BEFORE": true, "ON": true, "SINCE": true,
	"SENTBEFORE": true, "SENTON": true, "SENTSINCE": true,
}

func parseSearch(p *parser, byUID bool) (Body, error) {
	cmd := &Search{ByUID: byUID}
	if t, ok := p.peek(); ok && t.kind == tAtom && strings.EqualFold(t.text, "CHARSET") {
		p.next()
		cs, err := p.astring("charset")
		if err != nil {
			return nil, err
		}
		cmd.Charset = strings.ToUpper(cs)
	}
	var nodes []SearchNode
	for !p.done() {
		node, err := parseSearchNode(p)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	switch len(nodes) {
	case 0:
		return nil, syntaxErrf("SEARCH requires criteria")
	case 1:
		cmd.Criteria = nodes[0]
	default:
		cmd.Criteria = &SearchList{Nodes: nodes}
	}
	return cmd, nil
}

func parseSearchNode(p *parser) (SearchNode, error) {
	t, ok := p.next()
	if !ok {
		return nil, syntaxErrf("missing search key")
	}
	switch t.kind {
	case tLParen:
		var nodes []SearchNode
		for {
			t, ok := p.peek()
			if !ok {
				return nil, syntaxErrf("unterminated search list")
			}
			if t.kind == tRParen {
				p.next()
				break
			}
			node, err := parseSearchNode(p)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
		if len(nodes) == 0 {
			return nil, syntaxErrf("empty search list")
		}
		return &SearchList{Nodes: nodes}, nil
	case tAtom, tQuoted:
		key := strings.ToUpper(t.text)
		switch key {
		case "NOT":
			node, err := parseSearchNode(p)
			if err != nil {
				return nil, err
			}
			return &SearchNot{Node: node}, nil
		case "OR":
			left, err := parseSearchNode(p)
			if err != nil {
				return nil, err
			}
			right, err := parseSearchNode(p)
			if err != nil {
				return nil, err
			}
			return &SearchOr{Left: left, Right: right}, nil
		}
		if nargs, known := searchKeyArgs[key]; known {
			node := &SearchKey{Key: key}
			for i := 0; i < nargs; i++ {
				arg, err := p.astring("search argument")
				if err != nil {
					return nil, err
				}
				node.Args = append(node.Args, arg)
			}
			return node, validateSearchKey(node)
		}
		if looksLikeSeqSet(t.text) {
			if _, err := ParseSeqSet(t.text); err != nil {
				return nil, err
			}
			return &SearchKey{Key: t.text}, nil
		}
		return nil, syntaxErrf("unknown search key " + t.text)
	default:
		return nil, syntaxErrf("bad search key")
	}
}

func validateSearchKey(k *SearchKey) error {
	switch {
	case searchDateKeys[k.Key]:
		if _, err := time.Parse(DateLayout, strings.TrimSpace(k.Args[0])); err != nil {
			return ErrInvalidDate
		}
	case k.Key == "LARGER" || k.Key == "SMALLER":
		if _, err := strconv.ParseInt(k.Args[0], 10, 64); err != nil {
			return syntaxErrf(k.Key + " requires a number")
		}
	case k.Key == "UID":
		if _, err := ParseSeqSet(k.Args[0]); err != nil {
			return err
		}
	}
	return nil
}
