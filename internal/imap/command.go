package imap

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Group classifies a command body by the session states that accept it.
type Group int

const (
	GroupAny Group = iota
	GroupNotAuthenticated
	GroupAuthenticated
	GroupSelected
)

// Command is one parsed client command: the client-chosen tag plus the
// verb-specific body.
type Command struct {
	Tag  string
	Body Body
}

func (c *Command) String() string {
	if c.Tag == "" {
		return c.Body.String()
	}
	return c.Tag + " " + c.Body.String()
}

// Body is implemented by every command variant.
type Body interface {
	Group() Group
	Name() string
	String() string
}

// Literal describes a {N} or {N+} marker left in the command line. The
// payload bytes are not buffered; APPEND and LAPPEND consume them from the
// connection through the storage backend.
type Literal struct {
	Size    int64
	NonSync bool
}

func (l Literal) String() string {
	if l.NonSync {
		return fmt.Sprintf("{%d+}", l.Size)
	}
	return fmt.Sprintf("{%d}", l.Size)
}

// StatusItem is one item requested by the STATUS command.
type StatusItem string

const (
	StatusMessages    StatusItem = "MESSAGES"
	StatusRecent      StatusItem = "RECENT"
	StatusUIDNext     StatusItem = "UIDNEXT"
	StatusUIDValidity StatusItem = "UIDVALIDITY"
	StatusUnseen      StatusItem = "UNSEEN"
)

// FlagOp is the STORE mutation mode.
type FlagOp int

const (
	FlagsSet FlagOp = iota
	FlagsAdd
	FlagsRemove
)

func (op FlagOp) String() string {
	switch op {
	case FlagsAdd:
		return "+FLAGS"
	case FlagsRemove:
		return "-FLAGS"
	default:
		return "FLAGS"
	}
}

// FetchAttr is one requested FETCH data item, e.g. FLAGS or BODY[HEADER].
type FetchAttr struct {
	Item string // canonical upper-case form, section kept inside brackets
	Peek bool   // BODY.PEEK[...]
}

func (a FetchAttr) String() string {
	if a.Peek {
		return strings.Replace(a.Item, "BODY[", "BODY.PEEK[", 1)
	}
	return a.Item
}

// ===== Any-state commands =====

type ID struct {
	Params []string // alternating key/value, nil for NIL
}

func (*ID) Group() Group { return GroupAny }
func (*ID) Name() string { return "ID" }
func (c *ID) String() string {
	if c.Params == nil {
		return "ID NIL"
	}
	quoted := make([]string, len(c.Params))
	for i, p := range c.Params {
		quoted[i] = Quote(p)
	}
	return "ID (" + strings.Join(quoted, " ") + ")"
}

type Capability struct{}

func (*Capability) Group() Group   { return GroupAny }
func (*Capability) Name() string   { return "CAPABILITY" }
func (*Capability) String() string { return "CAPABILITY" }

type Noop struct{}

func (*Noop) Group() Group   { return GroupAny }
func (*Noop) Name() string   { return "NOOP" }
func (*Noop) String() string { return "NOOP" }

type Logout struct{}

func (*Logout) Group() Group   { return GroupAny }
func (*Logout) Name() string   { return "LOGOUT" }
func (*Logout) String() string { return "LOGOUT" }

// ===== Not-authenticated commands =====

type Login struct {
	Username string
	Password string
}

func (*Login) Group() Group { return GroupNotAuthenticated }
func (*Login) Name() string { return "LOGIN" }
func (c *Login) String() string {
	return "LOGIN " + Quote(c.Username) + " " + Quote(c.Password)
}

type Authenticate struct {
	Mechanism string
	Initial   string // base64 initial response, empty if absent
}

func (*Authenticate) Group() Group { return GroupNotAuthenticated }
func (*Authenticate) Name() string { return "AUTHENTICATE" }
func (c *Authenticate) String() string {
	if c.Initial == "" {
		return "AUTHENTICATE " + c.Mechanism
	}
	return "AUTHENTICATE " + c.Mechanism + " " + c.Initial
}

type StartTLS struct{}

func (*StartTLS) Group() Group   { return GroupNotAuthenticated }
func (*StartTLS) Name() string   { return "STARTTLS" }
func (*StartTLS) String() string { return "STARTTLS" }

// LAppend is the privileged local append: it names the target user
// explicitly and is only accepted before authentication.
type LAppend struct {
	Username string
	Mailbox  string
	Literal  Literal
}

func (*LAppend) Group() Group { return GroupNotAuthenticated }
func (*LAppend) Name() string { return "LAPPEND" }
func (c *LAppend) String() string {
	return "LAPPEND " + Quote(c.Username) + " " + Quote(c.Mailbox) + " " + c.Literal.String()
}

// ===== Authenticated commands =====

type Select struct {
	Mailbox string
}

func (*Select) Group() Group     { return GroupAuthenticated }
func (*Select) Name() string     { return "SELECT" }
func (c *Select) String() string { return "SELECT " + Quote(c.Mailbox) }

type Examine struct {
	Mailbox string
}

func (*Examine) Group() Group     { return GroupAuthenticated }
func (*Examine) Name() string     { return "EXAMINE" }
func (c *Examine) String() string { return "EXAMINE " + Quote(c.Mailbox) }

type Create struct {
	Mailbox string
}

func (*Create) Group() Group     { return GroupAuthenticated }
func (*Create) Name() string     { return "CREATE" }
func (c *Create) String() string { return "CREATE " + Quote(c.Mailbox) }

type Delete struct {
	Mailbox string
}

func (*Delete) Group() Group     { return GroupAuthenticated }
func (*Delete) Name() string     { return "DELETE" }
func (c *Delete) String() string { return "DELETE " + Quote(c.Mailbox) }

type Rename struct {
	Src string
	Dst string
}

func (*Rename) Group() Group { return GroupAuthenticated }
func (*Rename) Name() string { return "RENAME" }
func (c *Rename) String() string {
	return "RENAME " + Quote(c.Src) + " " + Quote(c.Dst)
}

type Subscribe struct {
	Mailbox string
}

func (*Subscribe) Group() Group     { return GroupAuthenticated }
func (*Subscribe) Name() string     { return "SUBSCRIBE" }
func (c *Subscribe) String() string { return "SUBSCRIBE " + Quote(c.Mailbox) }

type Unsubscribe struct {
	Mailbox string
}

func (*Unsubscribe) Group() Group     { return GroupAuthenticated }
func (*Unsubscribe) Name() string     { return "UNSUBSCRIBE" }
func (c *Unsubscribe) String() string { return "UNSUBSCRIBE " + Quote(c.Mailbox) }

type List struct {
	Ref     string
	Pattern string
}

func (*List) Group() Group { return GroupAuthenticated }
func (*List) Name() string { return "LIST" }
func (c *List) String() string {
	return "LIST " + Quote(c.Ref) + " " + Quote(c.Pattern)
}

type Lsub struct {
	Ref     string
	Pattern string
}

func (*Lsub) Group() Group { return GroupAuthenticated }
func (*Lsub) Name() string { return "LSUB" }
func (c *Lsub) String() string {
	return "LSUB " + Quote(c.Ref) + " " + Quote(c.Pattern)
}

type Status struct {
	Mailbox string
	Items   []StatusItem
}

func (*Status) Group() Group { return GroupAuthenticated }
func (*Status) Name() string { return "STATUS" }
func (c *Status) String() string {
	items := make([]string, len(c.Items))
	for i, it := range c.Items {
		items[i] = string(it)
	}
	return "STATUS " + Quote(c.Mailbox) + " (" + strings.Join(items, " ") + ")"
}

type Append struct {
	Mailbox string
	Flags   []string
	Date    time.Time // zero when the client supplied no date
	Literal Literal
}

func (*Append) Group() Group { return GroupAuthenticated }
func (*Append) Name() string { return "APPEND" }
func (c *Append) String() string {
	var b strings.Builder
	b.WriteString("APPEND " + Quote(c.Mailbox))
	if len(c.Flags) > 0 {
		b.WriteString(" (" + strings.Join(c.Flags, " ") + ")")
	}
	if !c.Date.IsZero() {
		b.WriteString(" " + Quote(c.Date.Format(DateTimeLayout)))
	}
	b.WriteString(" " + c.Literal.String())
	return b.String()
}

type Idle struct{}

func (*Idle) Group() Group   { return GroupAuthenticated }
func (*Idle) Name() string   { return "IDLE" }
func (*Idle) String() string { return "IDLE" }

// Done terminates IDLE. The client sends it without a tag; the tagged
// completion carries the tag of the IDLE that opened the sub-mode.
type Done struct{}

func (*Done) Group() Group   { return GroupAuthenticated }
func (*Done) Name() string   { return "DONE" }
func (*Done) String() string { return "DONE" }

// ===== Selected commands =====

type Check struct{}

func (*Check) Group() Group   { return GroupSelected }
func (*Check) Name() string   { return "CHECK" }
func (*Check) String() string { return "CHECK" }

type Close struct{}

func (*Close) Group() Group   { return GroupSelected }
func (*Close) Name() string   { return "CLOSE" }
func (*Close) String() string { return "CLOSE" }

type Expunge struct{}

func (*Expunge) Group() Group   { return GroupSelected }
func (*Expunge) Name() string   { return "EXPUNGE" }
func (*Expunge) String() string { return "EXPUNGE" }

type Search struct {
	Charset  string
	Criteria SearchNode
	ByUID    bool
}

func (*Search) Group() Group { return GroupSelected }
func (*Search) Name() string { return "SEARCH" }
func (c *Search) String() string {
	var b strings.Builder
	if c.ByUID {
		b.WriteString("UID ")
	}
	b.WriteString("SEARCH")
	if c.Charset != "" {
		b.WriteString(" CHARSET " + c.Charset)
	}
	b.WriteString(" " + c.Criteria.String())
	return b.String()
}

type Fetch struct {
	Set   SeqSet
	Attrs []FetchAttr
	ByUID bool
}

func (*Fetch) Group() Group { return GroupSelected }
func (*Fetch) Name() string { return "FETCH" }
func (c *Fetch) String() string {
	var b strings.Builder
	if c.ByUID {
		b.WriteString("UID ")
	}
	attrs := make([]string, len(c.Attrs))
	for i, a := range c.Attrs {
		attrs[i] = a.String()
	}
	b.WriteString("FETCH " + c.Set.String() + " (" + strings.Join(attrs, " ") + ")")
	return b.String()
}

type Store struct {
	Set    SeqSet
	Op     FlagOp
	Silent bool
	Flags  []string
	ByUID  bool
}

func (*Store) Group() Group { return GroupSelected }
func (*Store) Name() string { return "STORE" }
func (c *Store) String() string {
	var b strings.Builder
	if c.ByUID {
		b.WriteString("UID ")
	}
	b.WriteString("STORE " + c.Set.String() + " " + c.Op.String())
	if c.Silent {
		b.WriteString(".SILENT")
	}
	b.WriteString(" (" + strings.Join(c.Flags, " ") + ")")
	return b.String()
}

type Copy struct {
	Set     SeqSet
	Mailbox string
	ByUID   bool
}

func (*Copy) Group() Group { return GroupSelected }
func (*Copy) Name() string { return "COPY" }
func (c *Copy) String() string {
	var b strings.Builder
	if c.ByUID {
		b.WriteString("UID ")
	}
	b.WriteString("COPY " + c.Set.String() + " " + Quote(c.Mailbox))
	return b.String()
}

// ===== Search criteria =====

// SearchNode is one node of the SEARCH criteria tree.
type SearchNode interface {
	String() string
	searchNode()
}

// SearchKey is a single criterion, e.g. UNSEEN, or HEADER with its
// arguments, or a bare sequence set kept verbatim in Key.
type SearchKey struct {
	Key  string
	Args []string
}

func (*SearchKey) searchNode() {}
func (k *SearchKey) String() string {
	if len(k.Args) == 0 {
		return k.Key
	}
	args := make([]string, len(k.Args))
	for i, a := range k.Args {
		args[i] = Quote(a)
	}
	return k.Key + " " + strings.Join(args, " ")
}

// SearchList is an implicit AND over its children.
type SearchList struct {
	Nodes []SearchNode
}

func (*SearchList) searchNode() {}
func (l *SearchList) String() string {
	parts := make([]string, len(l.Nodes))
	for i, n := range l.Nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, " ") + ")"
}

type SearchNot struct {
	Node SearchNode
}

func (*SearchNot) searchNode() {}
func (n *SearchNot) String() string {
	return "NOT " + n.Node.String()
}

type SearchOr struct {
	Left  SearchNode
	Right SearchNode
}

func (*SearchOr) searchNode() {}
func (o *SearchOr) String() string {
	return "OR " + o.Left.String() + " " + o.Right.String()
}

// ===== Sequence sets =====

// SeqRange is one inclusive range of a sequence set. Zero means '*'.
type SeqRange struct {
	First uint32
	Last  uint32
}

// SeqSet is a parsed sequence set such as "1,3:5,7:*".
type SeqSet []SeqRange

func (s SeqSet) String() string {
	parts := make([]string, len(s))
	num := func(n uint32) string {
		if n == 0 {
			return "*"
		}
		return strconv.FormatUint(uint64(n), 10)
	}
	for i, r := range s {
		if r.First == r.Last {
			parts[i] = num(r.First)
		} else {
			parts[i] = num(r.First) + ":" + num(r.Last)
		}
	}
	return strings.Join(parts, ",")
}

// Contains reports whether n is in the set, with max substituted for '*'.
func (s SeqSet) Contains(n, max uint32) bool {
	for _, r := range s {
		first, last := r.First, r.Last
		if first == 0 {
			first = max
		}
		if last == 0 {
			last = max
		}
		if first > last {
			first, last = last, first
		}
		if n >= first && n <= last {
			return true
		}
	}
	return false
}

// ParseSeqSet parses a sequence set. The result keeps ranges as written;
// '*' is stored as zero.
func ParseSeqSet(s string) (SeqSet, error) {
	if s == "" {
		return nil, ErrInvalidSequence
	}
	var set SeqSet
	for _, part := range strings.Split(s, ",") {
		var r SeqRange
		var err error
		if i := strings.IndexByte(part, ':'); i >= 0 {
			r.First, err = parseSeqNumber(part[:i])
			if err != nil {
				return nil, err
			}
			r.Last, err = parseSeqNumber(part[i+1:])
			if err != nil {
				return nil, err
			}
		} else {
			r.First, err = parseSeqNumber(part)
			if err != nil {
				return nil, err
			}
			r.Last = r.First
		}
		set = append(set, r)
	}
	return set, nil
}

func parseSeqNumber(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, ErrInvalidSequence
	}
	return uint32(n), nil
}

// looksLikeSeqSet reports whether an atom has the shape of a sequence set.
func looksLikeSeqSet(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != ':' && c != ',' && c != '*' {
			return false
		}
	}
	return true
}
