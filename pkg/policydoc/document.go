// Package policydoc reads and writes per-team access policy files.
//
// A policy file is a JSON document whose Resources.Aws array lists AWS
// accounts. Accounts flagged "Production": true may carry a
// BreakGlass.Write list of {Email, Expiry} entries. Parsing keeps every key
// in source order and Serialize writes the canonical layout (4-space
// indent, trailing newline), so an untouched canonical file round-trips to
// identical bytes.
package policydoc

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"

	"breakglass/pkg/failure"
)

const (
	KeyResources  = "Resources"
	KeyAws        = "Aws"
	KeyProduction = "Production"
	KeyBreakGlass = "BreakGlass"
	KeyWrite      = "Write"
	KeyEmail      = "Email"
	KeyExpiry     = "Expiry"

	// ExpiryLayout is the on-disk timestamp format of Entry.Expiry.
	ExpiryLayout = "2006-01-02T15:04:05Z"
)

type Document struct {
	root *Node
}

type Entry struct {
	Email string
	// Expiry is zero when the stored value is missing or unparsable;
	// RawExpiry always holds the stored text.
	Expiry    time.Time
	RawExpiry string
}

// Parse decodes raw policy bytes. Structural problems (invalid JSON, a
// non-object root, Resources.Aws that is not a list of objects, a
// BreakGlass.Write that is not a list of objects) wrap
// failure.ErrMalformedDocument.
func Parse(raw []byte) (*Document, error) {
	root, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrMalformedDocument, err)
	}
	if root.Kind() != Object {
		return nil, fmt.Errorf("%w: root is not an object", failure.ErrMalformedDocument)
	}
	doc := &Document{root: root}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrMalformedDocument, err)
	}
	return doc, nil
}

func (d *Document) validate() error {
	resources := d.root.Get(KeyResources)
	if resources == nil {
		return nil
	}
	if resources.Kind() != Object {
		return fmt.Errorf("%s is not an object", KeyResources)
	}
	aws := resources.Get(KeyAws)
	if aws == nil {
		return nil
	}
	if aws.Kind() != Array {
		return fmt.Errorf("%s.%s is not a list", KeyResources, KeyAws)
	}
	for i, acct := range aws.Items() {
		if acct.Kind() != Object {
			return fmt.Errorf("%s.%s[%d] is not an object", KeyResources, KeyAws, i)
		}
		bg := acct.Get(KeyBreakGlass)
		if bg == nil {
			continue
		}
		if bg.Kind() != Object {
			return fmt.Errorf("%s.%s[%d].%s is not an object", KeyResources, KeyAws, i, KeyBreakGlass)
		}
		write := bg.Get(KeyWrite)
		if write == nil {
			continue
		}
		if write.Kind() != Array {
			return fmt.Errorf("%s.%s[%d].%s.%s is not a list", KeyResources, KeyAws, i, KeyBreakGlass, KeyWrite)
		}
		for j, e := range write.Items() {
			if e.Kind() != Object {
				return fmt.Errorf("%s.%s[%d].%s.%s[%d] is not an object", KeyResources, KeyAws, i, KeyBreakGlass, KeyWrite, j)
			}
		}
	}
	return nil
}

// Serialize encodes the document in canonical layout.
func (d *Document) Serialize() []byte {
	var buf bytes.Buffer
	encode(&buf, d.root, 0)
	buf.WriteByte('\n')
	return buf.Bytes()
}

func (d *Document) Clone() *Document {
	return &Document{root: d.root.Clone()}
}

func (d *Document) Root() *Node {
	return d.root
}

// Accounts lists every account under Resources.Aws, production or not.
func (d *Document) Accounts() []*Account {
	aws := d.root.Get(KeyResources).Get(KeyAws)
	items := aws.Items()
	out := make([]*Account, 0, len(items))
	for i, n := range items {
		out = append(out, &Account{Index: i, node: n})
	}
	return out
}

// ProductionAccounts lists the accounts eligible for break-glass entries.
func (d *Document) ProductionAccounts() []*Account {
	var out []*Account
	for _, a := range d.Accounts() {
		if a.Production() {
			out = append(out, a)
		}
	}
	return out
}

// EntriesFor returns the break-glass entries of every production account.
// A document without production accounts yields
// failure.ErrNoProductionAccount; production accounts without entries yield
// an empty slice.
func (d *Document) EntriesFor() ([]Entry, error) {
	accounts := d.ProductionAccounts()
	if len(accounts) == 0 {
		return nil, failure.ErrNoProductionAccount
	}
	entries := []Entry{}
	for _, a := range accounts {
		entries = append(entries, a.Entries()...)
	}
	return entries, nil
}

// Emails returns the distinct entry emails in document order.
func Emails(entries []Entry) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		key := strings.ToLower(e.Email)
		if e.Email == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e.Email)
	}
	return out
}

// Path returns the repository path of a team's policy file.
func Path(team string) (string, error) {
	if err := ValidateTeam(team); err != nil {
		return "", err
	}
	return path.Join("teams", team, team+".json"), nil
}

func ValidateTeam(team string) error {
	if team == "" || team != strings.TrimSpace(team) || team == "." || team == ".." ||
		strings.ContainsAny(team, "/\\") || strings.Contains(team, "..") {
		return fmt.Errorf("%w: %q", failure.ErrInvalidTeam, team)
	}
	return nil
}

type Account struct {
	Index int
	node  *Node
}

func (a *Account) Production() bool {
	v, ok := a.node.Get(KeyProduction).Bool()
	return ok && v
}

// Refs returns handles to the account's entries in list order.
func (a *Account) Refs() []EntryRef {
	items := a.node.Get(KeyBreakGlass).Get(KeyWrite).Items()
	out := make([]EntryRef, 0, len(items))
	for _, n := range items {
		out = append(out, EntryRef{node: n})
	}
	return out
}

func (a *Account) Entries() []Entry {
	refs := a.Refs()
	out := make([]Entry, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Entry())
	}
	return out
}

// AppendEntry adds a new entry, creating BreakGlass and Write when the
// account has neither.
func (a *Account) AppendEntry(email string, expiry time.Time) {
	bg := a.node.Get(KeyBreakGlass)
	if bg == nil {
		bg = NewObject()
		a.node.Set(KeyBreakGlass, bg)
	}
	write := bg.Get(KeyWrite)
	if write == nil {
		write = NewArray()
		bg.Set(KeyWrite, write)
	}
	entry := NewObject()
	entry.Set(KeyEmail, NewString(email))
	entry.Set(KeyExpiry, NewString(FormatExpiry(expiry)))
	write.Append(entry)
}

type EntryRef struct {
	node *Node
}

func (r EntryRef) Email() string {
	s, _ := r.node.Get(KeyEmail).Str()
	return s
}

func (r EntryRef) Entry() Entry {
	raw, _ := r.node.Get(KeyExpiry).Str()
	e := Entry{Email: r.Email(), RawExpiry: raw}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		e.Expiry = t.UTC()
	}
	return e
}

// SetExpiry overwrites the Expiry value, keeping its position among the
// entry's keys.
func (r EntryRef) SetExpiry(t time.Time) {
	r.node.Set(KeyExpiry, NewString(FormatExpiry(t)))
}

func FormatExpiry(t time.Time) string {
	return t.UTC().Format(ExpiryLayout)
}
