// Package reconcile computes the edit that brings a team's policy document
// in line with the emails an operator confirmed. Entries are only ever
// refreshed or added; emails missing from the desired set keep their
// entries untouched.
package reconcile

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"breakglass/pkg/policydoc"
)

// TTL is the lifetime of every granted or refreshed entry.
const TTL = 7 * 24 * time.Hour

const DiagNoProductionAccount = "no production account; nothing to grant"

type Result struct {
	Document *policydoc.Document
	Output   []byte
	Changed  bool
	// Added and Refreshed list desired emails whose entry was created or
	// whose expiry moved, across all production accounts.
	Added       []string
	Refreshed   []string
	Diagnostics []string
}

// ChangedEmails is Added and Refreshed merged, in desired-set order.
func (r Result) ChangedEmails(desired []string) []string {
	touched := map[string]struct{}{}
	for _, e := range r.Added {
		touched[strings.ToLower(e)] = struct{}{}
	}
	for _, e := range r.Refreshed {
		touched[strings.ToLower(e)] = struct{}{}
	}
	var out []string
	for _, e := range Normalize(desired) {
		if _, ok := touched[strings.ToLower(e)]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Normalize trims emails, drops empties and collapses case-insensitive
// duplicates, keeping the first spelling.
func Normalize(emails []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		key := strings.ToLower(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Reconcile applies the desired set to a copy of doc. The input document is
// never modified. Changed is true iff the canonical output differs from the
// canonical encoding of the input.
func Reconcile(doc *policydoc.Document, desired []string, now time.Time) (Result, error) {
	if doc == nil {
		return Result{}, errors.New("reconcile: nil document")
	}
	before := doc.Serialize()
	work := doc.Clone()
	res := Result{Document: work}

	accounts := work.ProductionAccounts()
	if len(accounts) == 0 {
		res.Output = before
		res.Diagnostics = append(res.Diagnostics, DiagNoProductionAccount)
		return res, nil
	}

	wanted := Normalize(desired)
	expiry := now.UTC().Add(TTL)
	expiryText := policydoc.FormatExpiry(expiry)
	added := map[string]struct{}{}
	refreshed := map[string]struct{}{}
	want := map[string]struct{}{}
	for _, e := range wanted {
		want[strings.ToLower(e)] = struct{}{}
	}

	for _, acct := range accounts {
		seen := map[string]struct{}{}
		for _, ref := range acct.Refs() {
			key := strings.ToLower(strings.TrimSpace(ref.Email()))
			if _, ok := want[key]; !ok {
				continue
			}
			seen[key] = struct{}{}
			if ref.Entry().RawExpiry != expiryText {
				ref.SetExpiry(expiry)
				refreshed[key] = struct{}{}
			}
		}
		for _, e := range wanted {
			key := strings.ToLower(e)
			if _, ok := seen[key]; ok {
				continue
			}
			acct.AppendEntry(e, expiry)
			seen[key] = struct{}{}
			added[key] = struct{}{}
		}
	}

	for _, e := range wanted {
		key := strings.ToLower(e)
		if _, ok := added[key]; ok {
			res.Added = append(res.Added, e)
		} else if _, ok := refreshed[key]; ok {
			res.Refreshed = append(res.Refreshed, e)
		}
	}
	res.Output = work.Serialize()
	res.Changed = !bytes.Equal(res.Output, before)
	return res, nil
}
