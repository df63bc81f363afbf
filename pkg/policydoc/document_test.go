package policydoc

import (
	"errors"
	"strings"
	"testing"
	"time"

	"breakglass/pkg/failure"
)

const canonicalDoc = `{
    "Name": "payments",
    "Resources": {
        "Aws": [
            {
                "AccountId": "111111111111",
                "Production": false,
                "BreakGlass": {
                    "Write": [
                        {
                            "Email": "dev@x.com",
                            "Expiry": "2024-01-01T00:00:00Z"
                        }
                    ]
                }
            },
            {
                "AccountId": "222222222222",
                "Production": true,
                "Weight": 1.50,
                "Tags": [],
                "Meta": {},
                "Note": "a <b> & c",
                "BreakGlass": {
                    "Write": [
                        {
                            "Email": "a@x.com",
                            "Expiry": "2024-02-01T10:00:00Z",
                            "Ticket": "OPS-1"
                        },
                        {
                            "Email": "b@x.com",
                            "Expiry": "not-a-date"
                        }
                    ]
                }
            }
        ]
    },
    "Owner": null
}
`

func TestRoundTripIsByteIdentical(t *testing.T) {
	doc, err := Parse([]byte(canonicalDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := string(doc.Serialize()); got != canonicalDoc {
		t.Fatalf("round trip mismatch:\n%s", got)
	}
}

func TestSerializeNormalizesLayout(t *testing.T) {
	doc, err := Parse([]byte(`{"b":1,"a":[true,{"x":"y"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "{\n    \"b\": 1,\n    \"a\": [\n        true,\n        {\n            \"x\": \"y\"\n        }\n    ]\n}\n"
	if got := string(doc.Serialize()); got != want {
		t.Fatalf("unexpected layout:\n%q", got)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":       `{"Resources": `,
		"array root":         `[]`,
		"trailing data":      `{} {}`,
		"resources scalar":   `{"Resources": 3}`,
		"aws object":         `{"Resources": {"Aws": {}}}`,
		"account scalar":     `{"Resources": {"Aws": ["x"]}}`,
		"breakglass list":    `{"Resources": {"Aws": [{"BreakGlass": []}]}}`,
		"write object":       `{"Resources": {"Aws": [{"BreakGlass": {"Write": {}}}]}}`,
		"write entry scalar": `{"Resources": {"Aws": [{"BreakGlass": {"Write": [1]}}]}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); !errors.Is(err, failure.ErrMalformedDocument) {
				t.Fatalf("expected ErrMalformedDocument, got %v", err)
			}
		})
	}
}

func TestEntriesForProductionOnly(t *testing.T) {
	doc, err := Parse([]byte(canonicalDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entries, err := doc.EntriesFor()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 production entries, got %d", len(entries))
	}
	if entries[0].Email != "a@x.com" || !entries[0].Expiry.Equal(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if !entries[1].Expiry.IsZero() || entries[1].RawExpiry != "not-a-date" {
		t.Fatalf("expected unparsable expiry kept raw, got %+v", entries[1])
	}
	if got := Emails(entries); strings.Join(got, ",") != "a@x.com,b@x.com" {
		t.Fatalf("unexpected emails: %v", got)
	}
}

func TestEntriesForNoProductionAccount(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`{"Resources": {}}`,
		`{"Resources": {"Aws": [{"Production": false}, {"Production": "true"}]}}`,
	} {
		doc, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if _, err := doc.EntriesFor(); !errors.Is(err, failure.ErrNoProductionAccount) {
			t.Fatalf("expected ErrNoProductionAccount for %s, got %v", raw, err)
		}
	}
}

func TestMissingBreakGlassEqualsEmptyWrite(t *testing.T) {
	a, _ := Parse([]byte(`{"Resources": {"Aws": [{"Production": true}]}}`))
	b, _ := Parse([]byte(`{"Resources": {"Aws": [{"Production": true, "BreakGlass": {"Write": []}}]}}`))
	ea, errA := a.EntriesFor()
	eb, errB := b.EntriesFor()
	if errA != nil || errB != nil {
		t.Fatalf("unexpected errors: %v %v", errA, errB)
	}
	if len(ea) != 0 || len(eb) != 0 {
		t.Fatalf("expected no entries, got %v and %v", ea, eb)
	}
}

func TestAppendEntryCreatesSection(t *testing.T) {
	doc, _ := Parse([]byte(`{"Resources": {"Aws": [{"Production": true}]}}`))
	acct := doc.ProductionAccounts()[0]
	acct.AppendEntry("new@x.com", time.Date(2025, 3, 4, 5, 6, 7, 999, time.UTC))
	entries := acct.Entries()
	if len(entries) != 1 || entries[0].RawExpiry != "2025-03-04T05:06:07Z" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	doc, _ := Parse([]byte(canonicalDoc))
	clone := doc.Clone()
	clone.ProductionAccounts()[0].Refs()[0].SetExpiry(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if string(doc.Serialize()) != canonicalDoc {
		t.Fatal("mutating the clone changed the original")
	}
}

func TestPath(t *testing.T) {
	p, err := Path("payments")
	if err != nil || p != "teams/payments/payments.json" {
		t.Fatalf("unexpected path %q err %v", p, err)
	}
	for _, bad := range []string{"", " x", "../etc", "a/b", `a\b`, ".."} {
		if _, err := Path(bad); !errors.Is(err, failure.ErrInvalidTeam) {
			t.Fatalf("expected ErrInvalidTeam for %q, got %v", bad, err)
		}
	}
}
