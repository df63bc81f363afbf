package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"breakglass/pkg/failure"
)

const policy = `{
    "Resources": {
        "Aws": [
            {
                "AccountId": "1",
                "Production": true,
                "BreakGlass": {
                    "Write": [
                        {
                            "Email": "a@x.com",
                            "Expiry": "2020-01-01T00:00:00Z"
                        }
                    ]
                }
            }
        ]
    }
}
`

func writePolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payments.json")
	if err := os.WriteFile(path, []byte(policy), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestReconcileDryRun(t *testing.T) {
	path := writePolicy(t)
	out, err := execute(t, "reconcile", "--file", path, "--email", "a@x.com", "--email", "b@x.com", "--now", "2026-10-15T09:30:00Z")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, want := range []string{"added     b@x.com", "refreshed a@x.com", `"Expiry": "2026-10-22T09:30:00Z"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != policy {
		t.Fatal("dry run modified the file")
	}
}

func TestReconcileWrite(t *testing.T) {
	path := writePolicy(t)
	out, err := execute(t, "reconcile", "--file", path, "--email", "a@x.com", "--now", "2026-10-15T09:30:00Z", "--write")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out, "wrote "+path) {
		t.Fatalf("unexpected output: %s", out)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != strings.Replace(policy, "2020-01-01T00:00:00Z", "2026-10-22T09:30:00Z", 1) {
		t.Fatalf("unexpected file:\n%s", raw)
	}

	out, err = execute(t, "reconcile", "--file", path, "--email", "a@x.com", "--now", "2026-10-15T09:30:00Z", "--write")
	if err != nil || strings.TrimSpace(out) != "no changes" {
		t.Fatalf("expected idempotent second run, got %q %v", out, err)
	}
}

func TestReconcileErrors(t *testing.T) {
	path := writePolicy(t)
	if _, err := execute(t, "reconcile", "--email", "a@x.com"); err == nil {
		t.Fatal("expected missing --file error")
	}
	if _, err := execute(t, "reconcile", "--file", path, "--now", "yesterday"); err == nil {
		t.Fatal("expected --now parse error")
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte(`{"Resources": 1}`), 0o600)
	if _, err := execute(t, "reconcile", "--file", bad, "--email", "a@x.com"); !errors.Is(err, failure.ErrMalformedDocument) {
		t.Fatalf("expected malformed document, got %v", err)
	}
}

func TestEntries(t *testing.T) {
	path := writePolicy(t)
	out, err := execute(t, "entries", "--file", path)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if out != "a@x.com\t2020-01-01T00:00:00Z\n" {
		t.Fatalf("unexpected output: %q", out)
	}
	out, err = execute(t, "entries", "--file", path, "--json")
	if err != nil || !strings.Contains(out, `"email": "a@x.com"`) {
		t.Fatalf("unexpected json output: %q %v", out, err)
	}
}
