package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func redactRecord(rec Record, salt []byte) Record {
	rec.Changed = hashEmails(rec.Changed, salt)
	rec.Skipped = hashEmails(rec.Skipped, salt)
	return rec
}

func hashEmails(emails []string, salt []byte) []string {
	if emails == nil {
		return nil
	}
	out := make([]string, len(emails))
	for i, e := range emails {
		out[i] = hashString(strings.ToLower(strings.TrimSpace(e)), salt)
	}
	return out
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(v))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
