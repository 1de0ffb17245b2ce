package models

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

// CanonicalVersion is written into every canonical form so the layout can
// evolve without making old checksums ambiguous.
const CanonicalVersion = "1"

// Canonicalize returns the deterministic byte form of every field except
// Checksum. Keys are written in lexical order, detail keys are sorted, absent
// optional values are written as "" and timestamps are UTC RFC3339Nano.
func Canonicalize(e Event) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeKV(buf, "action", string(e.Action))
	writeKV(buf, "actor_id", e.ActorID)
	writeKV(buf, "actor_name", e.ActorName)
	writeKV(buf, "actor_role", e.ActorRole)
	writeKV(buf, "category", string(e.Category))
	writeDetails(buf, e.Details)
	writeKVRaw(buf, "flagged", strconv.FormatBool(e.Flagged))
	writeKV(buf, "id", e.ID.String())
	writeKV(buf, "occurred_at", e.OccurredAt.UTC().Format(time.RFC3339Nano))
	writeKV(buf, "patient_id", e.PatientID)
	writeKV(buf, "resource_id", e.ResourceID)
	writeKV(buf, "resource_type", string(e.ResourceType))
	writeKV(buf, "session_id", e.SessionID)
	writeKV(buf, "severity", string(e.Severity))
	writeKV(buf, "source_ip", e.SourceIP)
	writeKV(buf, "user_agent", e.UserAgent)
	writeJSONString(buf, "v")
	buf.WriteByte(':')
	writeJSONString(buf, CanonicalVersion)
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeDetails(buf *bytes.Buffer, details map[string]string) {
	writeJSONString(buf, "details")
	buf.WriteString(":{")
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, k)
		buf.WriteByte(':')
		writeJSONString(buf, details[k])
	}
	buf.WriteString("},")
}

func writeKV(buf *bytes.Buffer, key, value string) {
	writeJSONString(buf, key)
	buf.WriteByte(':')
	writeJSONString(buf, value)
	buf.WriteByte(',')
}

func writeKVRaw(buf *bytes.Buffer, key, raw string) {
	writeJSONString(buf, key)
	buf.WriteByte(':')
	buf.WriteString(raw)
	buf.WriteByte(',')
}

// writeJSONString escapes like JSON, except invalid UTF-8 bytes are written
// as \xNN so two different byte strings never share a canonical form.
func writeJSONString(buf *bytes.Buffer, value string) {
	buf.WriteByte('"')
	for i := 0; i < len(value); {
		r, size := utf8.DecodeRuneInString(value[i:])
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(buf, `\x%02x`, value[i])
			i++
			continue
		}
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
		i += size
	}
	buf.WriteByte('"')
}
