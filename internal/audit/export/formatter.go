// Package export serialises query results for auditors. Values are escaped
// for the target format but never reinterpreted; checksums pass through as
// opaque strings so they can be verified independently. The one alteration
// is the CSV formula prefix, which each row declares in its "neutralised"
// column.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mssola/useragent"
	"gopkg.in/yaml.v3"

	"auditvault/internal/audit/models"
	dErrors "auditvault/pkg/domain-errors"
)

// Format is an export representation.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatJSON   Format = "json"
	FormatYAML   Format = "yaml"
	FormatReport Format = "report"
)

// ParseFormat constructs a Format from external input; empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatJSON, FormatYAML, FormatReport:
		return f, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "unsupported export format: "+s)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	case FormatReport:
		return "text/plain; charset=utf-8"
	default:
		return "text/csv; charset=utf-8"
	}
}

func (f Format) Extension() string {
	if f == FormatReport {
		return "txt"
	}
	return string(f)
}

// Columns is the fixed CSV header. The trailing "neutralised" column lists,
// separated by ';', the columns of that row whose value was prefixed with
// ' to stop spreadsheet formula evaluation. Strip the prefix from those
// columns to recover the stored value.
var Columns = []string{
	"id", "occurred_at", "actor_id", "actor_name", "actor_role", "action",
	"resource_type", "resource_id", "patient_id", "severity", "category",
	"flagged", "source_ip", "user_agent", "session_id", "details", "checksum",
	"neutralised",
}

// freeText holds the columns that carry caller-supplied text.
var freeText = map[string]bool{
	"actor_id": true, "actor_name": true, "actor_role": true, "resource_id": true,
	"patient_id": true, "source_ip": true, "user_agent": true, "session_id": true,
	"details": true,
}

type envelope struct {
	GeneratedAt time.Time      `json:"generated_at" yaml:"generated_at"`
	Count       int            `json:"count" yaml:"count"`
	Events      []models.Event `json:"events" yaml:"events"`
}

// Formatter writes events in one of the supported formats.
type Formatter struct {
	now func() time.Time
}

func NewFormatter(now func() time.Time) *Formatter {
	if now == nil {
		now = time.Now
	}
	return &Formatter{now: now}
}

// Write serialises events to w in format f.
func (f *Formatter) Write(w io.Writer, format Format, events []models.Event) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, events)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(f.envelope(events))
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(f.envelope(events)); err != nil {
			return fmt.Errorf("encode yaml export: %w", err)
		}
		return enc.Close()
	case FormatReport:
		return f.writeReport(w, events)
	default:
		return dErrors.New(dErrors.CodeValidation, "unsupported export format: "+string(format))
	}
}

func (f *Formatter) envelope(events []models.Event) envelope {
	if events == nil {
		events = []models.Event{}
	}
	return envelope{GeneratedAt: f.now().UTC(), Count: len(events), Events: events}
}

func writeCSV(w io.Writer, events []models.Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range events {
		row := []string{
			e.ID.String(),
			e.OccurredAt.UTC().Format(time.RFC3339Nano),
			e.ActorID,
			e.ActorName,
			e.ActorRole,
			string(e.Action),
			string(e.ResourceType),
			e.ResourceID,
			e.PatientID,
			string(e.Severity),
			string(e.Category),
			strconv.FormatBool(e.Flagged),
			e.SourceIP,
			e.UserAgent,
			e.SessionID,
			encodeDetails(e.Details),
			e.Checksum,
		}
		var neutralised []string
		for i, v := range row {
			if freeText[Columns[i]] && isFormula(v) {
				row[i] = "'" + v
				neutralised = append(neutralised, Columns[i])
			}
		}
		row = append(row, strings.Join(neutralised, ";"))
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// isFormula reports whether a spreadsheet would evaluate s. Quoting and
// delimiter escaping is left to encoding/csv.
func isFormula(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return true
	}
	return false
}

// encodeDetails renders details as sorted k=v pairs separated by ';'.
// Backslash escapes the separators inside keys and values.
func encodeDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	esc := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `=`, `\=`)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(esc.Replace(k))
		b.WriteByte('=')
		b.WriteString(esc.Replace(details[k]))
	}
	return b.String()
}

func (f *Formatter) writeReport(w io.Writer, events []models.Event) error {
	flagged := 0
	for _, e := range events {
		if e.Flagged {
			flagged++
		}
	}
	if _, err := fmt.Fprintf(w, "AUDIT TRAIL REPORT\nGenerated: %s\nEvents: %d (flagged: %d)\n\n",
		f.now().UTC().Format(time.RFC3339), len(events), flagged); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FLAG\tTIME (UTC)\tACTOR\tROLE\tACTION\tRESOURCE\tPATIENT\tSEVERITY\tCLIENT\tCHECKSUM")
	for _, e := range events {
		mark := ""
		if e.Flagged {
			mark = "!!"
		}
		resource := string(e.ResourceType)
		if e.ResourceID != "" {
			resource += "/" + e.ResourceID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			mark,
			e.OccurredAt.UTC().Format("2006-01-02 15:04:05"),
			plain(e.ActorName+" ("+e.ActorID+")"),
			plain(e.ActorRole),
			e.Action,
			plain(resource),
			orDash(plain(e.PatientID)),
			e.Severity,
			SummarizeUserAgent(e.UserAgent),
			e.Checksum,
		)
	}
	return tw.Flush()
}

// SummarizeUserAgent renders a user agent as "Browser on OS".
func SummarizeUserAgent(raw string) string {
	if raw == "" {
		return "-"
	}
	ua := useragent.New(raw)
	if ua.Bot() {
		name, _ := ua.Browser()
		return plain("bot " + name)
	}
	name, _ := ua.Browser()
	os := ua.OS()
	switch {
	case name == "" && os == "":
		return "unknown"
	case os == "":
		return plain(name)
	case name == "":
		return plain("unknown on " + os)
	}
	return plain(name + " on " + os)
}

// plain keeps report cells on one line and inside their column.
func plain(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
