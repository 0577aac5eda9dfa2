package record

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	"github.com/boutros/marc"

	"github.com/shubhsaxena/bibmatch/internal/models"
)

var (
	xmlHeader = []byte(`<?xml version="1.0" encoding="UTF-8"?>` + "\n" + `<collection xmlns="http://www.loc.gov/MARC21/slim">` + "\n")
	xmlFooter = []byte("</collection>\n")

	textMARCLineRe = regexp.MustCompile(`^(\d{9}) (LDR|\d{3})([0-9a-zA-Z_ ]{0,2}) ?(.*)$`)
)

// ReadAll decodes every record in r. The format is detected from the first
// bytes: ISO2709, line-MARC and MARCXML go through the MARC decoder, the
// legacy text-MARC line format is converted here. Records that fail to decode
// are reported as rejected with their position in the input.
func ReadAll(r io.Reader) ([]marc.Record, []models.RejectedRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading records: %w", err)
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) == 0 {
		return nil, nil, nil
	}
	if textMARCLineRe.Match(firstLine(trimmed)) {
		recs, rejected := parseTextMARC(trimmed)
		return recs, rejected, nil
	}

	sniff := trimmed
	if len(sniff) > 64 {
		sniff = sniff[:64]
	}
	format := marc.DetectFormat(sniff)
	switch format {
	case marc.MARC, marc.LineMARC, marc.MARCXML:
	default:
		return nil, nil, fmt.Errorf("unknown record format")
	}

	var (
		recs     []marc.Record
		rejected []models.RejectedRecord
	)
	dec := marc.NewDecoder(bytes.NewReader(trimmed), format)
	for rec, err := dec.Decode(); err != io.EOF; rec, err = dec.Decode() {
		if err != nil {
			// The decoder cannot resynchronise after a broken record.
			rejected = append(rejected, models.RejectedRecord{Index: len(recs), Reason: err.Error()})
			break
		}
		recs = append(recs, rec)
	}
	return recs, rejected, nil
}

// Reindex rewrites the indices of res, which count only the decoded records
// ReadAll returned, as positions in the input it read. The decode rejections
// are merged in and all rejections end up in input order.
func Reindex(res *models.BatchResult, decoded int, rejected []models.RejectedRecord) {
	skip := make(map[int]bool, len(rejected))
	for _, r := range rejected {
		skip[r.Index] = true
	}
	pos := make([]int, 0, decoded)
	for i := 0; len(pos) < decoded; i++ {
		if !skip[i] {
			pos = append(pos, i)
		}
	}
	at := func(i int) int {
		if i >= 0 && i < len(pos) {
			return pos[i]
		}
		return i
	}

	for _, part := range [][]models.RecordResult{res.New, res.Matched, res.Ambiguous, res.Fuzzy} {
		for i := range part {
			part[i].Index = at(part[i].Index)
		}
	}
	merged := make([]models.RejectedRecord, 0, len(rejected)+len(res.Rejected))
	merged = append(merged, rejected...)
	for _, r := range res.Rejected {
		r.Index = at(r.Index)
		merged = append(merged, r)
	}
	slices.SortStableFunc(merged, func(a, b models.RejectedRecord) int {
		return a.Index - b.Index
	})
	res.Rejected = merged
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return bytes.TrimRight(b[:i], "\r")
	}
	return b
}

func parseTextMARC(data []byte) ([]marc.Record, []models.RejectedRecord) {
	var (
		recs     []marc.Record
		rejected []models.RejectedRecord
		cur      *marc.Record
		curID    string
		broken   string
	)
	flush := func() {
		if cur == nil {
			return
		}
		if broken != "" {
			rejected = append(rejected, models.RejectedRecord{Index: len(recs) + len(rejected), Reason: broken})
		} else {
			recs = append(recs, *cur)
		}
		cur, broken = nil, ""
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := textMARCLineRe.FindStringSubmatch(line)
		if m == nil {
			if cur != nil && broken == "" {
				broken = fmt.Sprintf("malformed line %q", line)
			}
			continue
		}
		if cur == nil || m[1] != curID {
			flush()
			cur, curID = &marc.Record{}, m[1]
		}
		tag, inds, rest := m[2], m[3], m[4]
		switch {
		case tag == "LDR":
			cur.Leader = rest
		case strings.HasPrefix(tag, "00"):
			cur.CtrlFields = append(cur.CtrlFields, marc.CField{Tag: tag, Value: rest})
		default:
			df, err := parseTextMARCField(tag, inds, rest)
			if err != nil {
				if broken == "" {
					broken = err.Error()
				}
				continue
			}
			cur.DataFields = append(cur.DataFields, df)
		}
	}
	flush()
	return recs, rejected
}

func parseTextMARCField(tag, inds, rest string) (marc.DField, error) {
	inds = (inds + "__")[:2]
	df := marc.DField{Tag: tag, Ind1: blankIndicator(inds[0:1]), Ind2: blankIndicator(inds[1:2])}
	if !strings.HasPrefix(rest, "$$") {
		return df, fmt.Errorf("field %s has no subfields", tag)
	}
	for _, part := range strings.Split(rest[2:], "$$") {
		if part == "" {
			continue
		}
		df.SubFields = append(df.SubFields, marc.SubField{Code: part[:1], Value: part[1:]})
	}
	return df, nil
}

func blankIndicator(s string) string {
	if s == "_" {
		return " "
	}
	return s
}

func textIndicator(s string) string {
	if strings.TrimSpace(s) == "" {
		return "_"
	}
	return s
}

// TextMARC renders rec one field per line, e.g. "245__ $$aTitle$$bSub".
func TextMARC(rec marc.Record) string {
	var b strings.Builder
	if rec.Leader != "" {
		b.WriteString("LDR   ")
		b.WriteString(rec.Leader)
		b.WriteByte('\n')
	}
	for _, cf := range rec.CtrlFields {
		fmt.Fprintf(&b, "%s__ %s\n", cf.Tag, cf.Value)
	}
	for _, df := range rec.DataFields {
		b.WriteString(df.Tag)
		b.WriteString(textIndicator(df.Ind1))
		b.WriteString(textIndicator(df.Ind2))
		b.WriteByte(' ')
		for _, sf := range df.SubFields {
			b.WriteString("$$")
			b.WriteString(sf.Code)
			b.WriteString(sf.Value)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Writer emits a MARCXML collection, each record preceded by its matching
// annotation comments.
type Writer struct {
	w       io.Writer
	enc     *marc.Encoder
	started bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, enc: marc.NewEncoder(w, marc.MARCXML)}
}

func (w *Writer) start() error {
	if w.started {
		return nil
	}
	w.started = true
	_, err := w.w.Write(xmlHeader)
	return err
}

func (w *Writer) Write(rec marc.Record, ann *models.Annotation) error {
	if err := w.start(); err != nil {
		return err
	}
	if ann != nil {
		if _, err := io.WriteString(w.w, AnnotationComments(*ann)); err != nil {
			return err
		}
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	w.enc.Flush()
	_, err := w.w.Write([]byte("\n"))
	return err
}

// Close terminates the collection. It does not close the underlying writer.
func (w *Writer) Close() error {
	if err := w.start(); err != nil {
		return err
	}
	_, err := w.w.Write(xmlFooter)
	return err
}

// AnnotationComments renders ann as the comment block placed above a record.
func AnnotationComments(ann models.Annotation) string {
	var b strings.Builder
	b.WriteString("<!-- BibMatch-Matching-Results: -->\n")
	fmt.Fprintf(&b, "<!-- BibMatch-Matching-Mode: %s -->\n", ann.Classification)
	if ann.Query != "" {
		fmt.Fprintf(&b, "<!-- BibMatch-Matching-Criteria: %s -->\n", commentSafe(ann.Query))
	}
	for _, id := range ann.Candidates {
		fmt.Fprintf(&b, "<!-- BibMatch-Matching-Found: %s -->\n", commentSafe(id))
	}
	return b.String()
}

// XML comments may not contain "--".
func commentSafe(s string) string {
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "- -")
	}
	return s
}
