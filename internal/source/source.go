// Package source reads knowledge base snapshots.
//
// A Provider returns the complete current content on every call; the sync
// engine computes the delta itself.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
)

// Provider returns a full snapshot of source rows.
type Provider interface {
	Fetch(ctx context.Context) ([]knowledge.Row, error)
}

// File is one CSV export. Category fills rows whose category cell is empty.
type File struct {
	Path     string
	Category string
}

// CSVProvider reads one or more CSV exports.
// Any unreadable file fails the whole fetch: a partial snapshot would look
// like mass deletion to the change detector.
type CSVProvider struct {
	files     []File
	delimiter rune
	logger    *slog.Logger
}

// CSVOption configures a CSVProvider.
type CSVOption func(*CSVProvider)

// WithDelimiter forces the delimiter instead of detecting it.
func WithDelimiter(d rune) CSVOption {
	return func(p *CSVProvider) {
		p.delimiter = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CSVOption {
	return func(p *CSVProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewCSVProvider creates a provider for files.
func NewCSVProvider(files []File, opts ...CSVOption) *CSVProvider {
	p := &CSVProvider{
		files:  files,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch reads every file and returns the rows in file order.
func (p *CSVProvider) Fetch(ctx context.Context) ([]knowledge.Row, error) {
	if len(p.files) == 0 {
		return nil, fmt.Errorf("no source files configured")
	}

	var rows []knowledge.Row
	for _, f := range p.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fileRows, err := p.readFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Path, err)
		}
		p.logger.Debug("source file loaded",
			slog.String("path", f.Path),
			slog.Int("rows", len(fileRows)))
		rows = append(rows, fileRows...)
	}
	return rows, nil
}

func (p *CSVProvider) readFile(f File) ([]knowledge.Row, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	return ReadCSV(fh, f.Path, f.Category, p.delimiter)
}

// column aliases, lowercase
var columnAliases = map[string]string{
	"category":    "category",
	"subcategory": "group",
	"group":       "group",
	"button_text": "label",
	"label":       "label",
	"keywords":    "keywords",
	"answer_ukr":  "answer_ukr",
	"answer_uk":   "answer_ukr",
	"answer_rus":  "answer_rus",
	"answer_ru":   "answer_rus",
	"sort_order":  "rank",
	"rank_hint":   "rank",
}

// DetectDelimiter returns ';' if the sample contains one, otherwise ','.
func DetectDelimiter(sample []byte) rune {
	if bytes.IndexByte(sample, ';') >= 0 {
		return ';'
	}
	return ','
}

const sniffSize = 1024

// ReadCSV parses one export. A zero delimiter means detect from the first
// 1024 bytes. name is used in rows and errors only.
func ReadCSV(r io.Reader, name, defaultCategory string, delimiter rune) ([]knowledge.Row, error) {
	br := bufio.NewReaderSize(r, 4*sniffSize)
	// Excel exports start with a UTF-8 BOM.
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	if delimiter == 0 {
		sample, _ := br.Peek(sniffSize)
		delimiter = DetectDelimiter(sample)
	}

	cr := csv.NewReader(br)
	cr.Comma = delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int)
	for i, h := range header {
		if field, ok := columnAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, seen := index[field]; !seen {
				index[field] = i
			}
		}
	}
	if _, ok := index["keywords"]; !ok {
		return nil, fmt.Errorf("missing keywords column")
	}
	_, hasUkr := index["answer_ukr"]
	_, hasRus := index["answer_rus"]
	if !hasUkr && !hasRus {
		return nil, fmt.Errorf("missing answer columns")
	}

	var rows []knowledge.Row
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		if blank(rec) {
			continue
		}
		cell := func(field string) string {
			i, ok := index[field]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		row := knowledge.Row{
			Category:        cell("category"),
			Group:           cell("group"),
			Label:           cell("label"),
			Keywords:        cell("keywords"),
			AnswerUkrainian: cell("answer_ukr"),
			AnswerRussian:   cell("answer_rus"),
			RankHint:        cell("rank"),
			Line:            line,
			File:            name,
		}
		if row.Category == "" {
			row.Category = defaultCategory
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
