package etl

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/segmentio/parquet-go"
	"github.com/spf13/afero"
)

// textReader yields input texts in file order. Next returns io.EOF once
// the input is exhausted and no texts are left.
type textReader interface {
	Next(n int) ([]string, error)
}

type csvReader struct {
	r   *csv.Reader
	col int
}

func newCSVReader(f io.Reader, column string) (*csvReader, error) {
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), column) {
			return &csvReader{r: r, col: i}, nil
		}
	}
	return nil, fmt.Errorf("CSV header %v has no %q column", header, column)
}

func (c *csvReader) Next(n int) ([]string, error) {
	texts := make([]string, 0, n)
	for len(texts) < n {
		record, err := c.r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}
		if c.col >= len(record) {
			texts = append(texts, "")
			continue
		}
		texts = append(texts, record[c.col])
	}
	if len(texts) == 0 {
		return nil, io.EOF
	}
	return texts, nil
}

type jsonlReader struct {
	scanner *bufio.Scanner
	column  string
	line    int
}

func newJSONLReader(f io.Reader, column string) *jsonlReader {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &jsonlReader{scanner: scanner, column: column}
}

func (j *jsonlReader) Next(n int) ([]string, error) {
	texts := make([]string, 0, n)
	for len(texts) < n && j.scanner.Scan() {
		j.line++
		line := strings.TrimSpace(j.scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return nil, fmt.Errorf("line %d: invalid JSON: %w", j.line, err)
		}
		text, ok := obj[j.column].(string)
		if !ok {
			return nil, fmt.Errorf("line %d: missing string field %q", j.line, j.column)
		}
		texts = append(texts, text)
	}
	if err := j.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	if len(texts) == 0 {
		return nil, io.EOF
	}
	return texts, nil
}

// parquetReader reads the "text" column of a Parquet file
type parquetReader struct {
	r   *parquet.GenericReader[InputRecord]
	buf []InputRecord
}

// newParquetReader opens f. The parquet package panics on malformed
// footers, which is reported as an error here.
func newParquetReader(f afero.File) (pr *parquetReader, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid Parquet input: %v", r)
		}
	}()
	return &parquetReader{r: parquet.NewGenericReader[InputRecord](f)}, nil
}

func (p *parquetReader) Next(n int) ([]string, error) {
	if cap(p.buf) < n {
		p.buf = make([]InputRecord, n)
	}
	rows := p.buf[:n]
	count, err := p.r.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read Parquet rows: %w", err)
	}
	if count == 0 {
		return nil, io.EOF
	}
	texts := make([]string, count)
	for i := 0; i < count; i++ {
		texts[i] = rows[i].Text
	}
	return texts, nil
}

func (p *parquetReader) Close() error {
	return p.r.Close()
}

func isEOF(err error) bool {
	return err == io.EOF
}
