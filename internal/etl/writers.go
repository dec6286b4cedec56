package etl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/segmentio/parquet-go"
)

// recordWriter appends embedded rows to the output
type recordWriter interface {
	Write(rows []OutputRecord) error
	Close() error
}

type jsonlWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func newJSONLWriter(w io.Writer) *jsonlWriter {
	bw := bufio.NewWriter(w)
	return &jsonlWriter{w: bw, enc: json.NewEncoder(bw)}
}

func (j *jsonlWriter) Write(rows []OutputRecord) error {
	for i := range rows {
		if err := j.enc.Encode(&rows[i]); err != nil {
			return fmt.Errorf("failed to write JSONL row: %w", err)
		}
	}
	return nil
}

func (j *jsonlWriter) Close() error {
	return j.w.Flush()
}

type parquetWriter struct {
	w *parquet.GenericWriter[OutputRecord]
}

func newParquetWriter(w io.Writer) *parquetWriter {
	return &parquetWriter{w: parquet.NewGenericWriter[OutputRecord](w)}
}

func (p *parquetWriter) Write(rows []OutputRecord) error {
	if _, err := p.w.Write(rows); err != nil {
		return fmt.Errorf("failed to write Parquet rows: %w", err)
	}
	return nil
}

func (p *parquetWriter) Close() error {
	return p.w.Close()
}

func newRecordWriter(format FileFormat, w io.Writer) (recordWriter, error) {
	switch format {
	case FormatParquet:
		return newParquetWriter(w), nil
	case FormatJSONL:
		return newJSONLWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (must be parquet or jsonl)", format)
	}
}
