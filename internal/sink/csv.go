package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/route-extrapolator/internal/engine"
	"github.com/route-beacon/route-extrapolator/internal/graph"
)

// CSVSink writes result rows as CSV lines in the fixed schema
// asn,prefix,origin,priority,received_from_asn. It also accepts inverse and
// round rows, so one sink value can back every output of a run.
type CSVSink struct {
	file io.WriteCloser
	zw   *zstd.Encoder
	w    *csv.Writer
}

// NewFileSink opens (truncating) a CSV file sink, optionally zstd-compressed.
func NewFileSink(path string, compress bool) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: creating %s: %w", path, err)
	}
	s := &CSVSink{file: f}
	if compress {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("sink: zstd writer: %w", err)
		}
		s.zw = zw
		s.w = csv.NewWriter(zw)
	} else {
		s.w = csv.NewWriter(f)
	}
	return s, nil
}

// NewWriterSink wraps an arbitrary writer, for tests and stdout dumps.
func NewWriterSink(w io.Writer) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w)}
}

func (s *CSVSink) WriteRow(_ context.Context, row engine.Row) error {
	record := []string{
		strconv.FormatUint(uint64(row.ASN), 10),
		row.Prefix.String(),
		strconv.FormatUint(uint64(row.Origin), 10),
		strconv.FormatUint(uint64(row.Priority), 10),
		strconv.FormatUint(uint64(row.ReceivedFrom), 10),
	}
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("sink: csv write: %w", err)
	}
	return nil
}

func (s *CSVSink) WriteInverseRow(_ context.Context, prefix graph.Prefix, origin, asn uint32) error {
	record := []string{
		prefix.String(),
		strconv.FormatUint(uint64(origin), 10),
		strconv.FormatUint(uint64(asn), 10),
	}
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("sink: csv write: %w", err)
	}
	return nil
}

func (s *CSVSink) WriteRound(_ context.Context, round, successful, total int) error {
	probability := 0.0
	if total > 0 {
		probability = float64(successful) / float64(total)
	}
	record := []string{
		strconv.Itoa(round),
		strconv.Itoa(successful),
		strconv.Itoa(total),
		strconv.FormatFloat(probability, 'f', 6, 64),
	}
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("sink: csv write: %w", err)
	}
	return nil
}

// Close flushes the CSV buffer and the compressor, then closes the file.
func (s *CSVSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("sink: csv flush: %w", err)
	}
	if s.zw != nil {
		if err := s.zw.Close(); err != nil {
			return fmt.Errorf("sink: zstd close: %w", err)
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("sink: close: %w", err)
		}
	}
	return nil
}
