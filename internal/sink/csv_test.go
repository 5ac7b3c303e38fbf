package sink

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/route-extrapolator/internal/engine"
	"github.com/route-beacon/route-extrapolator/internal/graph"
)

func readZstdLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var lines []string
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func TestCSVSink_ResultRow(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	p, _ := graph.ParsePrefix("137.99.0.0", "255.255.0.0")
	err := s.WriteRow(context.Background(), engine.Row{
		ASN:          701,
		Prefix:       p,
		Origin:       5,
		Priority:     298,
		ReceivedFrom: 3356,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := strings.TrimSpace(buf.String())
	want := "701,137.99.0.0/16,5,298,3356"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestCSVSink_InverseRow(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	p, _ := graph.ParsePrefix("10.0.0.0", "255.0.0.0")
	if err := s.WriteInverseRow(context.Background(), p, 5, 701); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := strings.TrimSpace(buf.String())
	if got != "10.0.0.0/8,5,701" {
		t.Errorf("unexpected inverse row %q", got)
	}
}

func TestCSVSink_RoundRow(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	if err := s.WriteRound(context.Background(), 3, 1, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := strings.TrimSpace(buf.String())
	if got != "3,1,4,0.250000" {
		t.Errorf("unexpected round row %q", got)
	}
}

func TestCSVSink_RoundRow_ZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	if err := s.WriteRound(context.Background(), 1, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "1,0,0,0.000000" {
		t.Errorf("unexpected row %q", got)
	}
}

func TestFileSink_CompressedRoundTrip(t *testing.T) {
	path := t.TempDir() + "/results.csv.zst"
	s, err := NewFileSink(path, true)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}

	p, _ := graph.ParsePrefix("10.0.0.0", "255.0.0.0")
	for asn := uint32(1); asn <= 3; asn++ {
		if err := s.WriteRow(context.Background(), engine.Row{
			ASN: asn, Prefix: p, Origin: 1, Priority: 299, ReceivedFrom: 1,
		}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines, err := readZstdLines(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 rows, got %d: %v", len(lines), lines)
	}
	if lines[0] != "1,10.0.0.0/8,1,299,1" {
		t.Errorf("unexpected first row %q", lines[0])
	}
}
