package logstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ashureev/personagate/internal/domain"
)

const maxLineSize = 8 << 20

// ReadInteractions returns every parseable interaction record in r, in
// partition then write order.
func (s *Store) ReadInteractions(ctx context.Context, r DateRange) ([]domain.LogEntry, error) {
	parts, err := s.Partitions(KindInteraction, r)
	if err != nil {
		return nil, err
	}
	return readPartitions[domain.LogEntry](ctx, s, parts)
}

// ReadUsage returns every parseable usage record in r.
func (s *Store) ReadUsage(ctx context.Context, r DateRange) ([]domain.UsageRecord, error) {
	parts, err := s.Partitions(KindUsage, r)
	if err != nil {
		return nil, err
	}
	return readPartitions[domain.UsageRecord](ctx, s, parts)
}

func readPartitions[T any](ctx context.Context, s *Store, parts []Partition) ([]T, error) {
	var out []T
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, skipped, err := readPartition[T](p.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if skipped > 0 {
			s.logger.Debug("skipped malformed log lines", "partition", p.Path, "skipped", skipped)
		}
		out = append(out, records...)
	}
	return out, nil
}

// readPartition decodes one record per line. Lines that are not a JSON
// object, including a trailing line still being written or one longer than
// maxLineSize, are skipped.
func readPartition[T any](path string) ([]T, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var (
		out     []T
		skipped int
		buf     []byte
	)
	br := bufio.NewReaderSize(f, 64*1024)
	for {
		var tooLong bool
		buf, tooLong, err = readLine(br, buf)
		if errors.Is(err, io.EOF) {
			return out, skipped, nil
		}
		if err != nil {
			return out, skipped, fmt.Errorf("read %s: %w", path, err)
		}
		if tooLong {
			skipped++
			continue
		}
		line := bytes.TrimSpace(buf)
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			skipped++
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		out = append(out, rec)
	}
}

// readLine returns the next line without its terminator, reusing buf. A line
// longer than maxLineSize is drained and reported as tooLong. io.EOF is
// returned only once no data remains.
func readLine(br *bufio.Reader, buf []byte) (line []byte, tooLong bool, err error) {
	buf = buf[:0]
	read := false
	for {
		chunk, more, rerr := br.ReadLine()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && read {
				return buf, tooLong, nil
			}
			return buf, tooLong, rerr
		}
		read = true
		if !tooLong {
			if len(buf)+len(chunk) > maxLineSize {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !more {
			return buf, tooLong, nil
		}
	}
}
