// Package corpus reads the origin-destination query set replayed by every
// trial. The corpus is gzip-compressed JSON lines as written by the query
// generator and is decoded as a stream.
package corpus

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Location is a network node. Coordinates are longitude, latitude.
type Location struct {
	ID          string     `json:"id"`
	Label       string     `json:"label,omitempty"`
	Coordinates [2]float64 `json:"coordinates"`
}

func (l Location) Lon() float64 { return l.Coordinates[0] }
func (l Location) Lat() float64 { return l.Coordinates[1] }

func (l Location) String() string {
	if l.Label != "" {
		return fmt.Sprintf("%s (%s)", l.ID, l.Label)
	}
	return l.ID
}

// Query is immutable once read.
type Query struct {
	From Location
	To   Location
	Rank int
}

type record struct {
	From     *Location `json:"from"`
	To       *Location `json:"to"`
	Metadata struct {
		DijkstraRank int `json:"dijkstraRank"`
	} `json:"metadata"`
}

// Reader yields queries one at a time without buffering the corpus.
type Reader struct {
	dec     *json.Decoder
	closers []io.Closer
	n       int
}

// Open opens a corpus file. Files ending in .gz are decompressed on the fly.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	if !strings.HasSuffix(path, ".gz") {
		r := newReader(bufio.NewReader(f))
		r.closers = append(r.closers, f)
		return r, nil
	}
	r, err := NewGzipReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closers = append(r.closers, f)
	return r, nil
}

// NewGzipReader decodes a gzip-compressed corpus from src.
func NewGzipReader(src io.Reader) (*Reader, error) {
	zr, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("opening corpus gzip stream: %w", err)
	}
	r := newReader(zr)
	r.closers = append(r.closers, zr)
	return r, nil
}

func newReader(src io.Reader) *Reader {
	return &Reader{dec: json.NewDecoder(src)}
}

// Next returns the next query, or io.EOF after the last one.
func (r *Reader) Next() (Query, error) {
	var rec record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Query{}, io.EOF
		}
		return Query{}, fmt.Errorf("decoding query %d: %w", r.n+1, err)
	}
	r.n++
	if rec.From == nil || rec.To == nil {
		return Query{}, fmt.Errorf("query %d: missing from or to", r.n)
	}
	return Query{From: *rec.From, To: *rec.To, Rank: rec.Metadata.DijkstraRank}, nil
}

func (r *Reader) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Load buffers the corpus at path. A positive limit keeps only the first
// limit queries.
func Load(path string, limit int) ([]Query, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadAll(r, limit)
}

func ReadAll(r *Reader, limit int) ([]Query, error) {
	var qs []Query
	for limit <= 0 || len(qs) < limit {
		q, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}
	return qs, nil
}

type RankCount struct {
	Rank  int
	Count int
}

// CountByRank tallies queries per Dijkstra rank in ascending rank order.
func CountByRank(qs []Query) []RankCount {
	counts := map[int]int{}
	for _, q := range qs {
		counts[q.Rank]++
	}
	out := make([]RankCount, 0, len(counts))
	for rank, n := range counts {
		out = append(out, RankCount{Rank: rank, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}
