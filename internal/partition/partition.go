// Package partition splits a labelled CSV dataset into class-balanced shards,
// one per client.
package partition

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

const (
	DefaultPrefix = "part"
	DefaultSeed   = 42
)

// Options controls a split.
type Options struct {
	Shards int
	// Prefix names output files <Prefix><k>.csv.
	Prefix string
	// Dir is where shards are written; empty means the working directory.
	Dir  string
	Seed int64
}

// Shard describes one written partition.
type Shard struct {
	Index   int
	Path    string
	Rows    int
	Classes map[string]int
}

// Table is a parsed CSV: a header and rows whose last column is the label.
type Table struct {
	Header []string
	Rows   [][]string
}

// ReadTable parses a CSV with a header row and at least two columns.
func ReadTable(r io.Reader) (*Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("empty CSV")
	}
	if len(records[0]) < 2 {
		return nil, fmt.Errorf("CSV needs at least 2 columns (features + target), got %d", len(records[0]))
	}
	return &Table{Header: records[0], Rows: records[1:]}, nil
}

// Stratify assigns row indices to n shards. Rows of each class are shuffled
// with the seeded source and dealt round-robin, continuing the rotation across
// classes, so per-class counts differ by at most one between shards. Indices
// inside a shard keep their original order.
func Stratify(labels []string, n int, seed int64) ([][]int, error) {
	if n < 1 {
		return nil, fmt.Errorf("shard count must be positive, got %d", n)
	}
	if len(labels) < n {
		return nil, fmt.Errorf("cannot split %d rows into %d shards", len(labels), n)
	}

	byClass := make(map[string][]int)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	classes := make([]string, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	rng := rand.New(rand.NewSource(seed))
	shards := make([][]int, n)
	next := 0
	for _, c := range classes {
		idx := byClass[c]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for _, row := range idx {
			shards[next] = append(shards[next], row)
			next = (next + 1) % n
		}
	}
	for _, s := range shards {
		sort.Ints(s)
	}
	return shards, nil
}

// File splits the CSV at path and writes one shard file per client.
func File(path string, opts Options) ([]Shard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	table, err := ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Write(table, opts)
}

// Write stratifies table and writes the shards.
func Write(table *Table, opts Options) ([]Shard, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	labels := make([]string, len(table.Rows))
	for i, row := range table.Rows {
		if len(row) == 0 {
			return nil, fmt.Errorf("row %d is empty", i+1)
		}
		labels[i] = row[len(row)-1]
	}

	assignment, err := Stratify(labels, opts.Shards, opts.Seed)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("partition")
	shards := make([]Shard, 0, len(assignment))
	for k, idx := range assignment {
		s := Shard{
			Index:   k,
			Path:    filepath.Join(opts.Dir, fmt.Sprintf("%s%d.csv", opts.Prefix, k)),
			Rows:    len(idx),
			Classes: make(map[string]int),
		}
		for _, i := range idx {
			s.Classes[labels[i]]++
		}
		if err := writeShard(s.Path, table.Header, table.Rows, idx); err != nil {
			return nil, err
		}
		log.Info().Str("file", s.Path).Int("rows", s.Rows).Interface("balance", s.Classes).Msg("Shard written")
		shards = append(shards, s)
	}
	return shards, nil
}

func writeShard(path string, header []string, rows [][]string, idx []int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create shard: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	for _, i := range idx {
		if err := w.Write(rows[i]); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
