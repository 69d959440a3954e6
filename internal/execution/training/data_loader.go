package training

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/theblitlabs/parity-fedsync/pkg/ipfs"
	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

// Dataset is a labelled shard: one feature row per sample and a binary label.
type Dataset struct {
	Features [][]float64
	Labels   []float64
}

func (d *Dataset) Len() int { return len(d.Labels) }

// Width is the number of feature columns.
func (d *Dataset) Width() int {
	if len(d.Features) == 0 {
		return 0
	}
	return len(d.Features[0])
}

// DataLoader fetches a shard by source string: "ipfs://<cid>" through an IPFS
// API node, "http(s)://..." over HTTP, anything else as a local path.
type DataLoader struct {
	ipfs       *ipfs.Service
	httpClient *http.Client
}

// NewDataLoader creates a loader. An empty ipfsAPI disables ipfs:// sources.
func NewDataLoader(ipfsAPI string) *DataLoader {
	d := &DataLoader{httpClient: http.DefaultClient}
	if ipfsAPI != "" {
		d.ipfs = ipfs.New(ipfsAPI)
	}
	return d
}

// Load opens source and parses it as CSV.
func (d *DataLoader) Load(ctx context.Context, source string) (*Dataset, error) {
	r, err := d.open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	ds, err := ParseCSV(r)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}

	log := logger.WithComponent("data_loader")
	log.Debug().
		Str("source", source).
		Int("samples", ds.Len()).
		Int("features", ds.Width()).
		Msg("Shard loaded")
	return ds, nil
}

func (d *DataLoader) open(ctx context.Context, source string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(source, ipfs.Scheme):
		cid, ok := ipfs.ParseURI(source)
		if !ok {
			return nil, fmt.Errorf("source %s has no CID", source)
		}
		if d.ipfs == nil {
			return nil, fmt.Errorf("source %s needs an IPFS API endpoint", source)
		}
		return d.ipfs.Open(cid)

	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch data: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to fetch data: %s returned %s", source, resp.Status)
		}
		return resp.Body, nil

	default:
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open shard: %w", err)
		}
		return f, nil
	}
}

// ParseCSV reads a header row followed by samples whose last column is a 0/1
// label and whose other columns are numeric features.
func ParseCSV(r io.Reader) (*Dataset, error) {
	csvReader := csv.NewReader(r)
	csvReader.TrimLeadingSpace = true

	header, err := csvReader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("need at least one feature column and a label, got %d columns", len(header))
	}

	ds := &Dataset{}
	for line := 2; ; line++ {
		record, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}

		row := make([]float64, len(record)-1)
		for i := range row {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, header[i], err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("line %d column %q: non-finite value", line, header[i])
			}
			row[i] = v
		}

		label, err := strconv.ParseFloat(strings.TrimSpace(record[len(record)-1]), 64)
		if err != nil || (label != 0 && label != 1) {
			return nil, fmt.Errorf("line %d: label %q is not binary", line, record[len(record)-1])
		}

		ds.Features = append(ds.Features, row)
		ds.Labels = append(ds.Labels, label)
	}

	if ds.Len() == 0 {
		return nil, fmt.Errorf("no samples")
	}
	return ds, nil
}
