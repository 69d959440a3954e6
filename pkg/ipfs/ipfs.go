package ipfs

import (
	"fmt"
	"io"
	"os"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

// Scheme prefixes data sources that live on IPFS.
const Scheme = "ipfs://"

// Service publishes and fetches shard files through an IPFS API node.
type Service struct {
	shell *shell.Shell
}

// New creates a service for the API node at endpoint, e.g.
// "localhost:5001" or "http://10.0.0.2:5001".
func New(endpoint string) *Service {
	return &Service{shell: shell.NewShell(endpoint)}
}

// URI returns the data source string a client resolves back to cid.
func URI(cid string) string { return Scheme + cid }

// ParseURI extracts the CID from an ipfs:// source.
func ParseURI(source string) (string, bool) {
	if !strings.HasPrefix(source, Scheme) {
		return "", false
	}
	cid := strings.TrimPrefix(source, Scheme)
	return cid, cid != ""
}

// UploadFile adds and pins the file at path and returns its CID.
func (s *Service) UploadFile(path string) (string, error) {
	log := logger.WithComponent("ipfs")

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	cid, err := s.shell.Add(file, shell.Pin(true), shell.CidVersion(1))
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to IPFS: %w", path, err)
	}
	log.Info().Str("file", path).Str("cid", cid).Msg("File uploaded")
	return cid, nil
}

// Open streams the content of cid. The caller closes the reader.
func (s *Service) Open(cid string) (io.ReadCloser, error) {
	rc, err := s.shell.Cat(cid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s from IPFS: %w", cid, err)
	}
	return rc, nil
}
