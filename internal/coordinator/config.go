package coordinator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/theblitlabs/parity-fedsync/internal/protocol"
)

const (
	DefaultListen       = ":8080"
	DefaultLayers       = 3
	DefaultReadTimeout  = 10 * time.Second
	DefaultFileTemplate = "part{id}.csv"

	clientIDPlaceholder = "{id}"
)

// Config describes one training session.
type Config struct {
	Listen  string
	Clients int
	Epochs  int
	// Layers is the number of weight matrices every client uploads per epoch.
	Layers int
	// FileTemplate names each client's shard; {id} is replaced by the client id.
	FileTemplate string
	// Files, when set, overrides FileTemplate with one source per client id.
	Files []string
	// ReadTimeout bounds every wait for a client message, including waits
	// caused by slower peers at the per-layer barrier.
	ReadTimeout time.Duration
	MaxPayload  uint64
}

func DefaultConfig() Config {
	return Config{
		Listen:       DefaultListen,
		Layers:       DefaultLayers,
		FileTemplate: DefaultFileTemplate,
		ReadTimeout:  DefaultReadTimeout,
	}
}

func (c Config) Validate() error {
	if c.Clients < 1 {
		return fmt.Errorf("clients must be at least 1, got %d", c.Clients)
	}
	if c.Epochs < 0 {
		return fmt.Errorf("epochs must not be negative, got %d", c.Epochs)
	}
	if c.Layers < 1 || c.Layers > int(protocol.MaxLayerID)+1 {
		return fmt.Errorf("layers must be in 1..%d, got %d", protocol.MaxLayerID+1, c.Layers)
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if len(c.Files) > 0 && len(c.Files) != c.Clients {
		return fmt.Errorf("%d files configured for %d clients", len(c.Files), c.Clients)
	}
	if len(c.Files) == 0 && !strings.Contains(c.FileTemplate, clientIDPlaceholder) {
		return fmt.Errorf("file template %q must contain %s", c.FileTemplate, clientIDPlaceholder)
	}
	for i, f := range c.Files {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("file for client %d is empty", i)
		}
	}
	return nil
}

// FileFor returns the data source sent to client id.
func (c Config) FileFor(id int) string {
	if len(c.Files) > 0 {
		return c.Files[id]
	}
	return strings.ReplaceAll(c.FileTemplate, clientIDPlaceholder, strconv.Itoa(id))
}
