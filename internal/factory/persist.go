package factory

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// CSVPersister appends discovered addresses to
// <contract>/known-factory-addresses/<contract>-<network>-<event>.csv,
// matching the append-file layout in spec.md §6.
type CSVPersister struct {
	BaseDir string
	mu      sync.Mutex
}

func (p *CSVPersister) path(contract, event, network string) string {
	return filepath.Join(p.BaseDir, contract, "known-factory-addresses", fmt.Sprintf("%s-%s-%s.csv", contract, network, event))
}

// Append writes new rows to the CSV file, creating directories as needed.
func (p *CSVPersister) Append(_ context.Context, contract, event, network string, addrs []common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.path(contract, event, network)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for factory cache %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open factory cache %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, a := range addrs {
		if err := w.Write([]string{a.Hex()}); err != nil {
			return fmt.Errorf("append factory address to %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}

// Load reads the full discovered-address set from the CSV file. A missing
// file is not an error: it means nothing has been discovered yet.
func (p *CSVPersister) Load(_ context.Context, contract, event, network string) ([]common.Address, error) {
	path := p.path(contract, event, network)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open factory cache %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read factory cache %s: %w", path, err)
	}
	out := make([]common.Address, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		out = append(out, common.HexToAddress(row[0]))
	}
	return out, nil
}
