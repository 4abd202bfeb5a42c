package ingest

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
)

// stagingRecord is the on-disk shape of a staged block: gob doesn't
// know how to encode *gethtypes.Block directly, so it's round-tripped
// through RLP bytes the way the block's own encoding package does.
type stagingRecord struct {
	RLP          []byte
	ReceiptsJSON map[gethcommon.Hash][]byte
}

// Staging decouples fetch from processing: a listener or backfill
// writer stages a block's bytes to disk as soon as they're fetched,
// and the dispatcher reads them back on its own schedule. Writes go to
// a temp file first and are renamed into place, so a reader never
// observes a partially written file (§4.2).
type Staging struct {
	dir string
	mu  sync.Mutex
}

// NewStaging roots a staging cache at dir, creating it if necessary.
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: create staging dir: %w", err)
	}
	return &Staging{dir: dir}, nil
}

func (s *Staging) path(chainID ChainID, number BlockNumber) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d-%d.stage", chainID, number))
}

// WriteBlockAndReceipts stages a block's content, atomically.
func (s *Staging) WriteBlockAndReceipts(chainID ChainID, number BlockNumber, parts *AsyncBlockParts) error {
	if parts.Empty() {
		return fmt.Errorf("ingest: refusing to stage empty parts for %d/%d", chainID, number)
	}

	raw, err := rlp.EncodeToBytes(parts.Block)
	if err != nil {
		return fmt.Errorf("ingest: encode staged block: %w", err)
	}

	receiptsJSON := make(map[gethcommon.Hash][]byte, len(parts.Receipts))
	for hash, r := range parts.Receipts {
		b, err := r.MarshalJSON()
		if err != nil {
			return fmt.Errorf("ingest: marshal staged receipt %s: %w", hash, err)
		}
		receiptsJSON[hash] = b
	}

	rec := stagingRecord{RLP: raw, ReceiptsJSON: receiptsJSON}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := filepath.Join(s.dir, "."+uuid.NewString()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("ingest: create staging temp file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(rec); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ingest: encode staged block: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ingest: close staging temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path(chainID, number)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ingest: rename staging file into place: %w", err)
	}
	return nil
}

// ReadBlockAndReceipts reads back a previously staged block. It
// returns ErrNotFound, wrapped, when nothing is staged for that block.
func (s *Staging) ReadBlockAndReceipts(chainID ChainID, number BlockNumber) (*AsyncBlockParts, error) {
	f, err := os.Open(s.path(chainID, number))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no staged data for %d/%d", ErrNotFound, chainID, number)
		}
		return nil, err
	}
	defer f.Close()

	var rec stagingRecord
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return nil, fmt.Errorf("ingest: decode staged block: %w", err)
	}

	block := new(gethtypes.Block)
	if err := rlp.DecodeBytes(rec.RLP, block); err != nil {
		return nil, fmt.Errorf("ingest: decode staged block: %w", err)
	}

	receipts := make(map[gethcommon.Hash]*gethtypes.Receipt, len(rec.ReceiptsJSON))
	for hash, b := range rec.ReceiptsJSON {
		r := new(gethtypes.Receipt)
		if err := r.UnmarshalJSON(b); err != nil {
			return nil, fmt.Errorf("ingest: unmarshal staged receipt %s: %w", hash, err)
		}
		receipts[hash] = r
	}

	return &AsyncBlockParts{Block: block, Receipts: receipts}, nil
}

// Evict removes a block's staged content once the dispatcher has
// consumed it, so the cache doesn't grow unbounded on a live chain.
func (s *Staging) Evict(chainID ChainID, number BlockNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(chainID, number))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
