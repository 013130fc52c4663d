package export

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/marmos91/stategc/pkg/codec"
	"github.com/marmos91/stategc/pkg/node"
)

const checkpointFile = "checkpoint.cbor"

// checkpoint is the traversal frontier after the last committed batch.
// Every node in the destination is either expanded here already or still
// listed in Frontier.
type checkpoint struct {
	StateRoot node.Hash   `cbor:"1,keyasint"`
	TxOrder   uint64      `cbor:"2,keyasint"`
	Frontier  []node.Hash `cbor:"3,keyasint"`
	Batches   uint64      `cbor:"4,keyasint"`
}

func loadCheckpoint(dir string) (*checkpoint, error) {
	b, err := os.ReadFile(filepath.Join(dir, checkpointFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp checkpoint
	if err := codec.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("decode export checkpoint: %w", err)
	}
	return &cp, nil
}

func saveCheckpoint(dir string, cp *checkpoint) error {
	b, err := codec.Marshal(cp)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, checkpointFile), b)
}

func removeCheckpoint(dir string) error {
	err := os.Remove(filepath.Join(dir, checkpointFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
