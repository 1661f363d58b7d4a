// Package mapstore persists each room's control mapping table.
//
// The relay keeps every room's table in a Persister cache and writes the
// whole document to a Store a short quiet period after the last change.
package mapstore

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"

	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

// Maps is the persisted document: room key to mapping table.
type Maps map[string][]protocol.MappingEntry

// Clone copies the document and every table in it.
func (m Maps) Clone() Maps {
	out := make(Maps, len(m))
	for room, entries := range m {
		out[room] = append([]protocol.MappingEntry(nil), entries...)
	}
	return out
}

// Store is a backend that loads and saves the whole document at once.
type Store interface {
	Load(ctx context.Context) (Maps, error)
	Save(ctx context.Context, maps Maps) error
}

// Key is the content hash of a mapping table. Tables with identical
// content share a key; an empty table has the empty key.
func Key(entries []protocol.MappingEntry) string {
	if len(entries) == 0 {
		return ""
	}
	data, err := json.Marshal(entries)
	if err != nil {
		// MappingEntry has only plain fields
		panic(err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

func decodeMaps(data []byte) (Maps, error) {
	maps := Maps{}
	if len(data) == 0 {
		return maps, nil
	}
	if err := json.Unmarshal(data, &maps); err != nil {
		return nil, err
	}
	return maps, nil
}
