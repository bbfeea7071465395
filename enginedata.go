package bonsaidb

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Index engine API versions.
const (
	EngineAPIVersion0 = 0
	EngineAPIVersion1 = 1
)

// IndexMetadata holds per-index flags that affect how values are validated.
type IndexMetadata struct {
	// MergeKeys lets a unique index overwrite the owner of a key instead of
	// failing with a duplicate key error.
	MergeKeys  bool              `msgpack:"mergeKeys"`
	Properties map[string]string `msgpack:"props,omitempty"`
}

// IndexEngineData describes one index engine. It is written once when the
// engine is created and read back when the database is opened.
type IndexEngineData struct {
	ID                      int32         `msgpack:"id"`
	Name                    string        `msgpack:"name"`
	Algorithm               string        `msgpack:"alg"`
	ValueContainerAlgorithm string        `msgpack:"vca"`
	KeySerializerID         byte          `msgpack:"ks"`
	ValueSerializer         string        `msgpack:"vs"`
	APIVersion              int           `msgpack:"api"`
	BinaryFormatVersion     int           `msgpack:"fmt"`
	Multivalue              bool          `msgpack:"mv"`
	NullValuesSupport       bool          `msgpack:"nulls"`
	AuxClusterID            int32         `msgpack:"aux"`
	Metadata                IndexMetadata `msgpack:"meta"`
}

func (d *IndexEngineData) keySerializer() (KeySerializer, error) {
	ks, ok := KeySerializerByID(d.KeySerializerID)
	if !ok {
		return nil, configErrf(d.Name, nil, "unknown key serializer %d", d.KeySerializerID)
	}
	return ks, nil
}

func (op *AtomicOperation) saveEngineData(d *IndexEngineData) error {
	b, err := op.tx.CreateBucket(metaBucket, enginesSub)
	if err != nil {
		return err
	}
	raw, err := msgpack.Marshal(d)
	if err != nil {
		return err
	}
	return b.Put([]byte(d.Name), raw)
}

func (op *AtomicOperation) loadEngineData(name string) (*IndexEngineData, bool, error) {
	b := op.tx.Bucket(metaBucket, enginesSub)
	if b == nil {
		return nil, false, nil
	}
	raw := b.Get([]byte(name))
	if raw == nil {
		return nil, false, nil
	}
	var d IndexEngineData
	if err := msgpack.Unmarshal(raw, &d); err != nil {
		return nil, false, dataErrf(raw, 0, err, "invalid engine data of %q", name)
	}
	return &d, true, nil
}

func (op *AtomicOperation) deleteEngineData(name string) error {
	b := op.tx.Bucket(metaBucket, enginesSub)
	if b == nil {
		return nil
	}
	return b.Delete([]byte(name))
}

// EngineNames lists the engines stored in the database.
func (op *AtomicOperation) EngineNames() []string {
	var names []string
	b := op.tx.Bucket(metaBucket, enginesSub)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		names = append(names, string(k))
	}
	return names
}
