package bonsaidb

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Value container algorithms an index engine can be configured with.
const (
	// AlgorithmNone stores a single RID per key.
	AlgorithmNone = "NONE"
	// AlgorithmSBTreeBonsaiSet stores a RID set per key. Databases of binary
	// format 13 and later keep small sets embedded and move them into a Bonsai
	// tree once they grow; older formats always use a tree.
	AlgorithmSBTreeBonsaiSet = "SBTREEBONSAISET"
)

// containerMode selects how new multi-value containers are built.
type containerMode uint8

const (
	containerMixed containerMode = iota + 1
	containerLegacyTree
)

func (m containerMode) String() string {
	switch m {
	case containerMixed:
		return "mixed"
	case containerLegacyTree:
		return "legacy-tree"
	default:
		return fmt.Sprintf("invalid container mode %d", int(m))
	}
}

func containerModeFor(formatVersion int, algorithm string) (containerMode, error) {
	if algorithm != AlgorithmSBTreeBonsaiSet {
		return 0, configErrf(algorithm, ErrUnsupportedAlgorithm, "multi-value containers need %s", AlgorithmSBTreeBonsaiSet)
	}
	if err := checkFormatVersion(formatVersion); err != nil {
		return 0, err
	}
	if formatVersion >= mixedContainerFormatVersion {
		return containerMixed, nil
	}
	return containerLegacyTree, nil
}

// RIDContainer is the value a multi-value index keeps under one key. It is
// either an *EmbeddedRIDSet or a *TreeRIDSet.
type RIDContainer interface {
	Size(op *AtomicOperation) (int, error)
	Contains(op *AtomicOperation, rid RID) (bool, error)
	All(op *AtomicOperation) ([]RID, error)

	ridContainer()
}

const (
	envelopeEmbedded uint8 = 1
	envelopeTree     uint8 = 2
)

type containerEnvelope struct {
	Kind    uint8                    `msgpack:"k"`
	RIDs    []RID                    `msgpack:"r,omitempty"`
	Pointer *BonsaiCollectionPointer `msgpack:"p,omitempty"`
}

// MarshalRIDContainer encodes a container as stored in an index row.
func MarshalRIDContainer(c RIDContainer) ([]byte, error) {
	var env containerEnvelope
	switch c := c.(type) {
	case *EmbeddedRIDSet:
		env.Kind = envelopeEmbedded
		env.RIDs = c.rids
	case *TreeRIDSet:
		p := c.pointer
		env.Kind = envelopeTree
		env.Pointer = &p
	default:
		panic(fmt.Errorf("unknown RID container %T", c))
	}
	return msgpack.Marshal(&env)
}

// UnmarshalRIDContainer decodes a container. Tree-backed containers are bound
// to the bags of mgr.
func UnmarshalRIDContainer(mgr *BTreeCollectionManager, data []byte) (RIDContainer, error) {
	var env containerEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, dataErrf(data, 0, err, "invalid RID container")
	}
	switch env.Kind {
	case envelopeEmbedded:
		return &EmbeddedRIDSet{rids: env.RIDs}, nil
	case envelopeTree:
		if env.Pointer == nil {
			return nil, dataErrf(data, 0, nil, "tree container without a pointer")
		}
		return &TreeRIDSet{mgr: mgr, pointer: *env.Pointer}, nil
	default:
		return nil, dataErrf(data, 0, nil, "unknown RID container kind %d", env.Kind)
	}
}

// containerCodec stores RID containers as index values.
type containerCodec struct {
	mgr *BTreeCollectionManager
}

func (containerCodec) Name() string { return "ridContainer" }

func (containerCodec) Encode(c RIDContainer) ([]byte, error) {
	return MarshalRIDContainer(c)
}

func (cc containerCodec) Decode(data []byte) (RIDContainer, error) {
	return UnmarshalRIDContainer(cc.mgr, data)
}

// containerTransformer expands containers into RIDs for scans.
type containerTransformer struct{}

func (containerTransformer) TransformFromValue(op *AtomicOperation, value any) ([]RID, error) {
	c, ok := value.(RIDContainer)
	if !ok {
		return nil, fmt.Errorf("expected a RID container, got %T", value)
	}
	return c.All(op)
}

// MultiValuesTransformer expands the values of multi-value v0 engines.
var MultiValuesTransformer ValuesTransformer = containerTransformer{}
