// Package model implements the trained model's on-disk binary format: a
// single contiguous buffer addressed by relative byte offsets rather
// than pointers, so a model file can be mmap'd and read with zero
// deserialization cost. Fixed records get a static layout; variable
// ones carry their own length, and the top level is a tagged union of
// model kinds.
package model

import (
	"encoding/binary"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/frankmgb/tangram/internal/features"
	"github.com/frankmgb/tangram/internal/tree"
)

// Magic identifies a tangram model blob; Version guards layout changes.
var Magic = [8]byte{'t', 'a', 'n', 'g', 'r', 'a', 'm', 0}

const Version = 2

// HeaderSize is the fixed-size prefix before any variable-length
// section begins.
const HeaderSize = 96

// Kind discriminates the three supported model tasks.
type Kind uint8

const (
	KindRegressor Kind = iota
	KindBinaryClassifier
	KindMulticlassClassifier
)

// MetricKind tags which comparison metric Metadata.MetricValue holds:
// MSE/RMSE for regressors, accuracy for classifiers.
type MetricKind uint8

const (
	MetricMSE MetricKind = iota
	MetricRMSE
	MetricAccuracy
)

// Metadata is the training-run summary embedded in the model file. The
// monitor's alert manager reads MetricValue as the training baseline
// for drift thresholds.
type Metadata struct {
	TrainRowCount  uint32
	TestRowCount   uint32
	Metric         MetricKind
	MetricValue    float32
	Losses         []float32
	TargetColumn   string
	TargetVariants []string // enum label names; empty for regressors
}

// header is the blob's fixed 96-byte prefix: magic-validated kind, the
// model's 16-byte id, and byte offsets into the rest of the blob for
// each variable-length section. All offsets are 64-byte (cache-line)
// aligned.
type header struct {
	Kind            uint8
	NClasses        uint32
	NTreesPerRound  uint32
	NTrees          uint32
	NFeatures       uint32
	OffMetadata     uint32
	OffBiases       uint32
	OffFeatureIndex uint32
	OffTreeOffsets  uint32 // one uint32 node-count per tree, prefix-summed by the reader
	OffNodes        uint32
	OffDirections   uint32
	DirectionsLen   uint32
	OffGroups       uint32
	NGroups         uint32
	ID              [16]byte
}

const alignment = 64

func alignUp(n int) int {
	rem := n % alignment
	if rem == 0 {
		return n
	}
	return n + (alignment - rem)
}

// rawNode is the fixed-width on-disk record for one tree node: 48
// bytes, the same record laid out for both leaves and branches so a
// node array can be addressed as a flat slice, with Kind as the
// discriminant.
type rawNode struct {
	Kind             uint8 // 0 = leaf, 1 = continuous branch, 2 = discrete branch
	InvalidDir       uint8 // continuous branches only
	LeftChild        int32
	RightChild       int32
	FeatureIndex     int32
	BinIndex         int32 // continuous branches only
	DirectionsOffset int32 // discrete branches: byte offset into the directions section
	DirectionsLen    int32 // discrete branches: number of packed direction bytes
	SplitValue       float32
	Value            float64 // leaf value
	ExamplesFraction float32
}

// rawNodeSize is the on-disk stride of one node record: 4 (kind+pad) +
// 4*6 (child/feature/bin/directions fields) + 4 (split value) + 8
// (leaf value) + 4 (examples fraction) + 4 (trailing pad) = 48 bytes.
const rawNodeSize = 48

// EncodeInput bundles everything Marshal persists besides the trees.
type EncodeInput struct {
	Kind     Kind
	ID       uuid.UUID
	Model    *tree.Model
	Groups   []features.Group
	Metadata Metadata
}

// Marshal serializes a trained model, its feature groups, and its
// training metadata into a single blob: magic, version, then the
// offset-addressed body.
func Marshal(in EncodeInput) []byte {
	body := encodeBody(in)
	out := make([]byte, 0, 12+len(body))
	out = append(out, Magic[:]...)
	out = binary.LittleEndian.AppendUint32(out, Version)
	out = append(out, body...)
	return out
}

// Unmarshal validates the magic/version and returns a zero-copy View
// over the remaining bytes.
func Unmarshal(raw []byte) (*View, error) {
	if len(raw) < 12+HeaderSize {
		return nil, errors.Wrap(ErrCorruptModel, "blob too short")
	}
	if [8]byte(raw[:8]) != Magic {
		return nil, errors.Wrap(ErrCorruptModel, "bad magic")
	}
	version := binary.LittleEndian.Uint32(raw[8:12])
	if version != Version {
		return nil, errors.Wrapf(ErrCorruptModel, "unsupported version %d", version)
	}
	return newView(raw[12:])
}

// ErrCorruptModel is the sentinel for a blob that fails the
// magic/version/bounds checks.
var ErrCorruptModel = errors.New("model: corrupt model")

func encodeBody(in EncodeInput) []byte {
	m := in.Model
	var directions []byte
	nodeRecords := make([]rawNode, 0)
	treeNodeCounts := make([]uint32, len(m.Trees))
	for ti, t := range m.Trees {
		treeNodeCounts[ti] = uint32(len(t.Nodes))
		for _, n := range t.Nodes {
			nodeRecords = append(nodeRecords, encodeNode(n, &directions))
		}
	}

	buf := make([]byte, HeaderSize)
	h := header{
		Kind:           uint8(in.Kind),
		NClasses:       uint32(m.NClasses),
		NTreesPerRound: uint32(m.NTreesPerRound),
		NTrees:         uint32(len(m.Trees)),
		NFeatures:      uint32(len(m.FeatureColumnIndex)),
		ID:             in.ID,
	}

	h.OffMetadata = uint32(alignUp(len(buf)))
	buf = growTo(buf, int(h.OffMetadata))
	buf = appendMetadata(buf, in.Metadata)

	h.OffBiases = uint32(alignUp(len(buf)))
	buf = growTo(buf, int(h.OffBiases))
	for _, b := range m.Biases {
		buf = binary.LittleEndian.AppendUint64(buf, uint64FromFloat64(b))
	}

	h.OffFeatureIndex = uint32(alignUp(len(buf)))
	buf = growTo(buf, int(h.OffFeatureIndex))
	for _, fi := range m.FeatureColumnIndex {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(fi))
	}

	h.OffTreeOffsets = uint32(alignUp(len(buf)))
	buf = growTo(buf, int(h.OffTreeOffsets))
	for _, c := range treeNodeCounts {
		buf = binary.LittleEndian.AppendUint32(buf, c)
	}

	h.OffNodes = uint32(alignUp(len(buf)))
	buf = growTo(buf, int(h.OffNodes))
	for _, rec := range nodeRecords {
		buf = appendRawNode(buf, rec)
	}

	h.OffDirections = uint32(alignUp(len(buf)))
	buf = growTo(buf, int(h.OffDirections))
	buf = append(buf, directions...)
	h.DirectionsLen = uint32(len(directions))

	h.OffGroups = uint32(alignUp(len(buf)))
	buf = growTo(buf, int(h.OffGroups))
	h.NGroups = uint32(len(in.Groups))
	for _, g := range in.Groups {
		buf = appendGroup(buf, g)
	}

	writeHeader(buf, h)
	return buf
}

func growTo(buf []byte, n int) []byte {
	for len(buf) < n {
		buf = append(buf, 0)
	}
	return buf
}

func uint64FromFloat64(f float64) uint64 { return *(*uint64)(unsafe.Pointer(&f)) }
func float64FromUint64(u uint64) float64 { return *(*float64)(unsafe.Pointer(&u)) }
func float32bits(f float32) uint32       { return *(*uint32)(unsafe.Pointer(&f)) }
func float32frombits(u uint32) float32   { return *(*float32)(unsafe.Pointer(&u)) }

func encodeNode(n tree.Node, directions *[]byte) rawNode {
	if n.IsLeaf {
		return rawNode{Kind: 0, Value: n.Value, ExamplesFraction: n.ExamplesFraction}
	}
	if n.Split.Continuous {
		var invalid uint8
		if n.Split.InvalidValuesDirection == tree.DirectionRight {
			invalid = 1
		}
		return rawNode{
			Kind: 1, InvalidDir: invalid,
			LeftChild: int32(n.LeftChild), RightChild: int32(n.RightChild),
			FeatureIndex: int32(n.Split.FeatureIndex), BinIndex: int32(n.Split.BinIndex),
			SplitValue: n.Split.SplitValue, ExamplesFraction: n.ExamplesFraction,
		}
	}
	offset := len(*directions)
	for _, d := range n.Split.Directions {
		if d == tree.DirectionLeft {
			*directions = append(*directions, 1)
		} else {
			*directions = append(*directions, 0)
		}
	}
	return rawNode{
		Kind:      2,
		LeftChild: int32(n.LeftChild), RightChild: int32(n.RightChild),
		FeatureIndex:     int32(n.Split.FeatureIndex),
		DirectionsOffset: int32(offset), DirectionsLen: int32(len(n.Split.Directions)),
		ExamplesFraction: n.ExamplesFraction,
	}
}

func appendRawNode(buf []byte, r rawNode) []byte {
	buf = append(buf, r.Kind, r.InvalidDir, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.LeftChild))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.RightChild))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.FeatureIndex))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.BinIndex))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.DirectionsOffset))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.DirectionsLen))
	buf = binary.LittleEndian.AppendUint32(buf, float32bits(r.SplitValue))
	buf = binary.LittleEndian.AppendUint64(buf, uint64FromFloat64(r.Value))
	buf = binary.LittleEndian.AppendUint32(buf, float32bits(r.ExamplesFraction))
	buf = append(buf, 0, 0, 0, 0)
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendMetadata(buf []byte, md Metadata) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, md.TrainRowCount)
	buf = binary.LittleEndian.AppendUint32(buf, md.TestRowCount)
	buf = append(buf, uint8(md.Metric), 0, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, float32bits(md.MetricValue))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(md.Losses)))
	for _, l := range md.Losses {
		buf = binary.LittleEndian.AppendUint32(buf, float32bits(l))
	}
	buf = appendString(buf, md.TargetColumn)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(md.TargetVariants)))
	for _, v := range md.TargetVariants {
		buf = appendString(buf, v)
	}
	return buf
}

// appendGroup writes one feature-group record: a byte-length prefix (so
// readers can skip records they do not understand), the kind tag, then
// the kind's fields. This is the dynamic-struct convention of the
// format: fixed records get a static layout, variable ones carry their
// own length.
func appendGroup(buf []byte, g features.Group) []byte {
	var rec []byte
	rec = append(rec, uint8(g.Kind), uint8(g.SourceColumnKind), uint8(g.Strategy), 0)
	rec = appendString(rec, g.SourceColumn)
	switch g.Kind {
	case features.GroupNormalized:
		rec = binary.LittleEndian.AppendUint32(rec, float32bits(g.Mean))
		rec = binary.LittleEndian.AppendUint32(rec, float32bits(g.StdDev))
	case features.GroupIdentity, features.GroupOneHotEncoded:
		rec = binary.LittleEndian.AppendUint32(rec, uint32(len(g.Variants)))
		for _, v := range g.Variants {
			rec = appendString(rec, v)
		}
	case features.GroupBagOfWords:
		rec = appendNGrams(rec, g)
	case features.GroupBagOfWordsCosineSimilarity:
		rec = appendString(rec, g.SourceColumnB)
		rec = appendNGrams(rec, g)
	case features.GroupWordEmbedding:
		rec = binary.LittleEndian.AppendUint32(rec, uint32(g.EmbeddingDim))
		rec = binary.LittleEndian.AppendUint32(rec, uint32(len(g.Embeddings)))
		for _, tok := range sortedKeys(g.Embeddings) {
			rec = appendString(rec, tok)
			for _, x := range g.Embeddings[tok] {
				rec = binary.LittleEndian.AppendUint32(rec, float32bits(x))
			}
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec)))
	return append(buf, rec...)
}

func appendNGrams(rec []byte, g features.Group) []byte {
	rec = binary.LittleEndian.AppendUint32(rec, uint32(len(g.NGrams)))
	for i, ng := range g.NGrams {
		rec = appendString(rec, string(ng))
		rec = binary.LittleEndian.AppendUint32(rec, float32bits(g.IDF[i]))
	}
	return rec
}

func sortedKeys(m map[string][]float32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func writeHeader(buf []byte, h header) {
	buf[0] = h.Kind
	binary.LittleEndian.PutUint32(buf[4:8], h.NClasses)
	binary.LittleEndian.PutUint32(buf[8:12], h.NTreesPerRound)
	binary.LittleEndian.PutUint32(buf[12:16], h.NTrees)
	binary.LittleEndian.PutUint32(buf[16:20], h.NFeatures)
	binary.LittleEndian.PutUint32(buf[20:24], h.OffMetadata)
	binary.LittleEndian.PutUint32(buf[24:28], h.OffBiases)
	binary.LittleEndian.PutUint32(buf[28:32], h.OffFeatureIndex)
	binary.LittleEndian.PutUint32(buf[32:36], h.OffTreeOffsets)
	binary.LittleEndian.PutUint32(buf[36:40], h.OffNodes)
	binary.LittleEndian.PutUint32(buf[40:44], h.OffDirections)
	binary.LittleEndian.PutUint32(buf[44:48], h.DirectionsLen)
	binary.LittleEndian.PutUint32(buf[48:52], h.OffGroups)
	binary.LittleEndian.PutUint32(buf[52:56], h.NGroups)
	copy(buf[56:72], h.ID[:])
}

// KindForTask maps a training task to its serialized model kind.
func KindForTask(t tree.Task) Kind {
	switch t {
	case tree.TaskBinaryClassification:
		return KindBinaryClassifier
	case tree.TaskMulticlassClassification:
		return KindMulticlassClassifier
	default:
		return KindRegressor
	}
}
