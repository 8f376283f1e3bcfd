package model

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/frankmgb/tangram/internal/features"
	"github.com/frankmgb/tangram/internal/table"
	"github.com/frankmgb/tangram/internal/stats"
)

// View is a zero-copy read over one model's serialized body (the bytes
// following the magic/version prefix validated by Unmarshal). Every
// accessor re-slices the backing array; nothing is copied until the
// caller asks for a concrete value.
type View struct {
	raw []byte
	h   header
}

func newView(raw []byte) (*View, error) {
	if len(raw) < HeaderSize {
		return nil, errors.Wrap(ErrCorruptModel, "blob shorter than header")
	}
	h := header{
		Kind:            raw[0],
		NClasses:        binary.LittleEndian.Uint32(raw[4:8]),
		NTreesPerRound:  binary.LittleEndian.Uint32(raw[8:12]),
		NTrees:          binary.LittleEndian.Uint32(raw[12:16]),
		NFeatures:       binary.LittleEndian.Uint32(raw[16:20]),
		OffMetadata:     binary.LittleEndian.Uint32(raw[20:24]),
		OffBiases:       binary.LittleEndian.Uint32(raw[24:28]),
		OffFeatureIndex: binary.LittleEndian.Uint32(raw[28:32]),
		OffTreeOffsets:  binary.LittleEndian.Uint32(raw[32:36]),
		OffNodes:        binary.LittleEndian.Uint32(raw[36:40]),
		OffDirections:   binary.LittleEndian.Uint32(raw[40:44]),
		DirectionsLen:   binary.LittleEndian.Uint32(raw[44:48]),
		OffGroups:       binary.LittleEndian.Uint32(raw[48:52]),
		NGroups:         binary.LittleEndian.Uint32(raw[52:56]),
	}
	copy(h.ID[:], raw[56:72])
	for _, off := range []uint32{h.OffMetadata, h.OffBiases, h.OffFeatureIndex, h.OffTreeOffsets, h.OffNodes, h.OffDirections, h.OffGroups} {
		if int(off) > len(raw) {
			return nil, errors.Wrap(ErrCorruptModel, "section offset out of bounds")
		}
	}
	return &View{raw: raw, h: h}, nil
}

// Kind returns the model's task discriminant.
func (v *View) Kind() Kind { return Kind(v.h.Kind) }

// ID returns the model's 16-byte identifier.
func (v *View) ID() uuid.UUID { return uuid.UUID(v.h.ID) }

// NClasses returns the class count recorded from the trained model's
// labels. Biases uses it only for multiclass models.
func (v *View) NClasses() int { return int(v.h.NClasses) }

// NTrees returns the number of trees stored.
func (v *View) NTrees() int { return int(v.h.NTrees) }

// NTreesPerRound returns how many trees are trained per boosting round
// (1 for regression/binary, NClasses for multiclass).
func (v *View) NTreesPerRound() int { return int(v.h.NTreesPerRound) }

// Biases returns the bias vector, read directly off the blob.
func (v *View) Biases() []float64 {
	n := 1
	if v.Kind() == KindMulticlassClassifier {
		n = int(v.h.NClasses)
	}
	out := make([]float64, n)
	off := int(v.h.OffBiases)
	for i := 0; i < n; i++ {
		u := binary.LittleEndian.Uint64(v.raw[off+i*8 : off+i*8+8])
		out[i] = float64FromUint64(u)
	}
	return out
}

// FeatureColumnIndex returns the encoded-feature column index for each
// of the model's feature slots.
func (v *View) FeatureColumnIndex() []int {
	n := int(v.h.NFeatures)
	out := make([]int, n)
	off := int(v.h.OffFeatureIndex)
	for i := 0; i < n; i++ {
		out[i] = int(binary.LittleEndian.Uint32(v.raw[off+i*4 : off+i*4+4]))
	}
	return out
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) u8() uint8 { b := r.buf[r.pos]; r.pos++; return b }
func (r *reader) skip(n int) { r.pos += n }
func (r *reader) u32() uint32 {
	u := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return u
}
func (r *reader) f32() float32 { return float32frombits(r.u32()) }
func (r *reader) str() string {
	n := int(r.u32())
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s
}

// Metadata decodes the training-run summary section.
func (v *View) Metadata() Metadata {
	r := &reader{buf: v.raw, pos: int(v.h.OffMetadata)}
	md := Metadata{
		TrainRowCount: r.u32(),
		TestRowCount:  r.u32(),
	}
	md.Metric = MetricKind(r.u8())
	r.skip(3)
	md.MetricValue = r.f32()
	nLosses := int(r.u32())
	md.Losses = make([]float32, nLosses)
	for i := 0; i < nLosses; i++ {
		md.Losses[i] = r.f32()
	}
	md.TargetColumn = r.str()
	nVariants := int(r.u32())
	md.TargetVariants = make([]string, nVariants)
	for i := 0; i < nVariants; i++ {
		md.TargetVariants[i] = r.str()
	}
	return md
}

// Groups decodes the serialized feature-group list. SourceIndex and
// SourceIndexB are not stored and are left at zero; callers assign them
// against the table they encode (predict.Load does this).
func (v *View) Groups() []features.Group {
	r := &reader{buf: v.raw, pos: int(v.h.OffGroups)}
	n := int(v.h.NGroups)
	groups := make([]features.Group, 0, n)
	for i := 0; i < n; i++ {
		recLen := int(r.u32())
		end := r.pos + recLen
		g := features.Group{}
		g.Kind = features.GroupKind(r.u8())
		g.SourceColumnKind = table.ColumnKind(r.u8())
		g.Strategy = features.BagOfWordsStrategy(r.u8())
		r.skip(1)
		g.SourceColumn = r.str()
		switch g.Kind {
		case features.GroupNormalized:
			g.Mean = r.f32()
			g.StdDev = r.f32()
		case features.GroupIdentity, features.GroupOneHotEncoded:
			nv := int(r.u32())
			g.Variants = make([]string, nv)
			for j := 0; j < nv; j++ {
				g.Variants[j] = r.str()
			}
		case features.GroupBagOfWords:
			readNGrams(r, &g)
		case features.GroupBagOfWordsCosineSimilarity:
			g.SourceColumnB = r.str()
			readNGrams(r, &g)
		case features.GroupWordEmbedding:
			g.EmbeddingDim = int(r.u32())
			nTokens := int(r.u32())
			g.Embeddings = make(map[string][]float32, nTokens)
			for j := 0; j < nTokens; j++ {
				tok := r.str()
				vec := make([]float32, g.EmbeddingDim)
				for d := range vec {
					vec[d] = r.f32()
				}
				g.Embeddings[tok] = vec
			}
		}
		r.pos = end
		groups = append(groups, g)
	}
	return groups
}

func readNGrams(r *reader, g *features.Group) {
	nn := int(r.u32())
	g.NGrams = make([]stats.NGram, nn)
	g.NGramIndex = make(map[stats.NGram]int, nn)
	g.IDF = make([]float32, nn)
	for j := 0; j < nn; j++ {
		ng := stats.NGram(r.str())
		g.NGrams[j] = ng
		g.NGramIndex[ng] = j
		g.IDF[j] = r.f32()
	}
}

// NodeRecord is the exported form of one on-disk node, consumed by the
// predictor's raw-value tree walk.
type NodeRecord struct {
	Kind             uint8 // 0 = leaf, 1 = continuous branch, 2 = discrete branch
	InvalidGoesRight bool
	LeftChild        int
	RightChild       int
	FeatureIndex     int
	BinIndex         int
	SplitValue       float32
	DirectionsOffset int32
	DirectionsLen    int32
	Value            float64
	ExamplesFraction float32
}

// treeNodeCount returns the node count of tree i without materializing
// any node.
func (v *View) treeNodeCount(i int) int {
	off := int(v.h.OffTreeOffsets) + i*4
	return int(binary.LittleEndian.Uint32(v.raw[off : off+4]))
}

// treeNodeStart returns the flat node-array index where tree i begins.
func (v *View) treeNodeStart(i int) int {
	start := 0
	for j := 0; j < i; j++ {
		start += v.treeNodeCount(j)
	}
	return start
}

// Node reads one node record of one tree directly from the blob.
func (v *View) Node(treeIndex, nodeIndex int) NodeRecord {
	flat := v.treeNodeStart(treeIndex) + nodeIndex
	off := int(v.h.OffNodes) + flat*rawNodeSize
	b := v.raw[off : off+rawNodeSize]
	return NodeRecord{
		Kind:             b[0],
		InvalidGoesRight: b[1] == 1,
		LeftChild:        int(int32(binary.LittleEndian.Uint32(b[4:8]))),
		RightChild:       int(int32(binary.LittleEndian.Uint32(b[8:12]))),
		FeatureIndex:     int(int32(binary.LittleEndian.Uint32(b[12:16]))),
		BinIndex:         int(int32(binary.LittleEndian.Uint32(b[16:20]))),
		DirectionsOffset: int32(binary.LittleEndian.Uint32(b[20:24])),
		DirectionsLen:    int32(binary.LittleEndian.Uint32(b[24:28])),
		SplitValue:       float32frombits(binary.LittleEndian.Uint32(b[28:32])),
		Value:            float64FromUint64(binary.LittleEndian.Uint64(b[32:40])),
		ExamplesFraction: float32frombits(binary.LittleEndian.Uint32(b[40:44])),
	}
}

// DirectionGoesLeft reads one packed direction entry for a discrete
// split; bin 0 is the invalid bucket.
func (v *View) DirectionGoesLeft(offset, bin int32) bool {
	if bin >= 0 {
		off := int(v.h.OffDirections) + int(offset) + int(bin)
		return v.raw[off] == 1
	}
	return false
}

// Predict walks tree i directly off the blob for one row of binned
// feature values, without materializing a tree.Tree at all.
func (v *View) Predict(treeIndex int, binnedRow []uint16) float64 {
	idx := 0
	for {
		n := v.Node(treeIndex, idx)
		switch n.Kind {
		case 0:
			return n.Value
		case 1:
			bin := int(binnedRow[n.FeatureIndex])
			var goLeft bool
			if bin == 0 {
				goLeft = !n.InvalidGoesRight
			} else {
				goLeft = bin <= n.BinIndex
			}
			if goLeft {
				idx = n.LeftChild
			} else {
				idx = n.RightChild
			}
		default:
			bin := int32(binnedRow[n.FeatureIndex])
			if v.DirectionGoesLeft(n.DirectionsOffset, bin) {
				idx = n.LeftChild
			} else {
				idx = n.RightChild
			}
		}
	}
}

// PredictAll runs every tree and sums per-class outputs on top of the
// model's biases.
func (v *View) PredictAll(binnedRow []uint16) []float64 {
	out := v.Biases()
	perRound := v.NTreesPerRound()
	for t := 0; t < v.NTrees(); t++ {
		classIndex := t % perRound
		out[classIndex] += v.Predict(t, binnedRow)
	}
	return out
}
