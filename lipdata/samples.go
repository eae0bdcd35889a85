package lipdata

import (
	"sort"

	"github.com/unixpickle/anynet/anysgd"
)

// A SampleList is a list of samples for training,
// compatible with anysgd.
type SampleList []*Sample

// Len returns the number of samples.
func (s SampleList) Len() int {
	return len(s)
}

// Swap swaps two samples.
func (s SampleList) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// Slice generates a shallow copy of a subset of the
// list.
func (s SampleList) Slice(i, j int) anysgd.SampleList {
	return append(SampleList{}, s[i:j]...)
}

// A BatchedSampleList groups a SampleList into chunks of
// similarly sized samples after every shuffle, so that
// mini-batches carry less padding.
type BatchedSampleList struct {
	SampleList

	// ChunkSize is the sorting granularity, typically a
	// small multiple of the mini-batch size.
	ChunkSize int
}

// Slice generates a shallow copy of a subset of the
// list.
func (b *BatchedSampleList) Slice(i, j int) anysgd.SampleList {
	return b.SampleList.Slice(i, j)
}

// PostShuffle sorts each chunk by descending frame count.
func (b *BatchedSampleList) PostShuffle() {
	chunk := b.ChunkSize
	if chunk <= 0 {
		chunk = len(b.SampleList)
	}
	for i := 0; i < len(b.SampleList); i += chunk {
		j := i + chunk
		if j > len(b.SampleList) {
			j = len(b.SampleList)
		}
		part := b.SampleList[i:j]
		sort.SliceStable(part, func(x, y int) bool {
			return part[x].NumFrames > part[y].NumFrames
		})
	}
}
