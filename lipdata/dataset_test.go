package lipdata

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/unixpickle/anyvec/anyvec64"
)

func TestSplitVideos(t *testing.T) {
	videos := make([]string, 10)
	for i := range videos {
		videos[i] = string(rune('a' + i))
	}
	train, val, test, err := SplitVideos(videos, 0.8, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	if len(train) != 8 || len(val) != 1 || len(test) != 1 {
		t.Fatalf("bad partition sizes: %d/%d/%d", len(train), len(val), len(test))
	}

	seen := map[string]bool{}
	for _, part := range [][]string{train, val, test} {
		for _, v := range part {
			if seen[v] {
				t.Fatalf("video %s appears twice", v)
			}
			seen[v] = true
		}
	}
	if len(seen) != 10 {
		t.Errorf("partitions cover %d of 10 videos", len(seen))
	}

	train2, _, _, err := SplitVideos(videos, 0.8, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(train, train2) {
		t.Error("equal seeds should give equal splits")
	}
}

func TestSplitVideosBadFraction(t *testing.T) {
	if _, _, _, err := SplitVideos([]string{"a"}, 1.5, rand.New(rand.NewSource(0))); err == nil {
		t.Error("expected an error for an out-of-range fraction")
	}
}

func TestLoadSamplesWindows(t *testing.T) {
	dir := writeVideo(t, videoFiles{
		frames: [][]float64{{1, 2}, {3, 4}, {5, 6}, {7, 8}},
		vis:    []float64{1, 0.5, 1, 1},
		windows: []window{
			{Start: 0, End: 2, Caption: "hi"},
			{Start: 2, End: -1, Caption: "yo"},
		},
	})
	samples, err := LoadSamples([]string{dir}, Config{Threshold: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples but got %d", len(samples))
	}
	if samples[0].Caption != "hi" || samples[0].NumFrames != 1 {
		t.Errorf("bad first sample: %q with %d frames", samples[0].Caption,
			samples[0].NumFrames)
	}
	if samples[1].Caption != "yo" || samples[1].NumFrames != 2 {
		t.Errorf("bad second sample: %q with %d frames", samples[1].Caption,
			samples[1].NumFrames)
	}

	rows, err := samples[0].ReadFrames(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0][0] != 1 {
		t.Errorf("unexpected frames: %v", rows)
	}
	if _, err := samples[0].ReadFrames(3); err == nil {
		t.Error("expected an error for a mismatching frame size")
	}
}

func TestLoadSamplesSentence(t *testing.T) {
	dir := writeVideo(t, videoFiles{
		frames: [][]float64{{1}, {2}, {3}},
		windows: []window{
			{Start: 0, End: 1, Caption: "ignored"},
		},
		caption: "whole thing",
	})
	samples, err := LoadSamples([]string{dir}, Config{Sentence: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample but got %d", len(samples))
	}
	s := samples[0]
	if s.Caption != "whole thing" || s.NumFrames != 3 {
		t.Errorf("bad sample: %q with %d frames", s.Caption, s.NumFrames)
	}
}

func TestBatchedSampleListPostShuffle(t *testing.T) {
	var list SampleList
	for _, n := range []int{1, 5, 3, 9, 2, 7} {
		list = append(list, &Sample{NumFrames: n})
	}
	b := &BatchedSampleList{SampleList: list, ChunkSize: 3}
	b.PostShuffle()
	expected := []int{5, 3, 1, 9, 7, 2}
	for i, s := range b.SampleList {
		if s.NumFrames != expected[i] {
			t.Fatalf("position %d: expected %d frames but got %d",
				i, expected[i], s.NumFrames)
		}
	}
}

func TestFetcher(t *testing.T) {
	dir := writeVideo(t, videoFiles{
		frames:  [][]float64{{1, 2}, {3, 4}},
		caption: "ab",
	})
	samples, err := LoadSamples([]string{dir}, Config{Sentence: true})
	if err != nil {
		t.Fatal(err)
	}
	vocab, err := NewVocab([]rune("ab"))
	if err != nil {
		t.Fatal(err)
	}
	f := &Fetcher{
		Creator:  anyvec64.CurrentCreator(),
		Vocab:    vocab,
		FrameDim: 2,
	}
	raw, err := f.Fetch(samples)
	if err != nil {
		t.Fatal(err)
	}
	b := raw.(*Batch)
	if len(b.Frames) != 1 || len(b.Frames[0]) != 2 {
		t.Fatal("bad frame shapes")
	}
	if b.Frames[0][1].Data().([]float64)[0] != 3 {
		t.Error("bad frame contents")
	}
	if !reflect.DeepEqual(b.Labels[0], []int{1, 2}) {
		t.Errorf("unexpected labels: %v", b.Labels[0])
	}

	f.FrameDim = 5
	if _, err := f.Fetch(samples); err == nil {
		t.Error("expected an error for a mismatching frame size")
	}
}

type videoFiles struct {
	frames  [][]float64
	vis     []float64
	windows []window
	caption string
}

func writeVideo(t *testing.T, files videoFiles) string {
	t.Helper()
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "frames.json"), files.frames)
	if files.vis != nil {
		writeJSON(t, filepath.Join(dir, "visibility.json"), files.vis)
	}
	if files.windows != nil {
		writeJSON(t, filepath.Join(dir, "windows.json"), files.windows)
	}
	if files.caption != "" {
		err := os.WriteFile(filepath.Join(dir, "caption.txt"),
			[]byte(files.caption+"\n"), 0644)
		if err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func writeJSON(t *testing.T, path string, obj interface{}) {
	t.Helper()
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}
