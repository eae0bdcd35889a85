package lipdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/unixpickle/essentials"
)

// A Config controls how samples are extracted from video
// directories.
type Config struct {
	// Sentence uses one whole-caption sample per video.
	// Otherwise each video's caption windows become
	// separate samples.
	Sentence bool

	// Threshold is the minimum per-frame visibility
	// score. Frames scoring below it are dropped.
	Threshold float64
}

// A Sample is one training example: a window of frames
// from a video directory plus its caption.
//
// Frame features are loaded lazily with ReadFrames.
type Sample struct {
	Dir     string
	Caption string

	// The frame window, before visibility filtering.
	// End < 0 selects all frames.
	Start int
	End   int

	// NumFrames is the number of frames the sample
	// yields after windowing and visibility filtering.
	NumFrames int

	Threshold float64
}

type window struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Caption string `json:"caption"`
}

// ListVideos lists the per-video sample directories under
// a dataset directory, sorted by name.
func ListVideos(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, essentials.AddCtx("list videos", err)
	}
	var res []string
	for _, e := range entries {
		if e.IsDir() {
			res = append(res, filepath.Join(dir, e.Name()))
		}
	}
	if len(res) == 0 {
		return nil, errors.New("list videos: no video directories in " + dir)
	}
	sort.Strings(res)
	return res, nil
}

// SplitVideos shuffles the videos with rng and splits
// them into train, validation, and test partitions. The
// remainder after the train fraction is divided evenly,
// with the odd video going to test.
func SplitVideos(videos []string, trainFrac float64, rng *rand.Rand) (train, val,
	test []string, err error) {
	if trainFrac < 0 || trainFrac > 1 {
		return nil, nil, nil, errors.New("split videos: train fraction " +
			"must be in [0, 1]")
	}
	shuffled := append([]string{}, videos...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	trainSize := int(trainFrac * float64(len(shuffled)))
	valTestSize := int(math.Round(float64(len(shuffled)) * (1 - trainFrac)))
	if trainSize+valTestSize != len(shuffled) {
		return nil, nil, nil, fmt.Errorf("split videos: partitions cover %d of %d videos",
			trainSize+valTestSize, len(shuffled))
	}
	valEnd := trainSize + valTestSize/2
	return shuffled[:trainSize], shuffled[trainSize:valEnd], shuffled[valEnd:], nil
}

// LoadSamples extracts the samples from a list of video
// directories. Every sample is validated: its frames
// must exist and agree with any visibility scores.
func LoadSamples(videos []string, cfg Config) (SampleList, error) {
	var res SampleList
	for _, dir := range videos {
		samples, err := loadVideo(dir, cfg)
		if err != nil {
			return nil, essentials.AddCtx("load samples", err)
		}
		res = append(res, samples...)
	}
	return res, nil
}

func loadVideo(dir string, cfg Config) ([]*Sample, error) {
	frames, vis, err := readVideoMeta(dir)
	if err != nil {
		return nil, err
	}
	var windows []window
	if !cfg.Sentence {
		windows, err = readWindows(dir)
		if err != nil {
			return nil, err
		}
	}
	if windows == nil {
		caption, err := readCaption(dir)
		if err != nil {
			return nil, err
		}
		windows = []window{{Start: 0, End: -1, Caption: caption}}
	}
	var res []*Sample
	for _, w := range windows {
		end := w.End
		if end < 0 || end > frames {
			end = frames
		}
		if w.Start < 0 || w.Start > end {
			return nil, fmt.Errorf("%s: bad window [%d, %d)", dir, w.Start, w.End)
		}
		count := end - w.Start
		if vis != nil {
			count = 0
			for _, score := range vis[w.Start:end] {
				if score >= cfg.Threshold {
					count++
				}
			}
		}
		res = append(res, &Sample{
			Dir:       dir,
			Caption:   w.Caption,
			Start:     w.Start,
			End:       end,
			NumFrames: count,
			Threshold: cfg.Threshold,
		})
	}
	return res, nil
}

// readVideoMeta counts a video's frames and reads its
// optional visibility scores.
func readVideoMeta(dir string) (frames int, vis []float64, err error) {
	rawFrames, err := readFrameFile(dir)
	if err != nil {
		return 0, nil, err
	}
	vis, err = readVisibility(dir, len(rawFrames))
	if err != nil {
		return 0, nil, err
	}
	return len(rawFrames), vis, nil
}

func readFrameFile(dir string) ([][]float64, error) {
	data, err := os.ReadFile(filepath.Join(dir, "frames.json"))
	if err != nil {
		return nil, err
	}
	var frames [][]float64
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, essentials.AddCtx(dir, err)
	}
	return frames, nil
}

func readVisibility(dir string, frames int) ([]float64, error) {
	data, err := os.ReadFile(filepath.Join(dir, "visibility.json"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var vis []float64
	if err := json.Unmarshal(data, &vis); err != nil {
		return nil, essentials.AddCtx(dir, err)
	}
	if len(vis) != frames {
		return nil, fmt.Errorf("%s: %d visibility scores for %d frames",
			dir, len(vis), frames)
	}
	return vis, nil
}

func readCaption(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "caption.txt"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readWindows(dir string) ([]window, error) {
	data, err := os.ReadFile(filepath.Join(dir, "windows.json"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var res []window
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, essentials.AddCtx(dir, err)
	}
	return res, nil
}

// ReadFrames loads the sample's frame features: the
// window's frames with low-visibility frames dropped.
// Every frame must have exactly frameDim components.
func (s *Sample) ReadFrames(frameDim int) ([][]float64, error) {
	raw, err := readFrameFile(s.Dir)
	if err != nil {
		return nil, essentials.AddCtx("read frames", err)
	}
	vis, err := readVisibility(s.Dir, len(raw))
	if err != nil {
		return nil, essentials.AddCtx("read frames", err)
	}
	end := s.End
	if end < 0 || end > len(raw) {
		end = len(raw)
	}
	var res [][]float64
	for i := s.Start; i < end; i++ {
		if vis != nil && vis[i] < s.Threshold {
			continue
		}
		if len(raw[i]) != frameDim {
			return nil, fmt.Errorf("read frames: %s: frame %d has %d components, want %d",
				s.Dir, i, len(raw[i]), frameDim)
		}
		res = append(res, raw[i])
	}
	return res, nil
}
