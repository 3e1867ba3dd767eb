package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tsawler/go-resnet3d/training"
)

// Clip identifies a run of consecutive frames from one video. Start is the
// 1-based index of the first frame, matching the frame file names.
type Clip struct {
	Key    string
	Video  string
	Start  int
	Length int
	Label  int // 0-indexed
}

// ClipConfig controls how clips are cut from each video
type ClipConfig struct {
	ClipLength    int
	ClipsPerVideo int // Validation only
	Train         bool
	Seed          int64
}

// DefaultClipConfig returns the clip settings used for 16-frame flow stacks
func DefaultClipConfig() ClipConfig {
	return ClipConfig{
		ClipLength:    16,
		ClipsPerVideo: 5,
		Seed:          1,
	}
}

// VideoClipDataset indexes the clips of a set of videos. In validation mode
// every video yields the same evenly spaced clips on every pass. In training
// mode every video yields one randomly placed clip, moved by Resample.
type VideoClipDataset struct {
	config  ClipConfig
	videos  []string
	frames  map[string]int
	labels  map[string]int
	clips   []Clip
	skipped []string
	rng     *rand.Rand
}

// LoadFrameCounts reads a JSON object mapping video names to frame counts
func LoadFrameCounts(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame counts: %w", err)
	}

	var frames map[string]int
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("failed to parse frame counts %s: %w", path, err)
	}
	return frames, nil
}

// LoadLabelFile reads the persisted video label table. The file is either a
// JSON object or text lines of "<video> <label>". Labels are 1-indexed.
func LoadLabelFile(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read label file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var labels map[string]int
		if err := json.Unmarshal(data, &labels); err != nil {
			return nil, fmt.Errorf("failed to parse label file %s: %w", path, err)
		}
		return labels, nil
	}

	labels := make(map[string]int)
	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expected \"<video> <label>\", got %q", path, line, scanner.Text())
		}
		label, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid label %q: %w", path, line, fields[1], err)
		}
		labels[fields[0]] = label
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan label file: %w", err)
	}
	return labels, nil
}

// NewVideoClipDataset builds the clip index. Every video must have a label;
// videos shorter than one clip are skipped.
func NewVideoClipDataset(frames map[string]int, labels map[string]int, config ClipConfig) (*VideoClipDataset, error) {
	if config.ClipLength <= 0 {
		return nil, fmt.Errorf("clip length must be positive, got %d", config.ClipLength)
	}
	if !config.Train && config.ClipsPerVideo <= 0 {
		return nil, fmt.Errorf("clips per video must be positive, got %d", config.ClipsPerVideo)
	}

	table, err := training.NewLabelTable(labels)
	if err != nil {
		return nil, err
	}

	d := &VideoClipDataset{
		config: config,
		frames: make(map[string]int, len(frames)),
		labels: make(map[string]int, len(frames)),
		rng:    rand.New(rand.NewSource(config.Seed)),
	}

	for video, count := range frames {
		label, err := table.Lookup(video)
		if err != nil {
			return nil, err
		}
		if count < config.ClipLength {
			d.skipped = append(d.skipped, video)
			continue
		}
		d.videos = append(d.videos, video)
		d.frames[video] = count
		d.labels[video] = label
	}
	sort.Strings(d.videos)
	sort.Strings(d.skipped)

	if len(d.videos) == 0 {
		return nil, fmt.Errorf("no video has at least %d frames", config.ClipLength)
	}

	d.Resample()
	return d, nil
}

// Len returns the number of clips
func (d *VideoClipDataset) Len() int {
	return len(d.clips)
}

// Item returns the clip at the given index
func (d *VideoClipDataset) Item(index int) (Clip, error) {
	if index < 0 || index >= len(d.clips) {
		return Clip{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.clips))
	}
	return d.clips[index], nil
}

// Videos returns the indexed video names in order
func (d *VideoClipDataset) Videos() []string {
	return append([]string(nil), d.videos...)
}

// Skipped returns the videos too short for one clip
func (d *VideoClipDataset) Skipped() []string {
	return append([]string(nil), d.skipped...)
}

// Resample rebuilds the clip list. Training clips move to new random
// positions; validation clips are fixed.
func (d *VideoClipDataset) Resample() {
	d.clips = d.clips[:0]
	for _, video := range d.videos {
		for _, start := range d.starts(d.frames[video]) {
			d.clips = append(d.clips, Clip{
				Key:    training.ClipKey(video, strconv.Itoa(start)),
				Video:  video,
				Start:  start,
				Length: d.config.ClipLength,
				Label:  d.labels[video],
			})
		}
	}
}

func (d *VideoClipDataset) starts(frames int) []int {
	span := frames - d.config.ClipLength // Last valid 0-based offset

	if d.config.Train {
		return []int{1 + d.rng.Intn(span+1)}
	}

	n := d.config.ClipsPerVideo
	if n == 1 {
		return []int{1 + span/2}
	}

	starts := make([]int, 0, n)
	for i := 0; i < n; i++ {
		start := 1 + i*span/(n-1)
		if len(starts) > 0 && starts[len(starts)-1] == start {
			continue
		}
		starts = append(starts, start)
	}
	return starts
}
