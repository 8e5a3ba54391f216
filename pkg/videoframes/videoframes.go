// Package videoframes extracts still images from videos, to serve as training examples for a detector.
package videoframes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cyclopcam/detectorlab/pkg/shell"
	"github.com/cyclopcam/logs"
)

// By default, one image is kept out of every DefaultSkipFrames frames
const DefaultSkipFrames = 1000

// Frames are never resized narrower than this
const MinFrameWidth = 10

// Quality passed to ffmpeg's JPEG encoder (2 is best, 31 is worst)
const jpegQScale = 2

// Name of the temporary files that ffmpeg writes, before we rename them
const tempPattern = "frame_%06d.jpg"

var ErrInvalidOptions = errors.New("Invalid frame extraction options")

type Options struct {
	FrameWidth int               // If non-zero, frames are proportionally resized to this width
	Start      float64           // Seconds from the beginning of the video
	Duration   float64           // Seconds. Zero extracts until the end of the video.
	SkipFrames int               // Keep one frame out of every SkipFrames. Zero means DefaultSkipFrames.
	OnLog      func(line string) // Optional. Receives progress messages and ffmpeg output.
}

// VideoInfo is what ffprobe tells us about the first video stream of a file
type VideoInfo struct {
	FPS      int     // Rounded to the nearest whole number
	Duration float64 // Seconds
	Width    int
	Height   int
}

// Extractor runs ffprobe and ffmpeg
type Extractor struct {
	Log     logs.Log
	FFmpeg  string // Path to ffmpeg
	FFprobe string // Path to ffprobe
}

func NewExtractor(log logs.Log) (*Extractor, error) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("Unable to find ffmpeg in your path (%w)", err)
	}
	ffprobe, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("Unable to find ffprobe in your path (%w)", err)
	}
	return &Extractor{
		Log:     log,
		FFmpeg:  ffmpeg,
		FFprobe: ffprobe,
	}, nil
}

// Inspect reads the frame rate, duration and size of a video
func (e *Extractor) Inspect(video string) (*VideoInfo, error) {
	out, err := shell.Run(e.FFprobe, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate,r_frame_rate,width,height:format=duration",
		"-of", "json", video)
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed on %v: %w", video, err)
	}
	var meta struct {
		Streams []struct {
			AvgFrameRate string `json:"avg_frame_rate"`
			RFrameRate   string `json:"r_frame_rate"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal([]byte(out), &meta); err != nil {
		return nil, fmt.Errorf("Failed to parse ffprobe output for %v: %w", video, err)
	}
	if len(meta.Streams) == 0 {
		return nil, fmt.Errorf("%v has no video stream", video)
	}
	s := meta.Streams[0]
	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("Unable to determine the frame rate of %v", video)
	}
	duration, _ := strconv.ParseFloat(meta.Format.Duration, 64)
	return &VideoInfo{
		FPS:      int(math.Round(fps)),
		Duration: duration,
		Width:    s.Width,
		Height:   s.Height,
	}, nil
}

// parseRate parses an ffprobe rate such as "30000/1001". Returns 0 on failure.
func parseRate(r string) float64 {
	num, den, found := strings.Cut(r, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// FrameName is the name of the image extracted from the given frame of a video.
// frame is 1-based.
func FrameName(video string, frame int) string {
	base := filepath.Base(video)
	return fmt.Sprintf("%v_%v.jpg", strings.TrimSuffix(base, filepath.Ext(base)), frame)
}

// selection is the set of (0-based) frame indices that we extract
type selection struct {
	first int     // First frame index at or after the start time
	limit float64 // Frames with index+1 >= limit are past the end. Zero means no limit.
	skip  int
}

// Frame n is shown at time (n+1)/fps
func makeSelection(info *VideoInfo, start, duration float64, skip int) selection {
	startFrame := start * float64(info.FPS)
	sel := selection{
		first: max(0, int(math.Ceil(startFrame))-1),
		skip:  skip,
	}
	if duration > 0 {
		sel.limit = (start + duration) * float64(info.FPS)
	}
	return sel
}

// ffmpeg select filter expression
func (s selection) filter() string {
	expr := fmt.Sprintf("gte(n\\,%v)*not(mod(n-%v\\,%v))", s.first, s.first, s.skip)
	if s.limit > 0 {
		expr += fmt.Sprintf("*lt(n+1\\,%v)", strconv.FormatFloat(s.limit, 'f', -1, 64))
	}
	return "select='" + expr + "'"
}

// Extract writes every SkipFrames'th frame of the video, from Start until Start+Duration,
// into outDir as <video name>_<frame number>.jpg. It returns the files written, in frame order.
func (e *Extractor) Extract(ctx context.Context, video, outDir string, opts Options) ([]string, error) {
	skip := opts.SkipFrames
	if skip == 0 {
		skip = DefaultSkipFrames
	}
	if skip < 0 || opts.Start < 0 || opts.Duration < 0 || opts.FrameWidth < 0 {
		return nil, fmt.Errorf("%w: skip %v, start %v, duration %v, width %v", ErrInvalidOptions, opts.SkipFrames, opts.Start, opts.Duration, opts.FrameWidth)
	}
	onLog := func(line string) {
		if opts.OnLog != nil {
			opts.OnLog(line)
		}
	}

	info, err := e.Inspect(video)
	if err != nil {
		return nil, err
	}
	start := opts.Start
	if info.Duration > 0 && start >= info.Duration {
		e.Log.Warnf("The beginning time %v is later than the end of %v (%.1f seconds). Starting at the beginning instead.", start, video, info.Duration)
		onLog("Warning: The beginning time is later than the end of the video. Starting at the beginning instead.")
		start = 0
	}
	sel := makeSelection(info, start, opts.Duration, skip)

	filters := []string{sel.filter()}
	if opts.FrameWidth != 0 {
		filters = append(filters, fmt.Sprintf("scale=%v:-2", max(opts.FrameWidth, MinFrameWidth)))
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	tmpDir, err := os.MkdirTemp(outDir, ".frames-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	e.Log.Infof("Extracting frames from %v (%v fps, every %v frames, starting at frame %v)", video, info.FPS, skip, sel.first+1)
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", video,
		"-vf", strings.Join(filters, ","),
		"-fps_mode", "passthrough",
		"-q:v", strconv.Itoa(jpegQScale),
		"-start_number", "0",
		filepath.Join(tmpDir, tempPattern),
	}
	if err := shell.RunLines(ctx, onLog, "", nil, e.FFmpeg, args...); err != nil {
		return nil, fmt.Errorf("ffmpeg failed on %v: %w", video, err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	// Zero-padded, so lexical order is frame order
	sort.Strings(names)

	written := []string{}
	for k, name := range names {
		dst := filepath.Join(outDir, FrameName(video, sel.first+k*skip+1))
		if err := os.Rename(filepath.Join(tmpDir, name), dst); err != nil {
			return written, err
		}
		written = append(written, dst)
	}
	e.Log.Infof("Extracted %v images from %v", len(written), video)
	onLog(fmt.Sprintf("The image examples stored in: %v", outDir))
	return written, nil
}
