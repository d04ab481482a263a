// Package util - Loads ground truth label files into target batches.
package util

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolo/images"
	"github.com/nvr-ai/go-yolo/models/targets"
)

// LabelExtension is the file extension of a label file.
const LabelExtension = ".txt"

// LabelFile is the ground truth of one frame.
type LabelFile struct {
	// Path is the path to the label file.
	Path string
	// Frame is the frame number parsed from the file name.
	Frame int
	// Targets are the objects listed in the file.
	Targets []targets.Target
}

// ParseLabels parses label lines of the form "class cx cy w h", with the box
// normalized to [0, 1]. Blank lines are skipped.
//
// Arguments:
//   - data: The raw contents of a label file.
//
// Returns:
//   - []targets.Target: The targets in file order. Never nil.
//   - error: An error naming the offending line if a field is missing or malformed.
func ParseLabels(data []byte) ([]targets.Target, error) {
	out := []targets.Target{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, errors.Errorf("line %d: got %d fields, want 5", line, len(fields))
		}

		class, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: class", line)
		}
		var v [4]float32
		for i := range v {
			f, err := strconv.ParseFloat(fields[i+1], 32)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: field %d", line, i+2)
			}
			v[i] = float32(f)
		}
		out = append(out, targets.Target{
			Class: class,
			Box:   images.Center{X: v[0], Y: v[1], W: v[2], H: v[3]},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan labels")
	}
	return out, nil
}

// LoadDirectoryLabelFiles reads every label file in a directory, ordered by frame.
//
// File names are "<frame>.txt" or "frame-<frame>.txt". Other files, including
// .txt files without a frame number, are ignored.
//
// Arguments:
//   - dir: Directory path containing label files.
//
// Returns:
//   - []LabelFile: One entry per label file, in ascending frame order.
//   - error: Error if loading or parsing fails.
func LoadDirectoryLabelFiles(dir string) ([]LabelFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read label directory %s", dir)
	}

	var labels []LabelFile
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != LabelExtension {
			continue
		}

		frame, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSuffix(file.Name(), LabelExtension), "frame-"))
		if err != nil {
			continue
		}
		path := filepath.Join(dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read label file %s", path)
		}
		parsed, err := ParseLabels(data)
		if err != nil {
			return nil, errors.Wrapf(err, "label file %s", path)
		}
		labels = append(labels, LabelFile{
			Path:    path,
			Frame:   frame,
			Targets: parsed,
		})
	}

	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Frame < labels[j].Frame
	})

	return labels, nil
}

// Batch groups label files into a target batch, one image per file.
func Batch(labels []LabelFile) targets.Batch {
	batch := make(targets.Batch, len(labels))
	for i, l := range labels {
		batch[i] = l.Targets
	}
	return batch
}
