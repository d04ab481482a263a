// Package config - Loads assigner and filter settings from YAML or JSON files.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/models/postprocess"
	"github.com/nvr-ai/go-yolo/models/targets"
)

// Config is the full configuration of the training targets and the detection filter.
type Config struct {
	// Targets configures the target builder.
	Targets targets.Config `json:"targets" yaml:"targets"`
	// Anchors are the anchor shapes in grid-cell units.
	Anchors []targets.Anchor `json:"anchors" yaml:"anchors"`
	// NMS configures the detection filter.
	NMS postprocess.NMSConfig `json:"nms" yaml:"nms"`
}

// Default returns a config with every default applied. Grid size, class count and
// anchors are model specific and left empty.
func Default() Config {
	return Config{
		Targets: targets.DefaultConfig(),
		NMS:     postprocess.DefaultNMSConfig(),
	}
}

// Validate checks the targets and NMS sections.
func (c Config) Validate() error {
	if err := c.Targets.Validate(); err != nil {
		return errors.Wrap(err, "targets")
	}
	if len(c.Anchors) == 0 {
		return errors.Wrap(common.ErrInvalidConfig, "anchors: at least one anchor is required")
	}
	if err := c.NMS.Validate(); err != nil {
		return errors.Wrap(err, "nms")
	}
	if c.NMS.NumClasses != 0 && c.NMS.NumClasses != c.Targets.NumClasses {
		return errors.Wrapf(common.ErrInvalidConfig, "nms num_classes %d differs from targets num_classes %d", c.NMS.NumClasses, c.Targets.NumClasses)
	}
	return nil
}

// Load reads a config file. Files ending in .json are parsed as JSON, everything
// else as YAML. Values missing from the file keep their defaults.
//
// Arguments:
//   - path: The path of the config file.
//
// Returns:
//   - Config: The validated config.
//   - error: An error if the file cannot be read, parsed or validated.
//
// @example
// cfg, err := config.Load("configs/yolov3-tiny.yaml")
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Format is the encoding of a config document.
type Format string

const (
	// FormatYAML is a YAML document.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON document.
	FormatJSON Format = "json"
)

// Parse decodes a config document over the defaults and validates it.
func Parse(data []byte, format Format) (Config, error) {
	cfg := Default()
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, errors.Wrap(err, "decode json")
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, errors.Wrap(err, "decode yaml")
		}
	default:
		return Config{}, errors.Wrapf(common.ErrInvalidConfig, "unknown config format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewBuilder creates a target builder from the config.
func (c Config) NewBuilder(logger *logrus.Logger) (*targets.Builder, error) {
	return targets.NewBuilder(c.Targets, c.Anchors, logger)
}

// NewFilter creates a detection filter from the config.
func (c Config) NewFilter(logger *logrus.Logger) (*postprocess.Filter, error) {
	return postprocess.NewFilter(c.NMS, logger)
}
