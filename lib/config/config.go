// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a calibration run.
type Config struct {
	// Pipeline scopes ledger steps. Two runs with different pipeline
	// names in the same workspace do not share progress.
	Pipeline string `yaml:"pipeline" json:"pipeline"`

	Paths       PathsConfig       `yaml:"paths" json:"paths"`
	Datasets    DatasetsConfig    `yaml:"datasets" json:"datasets"`
	Model       ModelConfig       `yaml:"model" json:"model"`
	Calibration CalibrationConfig `yaml:"calibration" json:"calibration"`
	Clustering  ClusteringConfig  `yaml:"clustering" json:"clustering"`
	Imaging     ImagingConfig     `yaml:"imaging" json:"imaging"`
	Runner      RunnerConfig      `yaml:"runner" json:"runner"`
	Tools       ToolsConfig       `yaml:"tools" json:"tools"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// PathsConfig locates the workspace.
type PathsConfig struct {
	// Root is the working directory. Every product path (ddcal/,
	// img/, mss-dir/) is relative to it.
	Root string `yaml:"root" json:"root"`

	// Parsets holds the DP3 parameter set files (DP3-shift.parset,
	// DP3-solG.parset, ...).
	Parsets string `yaml:"parsets" json:"parsets"`

	// State holds the ledger database.
	State string `yaml:"state" json:"state"`

	// Logs receives per-invocation logs, the journal, and the run log.
	Logs string `yaml:"logs" json:"logs"`
}

// DatasetsConfig selects the input Measurement Sets.
type DatasetsConfig struct {
	// Glob is matched relative to Paths.Root, e.g. "mss/TC*.MS".
	Glob string `yaml:"glob" json:"glob"`
}

// ModelConfig describes the initial sky model.
type ModelConfig struct {
	// SkyModel is the makesourcedb catalog seeding cycle 0.
	SkyModel string `yaml:"skymodel" json:"skymodel"`

	// UserRegion is an optional ds9 region file of sources that must
	// always be masked when imaging.
	UserRegion string `yaml:"user_region" json:"user_region"`

	// Image is the wide-field image SkyModel was extracted from. When
	// set, cycle 0 builds its compact-source mask from it; later cycles
	// use the previous cycle's final image.
	Image string `yaml:"image" json:"image"`
}

// CalibrationConfig controls the major-cycle and self-cal loops.
type CalibrationConfig struct {
	MaxCycles int `yaml:"max_cycles" json:"max_cycles"`
	MaxRounds int `yaml:"max_rounds" json:"max_rounds"`

	// MinFluxJy is the calibrator flux threshold at 60 MHz. It is
	// rescaled to the lowest observed frequency with spectral index
	// -0.8.
	MinFluxJy float64 `yaml:"min_flux_jy" json:"min_flux_jy"`

	// Solution intervals in timeslots, one entry per round; the last
	// entry repeats once the list is exhausted.
	PhaseIntervals      []int `yaml:"phase_intervals" json:"phase_intervals"`
	Amplitude1Intervals []int `yaml:"amplitude1_intervals" json:"amplitude1_intervals"`
	Amplitude2Intervals []int `yaml:"amplitude2_intervals" json:"amplitude2_intervals"`

	// DivergenceFactor: a direction whose final noise exceeds its
	// initial noise times this factor is declared not converged.
	DivergenceFactor float64 `yaml:"divergence_factor" json:"divergence_factor"`

	// ImprovementFactor: a round whose noise is above the previous
	// noise times this factor turns on amplitude solving.
	ImprovementFactor float64 `yaml:"improvement_factor" json:"improvement_factor"`

	// PlotSolutions runs the solution plotter after each solve.
	PlotSolutions bool `yaml:"plot_solutions" json:"plot_solutions"`
}

// ClusteringConfig parameters are angular distances in degrees.
type ClusteringConfig struct {
	LookDistance     float64 `yaml:"look_distance" json:"look_distance"`
	KernelSize       float64 `yaml:"kernel_size" json:"kernel_size"`
	GroupingDistance float64 `yaml:"grouping_distance" json:"grouping_distance"`

	// RemoveExtendedCutoff is passed to the mask tool when it builds
	// the compact-source mask: islands whose compactness falls below
	// it are dropped. Zero keeps every island inside the beam.
	RemoveExtendedCutoff float64 `yaml:"remove_extended_cutoff" json:"remove_extended_cutoff"`
}

// ImagingConfig tunes the imaging helper.
type ImagingConfig struct {
	// WideSize is the field size (degrees) of the wide-field images;
	// zero uses twice the primary beam FWHM.
	WideSize float64 `yaml:"wide_size" json:"wide_size"`

	// Threads caps simultaneous imager processes.
	Threads int `yaml:"threads" json:"threads"`

	// Niter is the major clean iteration budget.
	Niter int `yaml:"niter" json:"niter"`
}

// RunnerConfig controls process execution.
type RunnerConfig struct {
	Concurrency  int    `yaml:"concurrency" json:"concurrency"`
	DryRun       bool   `yaml:"dry_run" json:"dry_run"`
	CompressLogs bool   `yaml:"compress_logs" json:"compress_logs"`
	GracePeriod  string `yaml:"grace_period" json:"grace_period"`
}

// ToolsConfig names the external programs. Each value is looked up on
// PATH unless it contains a slash.
type ToolsConfig struct {
	DP3          string `yaml:"dp3" json:"dp3"`
	WSClean      string `yaml:"wsclean" json:"wsclean"`
	Smooth       string `yaml:"smooth" json:"smooth"`
	TaQL         string `yaml:"taql" json:"taql"`
	MakeSourceDB string `yaml:"makesourcedb" json:"makesourcedb"`
	Losoto       string `yaml:"losoto" json:"losoto"`
	AddColumn    string `yaml:"addcol" json:"addcol"`
	Mask         string `yaml:"mask" json:"mask"`
	MaskSources  string `yaml:"mask_sources" json:"mask_sources"`
	Noise        string `yaml:"noise" json:"noise"`
	Inspect      string `yaml:"inspect" json:"inspect"`
	Repoint      string `yaml:"repoint" json:"repoint"`
	Normalize    string `yaml:"normalize" json:"normalize"`
	Collector    string `yaml:"collector" json:"collector"`
	ATerm        string `yaml:"aterm" json:"aterm"`
}

// LoggingConfig controls the run log.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" json:"level"`

	// File is the JSON run log; empty means <logs>/skycal.log.
	File string `yaml:"file" json:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pipeline: "ddserial",
		Paths: PathsConfig{
			Root:    ".",
			Parsets: "${SKYCAL_ROOT}/parsets",
			State:   "${SKYCAL_ROOT}/state",
			Logs:    "${SKYCAL_ROOT}/logs",
		},
		Datasets: DatasetsConfig{
			Glob: "mss/TC*.MS",
		},
		Model: ModelConfig{
			SkyModel: "${SKYCAL_ROOT}/self/skymodel/final.skymodel",
		},
		Calibration: CalibrationConfig{
			MaxCycles:           2,
			MaxRounds:           10,
			MinFluxJy:           2.0,
			PhaseIntervals:      []int{4, 1},
			Amplitude1Intervals: []int{16, 8},
			Amplitude2Intervals: []int{32, 16},
			DivergenceFactor:    1.5,
			ImprovementFactor:   0.99,
		},
		Clustering: ClusteringConfig{
			LookDistance:         0.2,
			KernelSize:           0.1,
			GroupingDistance:     0.03,
			RemoveExtendedCutoff: 0.001,
		},
		Imaging: ImagingConfig{
			Threads: 1,
			Niter:   100000,
		},
		Runner: RunnerConfig{
			GracePeriod: "10s",
		},
		Tools: ToolsConfig{
			DP3:          "DP3",
			WSClean:      "wsclean",
			Smooth:       "BLsmooth.py",
			TaQL:         "taql",
			MakeSourceDB: "makesourcedb",
			Losoto:       "losoto",
			AddColumn:    "addcol2ms.py",
			Mask:         "make_mask.py",
			MaskSources:  "mask_sources.py",
			Noise:        "image_noise.py",
			Inspect:      "ms_info.py",
			Repoint:      "h5_repoint.py",
			Normalize:    "h5_normalize.py",
			Collector:    "H5parm_collector.py",
			ATerm:        "make_aterm.py",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// EnvConfig names the environment variable holding the config path.
const EnvConfig = "SKYCAL_CONFIG"

// Load reads the file named by SKYCAL_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your skycal config file, or use --config", EnvConfig)
	}
	return LoadFile(path)
}

// LoadFile reads a config file over the defaults, expands variables,
// and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = cfg.decodeJSON(data)
	case ".yaml", ".yml", "":
		err = cfg.decodeYAML(data)
	default:
		return nil, fmt.Errorf("config %s: unsupported extension (want .yaml, .yml, .json, or .jsonc)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if err := cfg.expandVariables(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) decodeJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	return decoder.Decode(c)
}

// expandVariables resolves ${...} references in path-valued fields.
// A relative Root is resolved against the config file's directory.
func (c *Config) expandVariables(configDir string) error {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	root := expandVars(c.Paths.Root, vars)
	if !filepath.IsAbs(root) {
		root = filepath.Join(configDir, root)
	}
	absolute, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving paths.root: %w", err)
	}
	c.Paths.Root = absolute
	vars["SKYCAL_ROOT"] = c.Paths.Root

	for _, field := range []*string{
		&c.Paths.Parsets,
		&c.Paths.State,
		&c.Paths.Logs,
		&c.Model.SkyModel,
		&c.Model.UserRegion,
		&c.Model.Image,
		&c.Logging.File,
	} {
		*field = c.resolve(expandVars(*field, vars))
	}
	return nil
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Paths.Root, path)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. Known vars take
// precedence over the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate reports every problem, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Pipeline == "" {
		errs = append(errs, errors.New("pipeline is required"))
	}
	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if c.Datasets.Glob == "" {
		errs = append(errs, errors.New("datasets.glob is required"))
	}
	if c.Model.SkyModel == "" {
		errs = append(errs, errors.New("model.skymodel is required"))
	}

	calibration := c.Calibration
	if calibration.MaxCycles < 1 {
		errs = append(errs, fmt.Errorf("calibration.max_cycles must be at least 1, got %d", calibration.MaxCycles))
	}
	if calibration.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("calibration.max_rounds must be at least 1, got %d", calibration.MaxRounds))
	}
	if calibration.MinFluxJy < 0 {
		errs = append(errs, fmt.Errorf("calibration.min_flux_jy must not be negative, got %g", calibration.MinFluxJy))
	}
	for name, intervals := range map[string][]int{
		"phase_intervals":      calibration.PhaseIntervals,
		"amplitude1_intervals": calibration.Amplitude1Intervals,
		"amplitude2_intervals": calibration.Amplitude2Intervals,
	} {
		if len(intervals) == 0 {
			errs = append(errs, fmt.Errorf("calibration.%s must not be empty", name))
		}
		for _, interval := range intervals {
			if interval < 1 {
				errs = append(errs, fmt.Errorf("calibration.%s: interval %d must be at least 1", name, interval))
			}
		}
	}
	if calibration.DivergenceFactor < 1 {
		errs = append(errs, fmt.Errorf("calibration.divergence_factor must be at least 1, got %g", calibration.DivergenceFactor))
	}
	if calibration.ImprovementFactor <= 0 || calibration.ImprovementFactor > 1 {
		errs = append(errs, fmt.Errorf("calibration.improvement_factor must be in (0, 1], got %g", calibration.ImprovementFactor))
	}

	clustering := c.Clustering
	if clustering.LookDistance <= 0 || clustering.KernelSize <= 0 || clustering.GroupingDistance <= 0 {
		errs = append(errs, errors.New("clustering distances must be positive"))
	}
	if clustering.RemoveExtendedCutoff < 0 {
		errs = append(errs, fmt.Errorf("clustering.remove_extended_cutoff must not be negative, got %g", clustering.RemoveExtendedCutoff))
	}
	if clustering.GroupingDistance > clustering.LookDistance {
		errs = append(errs, fmt.Errorf("clustering.grouping_distance (%g) exceeds look_distance (%g)",
			clustering.GroupingDistance, clustering.LookDistance))
	}

	if c.Imaging.WideSize < 0 {
		errs = append(errs, fmt.Errorf("imaging.wide_size must not be negative, got %g", c.Imaging.WideSize))
	}
	if c.Runner.GracePeriod != "" {
		if _, err := time.ParseDuration(c.Runner.GracePeriod); err != nil {
			errs = append(errs, fmt.Errorf("runner.grace_period: %w", err))
		}
	}
	if c.Runner.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("runner.concurrency must not be negative, got %d", c.Runner.Concurrency))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// Fingerprint is a BLAKE3 hash of the effective configuration,
// excluding the dry-run switch, which does not change what a real run
// would compute. Sessions record it so an operator can see when a
// workspace was resumed under a different configuration.
func (c *Config) Fingerprint() string {
	effective := *c
	effective.Runner.DryRun = false
	data, err := json.Marshal(effective)
	if err != nil {
		// Config contains only plain values; Marshal cannot fail.
		panic("config: marshaling for fingerprint: " + err.Error())
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
