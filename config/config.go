// Package config loads bioimg settings from a TOML file.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/qri-io/bioimg/converters"
	"github.com/qri-io/bioimg/logging"
	"github.com/qri-io/bioimg/scale"
	"github.com/qri-io/bioimg/zarr"
)

// Config is the parsed configuration file.
type Config struct {
	Logging logging.LogConfig
	Store   StoreConfig
	Ingest  IngestConfig
	// Pyramid generation is enabled when it lists scale factors.
	Pyramid scale.Options
	Cache   CacheConfig
}

// StoreConfig selects where ingested groups live.
type StoreConfig struct {
	// Location is a local directory or a store URL, see zarr.OpenStore.
	Location string
	// Group is the path of the image group inside the store.
	Group string
	// CacheMB sizes the chunk read cache; 0 disables it.
	CacheMB int `toml:"cache_mb"`
}

type IngestConfig struct {
	LevelMin     int  `toml:"level_min"`
	PreserveAxes bool `toml:"preserve_axes"`
	Chunked      bool
	MaxWorkers   int `toml:"max_workers"`
	// Compressor is a codec name, optionally with a level: "zstd:3".
	Compressor   string
	PixelPacking bool `toml:"pixel_packing"`
	// Tiles overrides the maximum tile size per dimension, e.g. X = 512.
	Tiles map[string]int
}

type CacheConfig struct {
	// Levels bounds the number of slide levels held in memory.
	Levels int
	MB     int
}

// Default returns the settings used for keys absent from a file.
func Default() Config {
	return Config{
		Store:   StoreConfig{Location: "."},
		Ingest:  IngestConfig{Compressor: "zstd"},
		Pyramid: scale.DefaultOptions(),
		Cache:   CacheConfig{Levels: 2},
	}
}

// Load decodes the TOML file at filename over the defaults. Relative paths
// are taken relative to the directory of the file.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no TOML configuration file provided")
	}
	c := Default()
	md, err := toml.DecodeFile(filename, &c)
	if err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logging.Warningf("Ignoring unknown configuration keys in %s: %v\n", filename, undecoded)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Parse decodes TOML text over the defaults without resolving paths.
func Parse(text string) (*Config, error) {
	c := Default()
	if _, err := toml.Decode(text, &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir := filepath.Dir(configPath)
	var err error
	if c.Logging.Logfile != "" {
		if c.Logging.Logfile, err = toAbsolute(c.Logging.Logfile, configDir); err != nil {
			return fmt.Errorf("converting logfile setting to absolute path: %w", err)
		}
	}
	if c.Store.Location != "" && !strings.Contains(c.Store.Location, "://") {
		if c.Store.Location, err = toAbsolute(c.Store.Location, configDir); err != nil {
			return fmt.Errorf("converting store location to absolute path: %w", err)
		}
	}
	return nil
}

func toAbsolute(p, dir string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.Abs(filepath.Join(dir, p))
}

// Validate checks settings that can be checked without opening a store.
func (c *Config) Validate() error {
	if _, err := zarr.ParseCompressor(c.Ingest.Compressor); err != nil {
		return fmt.Errorf("ingest compressor: %w", err)
	}
	if c.Ingest.MaxWorkers < 0 || c.Pyramid.MaxWorkers < 0 {
		return fmt.Errorf("max_workers must not be negative")
	}
	if err := c.Pyramid.Validate(); err != nil {
		return fmt.Errorf("pyramid: %w", err)
	}
	if c.Cache.Levels < 0 || c.Cache.MB < 0 || c.Store.CacheMB < 0 {
		return fmt.Errorf("cache sizes must not be negative")
	}
	return nil
}

// ConverterOptions returns the ingestion options described by the
// configuration. A pyramid is generated only when scale factors are set.
func (c *Config) ConverterOptions() (converters.Options, error) {
	comp, err := zarr.ParseCompressor(c.Ingest.Compressor)
	if err != nil {
		return converters.Options{}, err
	}
	opts := converters.Options{
		LevelMin:     c.Ingest.LevelMin,
		Tiles:        c.Ingest.Tiles,
		PreserveAxes: c.Ingest.PreserveAxes,
		Chunked:      c.Ingest.Chunked,
		MaxWorkers:   c.Ingest.MaxWorkers,
		Compressor:   comp,
		PixelPacking: c.Ingest.PixelPacking,
	}
	if len(c.Pyramid.ScaleFactors) > 0 {
		pyramid := c.Pyramid
		opts.Pyramid = &pyramid
	}
	return opts, nil
}

// CacheBytes is the slide level cache bound in bytes.
func (c *Config) CacheBytes() int64 { return int64(c.Cache.MB) << 20 }

// StoreCacheBytes is the chunk read cache size in bytes.
func (c *Config) StoreCacheBytes() int { return c.Store.CacheMB << 20 }
