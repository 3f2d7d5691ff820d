package converters

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/blang/semver"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/qri-io/bioimg/schema"
	"github.com/qri-io/bioimg/zarr"
)

// Group attribute keys written after ingestion.
const (
	AttrAxes        = "axes"
	AttrPkgVersion  = "pkg_version"
	AttrFmtVersion  = "fmt_version"
	AttrDatasetType = "dataset_type"
	AttrLevels      = "levels"
	AttrIngestID    = "ingest_id"
	AttrMultiscales = "multiscales"

	// AttrLevel on a level array marks the level as completely written.
	AttrLevel = "level"

	DatasetType = "BIOIMG"
)

var (
	// PkgVersion is the version of this package recorded on ingested groups.
	PkgVersion = semver.MustParse("0.2.0")
	// FmtVersion is the version of the on-disk layout. Groups with a
	// different major version cannot be exported.
	FmtVersion = semver.MustParse("1.0.0")
)

// LevelMeta describes one converted level of an image.
type LevelMeta struct {
	URI   string `json:"uri"`
	Level int    `json:"level"`
	Axes  string `json:"axes"`
	Shape []int  `json:"shape"`
}

// LevelPath is the name of the array holding a level, relative to the group.
func LevelPath(level int) string {
	return "l_" + strconv.Itoa(level)
}

const levelsSchemaJSON = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["uri", "level", "axes", "shape"],
    "properties": {
      "uri": {"type": "string", "minLength": 1},
      "level": {"type": "integer", "minimum": 0},
      "axes": {"type": "string", "pattern": "^[TCZYX]*$"},
      "shape": {"type": "array", "items": {"type": "integer", "minimum": 0}}
    }
  }
}`

var levelsSchema = jsonschema.MustCompileString("levels.json", levelsSchemaJSON)

// EncodeLevels serializes level descriptors, ordered by level, as the JSON
// string stored in the group attributes.
func EncodeLevels(levels []LevelMeta) (string, error) {
	sorted := append([]LevelMeta(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })
	d, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	return string(d), nil
}

// DecodeLevels validates and parses the levels attribute of a group.
func DecodeLevels(s string) ([]LevelMeta, error) {
	var raw interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("%w: levels attribute is not JSON: %s", zarr.ErrInvalidMeta, err)
	}
	if err := levelsSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: levels attribute: %s", zarr.ErrInvalidMeta, err)
	}
	var levels []LevelMeta
	if err := json.Unmarshal([]byte(s), &levels); err != nil {
		return nil, err
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	return levels, nil
}

// GroupLevels reads the level descriptors of an ingested group.
func GroupLevels(attrs zarr.Attributes) ([]LevelMeta, error) {
	s, ok := attrs.String(AttrLevels)
	if !ok {
		return nil, fmt.Errorf("%w: group has no %q attribute", zarr.ErrInvalidMeta, AttrLevels)
	}
	return DecodeLevels(s)
}

// CheckFormatVersion fails unless the group was written with a compatible
// layout version.
func CheckFormatVersion(attrs zarr.Attributes) error {
	s, ok := attrs.String(AttrFmtVersion)
	if !ok {
		return fmt.Errorf("%w: group has no %q attribute", zarr.ErrInvalidMeta, AttrFmtVersion)
	}
	v, err := semver.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: format version %q: %s", zarr.ErrInvalidMeta, s, err)
	}
	if v.Major != FmtVersion.Major {
		return fmt.Errorf("format version %s is not compatible with %s", v, FmtVersion)
	}
	return nil
}

// levelDescriptor rebuilds the descriptor of a stored level array from its
// attributes. It reports false when the level has not been completely
// written.
func levelDescriptor(a *zarr.Array, uri string) (LevelMeta, bool, error) {
	attrs, err := a.Attrs()
	if err != nil {
		return LevelMeta{}, false, err
	}
	level, ok := attrs.Int(AttrLevel)
	if !ok {
		return LevelMeta{}, false, nil
	}
	dims, ok := attrs.Strings(schema.AttrDimensions)
	if !ok || len(dims) != len(a.Shape()) {
		return LevelMeta{}, false, fmt.Errorf("%w: array %q has no valid %q attribute", zarr.ErrInvalidMeta, a.Path(), schema.AttrDimensions)
	}
	return LevelMeta{URI: uri, Level: level, Axes: strings.Join(dims, ""), Shape: a.Shape()}, true, nil
}

// multiscales describes the levels in the OME-NGFF layout so other zarr
// viewers can find them.
func multiscales(name string, storedAxes string, levels []LevelMeta) []interface{} {
	axesList := make([]interface{}, 0, len(storedAxes))
	for _, d := range storedAxes {
		axesList = append(axesList, map[string]interface{}{
			"name": strings.ToLower(string(d)),
			"type": axisType(byte(d)),
		})
	}
	datasets := make([]interface{}, 0, len(levels))
	for _, l := range levels {
		datasets = append(datasets, map[string]interface{}{"path": l.URI})
	}
	return []interface{}{
		map[string]interface{}{
			"version":  "0.4",
			"name":     name,
			"axes":     axesList,
			"datasets": datasets,
		},
	}
}

func axisType(d byte) string {
	switch d {
	case 'T':
		return "time"
	case 'C':
		return "channel"
	}
	return "space"
}
