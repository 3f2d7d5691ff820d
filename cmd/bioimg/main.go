package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/qri-io/bioimg/config"
	"github.com/qri-io/bioimg/converters"
	"github.com/qri-io/bioimg/logging"
	"github.com/qri-io/bioimg/slide"
	"github.com/qri-io/bioimg/zarr"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	configFile = flag.String("config", "", "")
	storeLoc   = flag.String("store", "", "")
	groupPath  = flag.String("group", "", "")
	levelMin   = flag.Int("levelmin", -1, "")
	downsample = flag.Float64("downsample", 0, "")
)

const helpMessage = `
bioimg converts multi-resolution microscopy images into chunked zarr groups
and back.

Usage: bioimg [options] <command> [arguments]

  Commands:

	ingest <format> <location>     Convert the image at location into the store.
	export <format> <location>     Write the stored image to location.
	info                           Describe the levels of the stored image.
	region <level> <x> <y> <w> <h> <file.png>
	                               Write a YXC region of one level as PNG.

  Formats are "ome-zarr", "ome-tiff" and "png". Locations are local paths or
  store URLs (file://, mem://, gs://, s3://, badger://); OME-TIFF and PNG
  locations name a file.

	-config     =string   TOML configuration file
	-store      =string   Store holding the image group, overrides the configuration
	-group      =string   Path of the image group inside the store
	-levelmin   =number   First level to ingest or export
	-downsample =number   With info, report the best level for this downsample

	-verbose    (flag)    Run in verbose mode.
	-h, -help   (flag)    Show help message
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() {
		fmt.Print(helpMessage)
	}
	flag.Parse()

	if *showHelp || flag.NArg() < 1 {
		flag.Usage()
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *runVerbose {
		cfg.Logging.Verbose = true
	}
	cfg.Logging.SetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, flag.Args()); err != nil {
		logging.Errorf("%v\n", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if *configFile != "" {
		c, err := config.Load(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		c := config.Default()
		cfg = &c
	}
	if *storeLoc != "" {
		cfg.Store.Location = *storeLoc
	}
	if *groupPath != "" {
		cfg.Store.Group = *groupPath
	}
	if *levelMin >= 0 {
		cfg.Ingest.LevelMin = *levelMin
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (zarr.Store, error) {
	store, err := zarr.OpenStore(ctx, cfg.Store.Location)
	if err != nil {
		return nil, err
	}
	if n := cfg.StoreCacheBytes(); n > 0 {
		logging.Infof("Caching chunk reads of %s in %s\n", cfg.Store.Location, humanize.Bytes(uint64(n)))
		return zarr.NewCachedStore(store, n), nil
	}
	return store, nil
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "ingest":
		if len(args) != 2 {
			return fmt.Errorf("ingest needs a format and a location")
		}
		return ingest(ctx, cfg, args[0], args[1])
	case "export":
		if len(args) != 2 {
			return fmt.Errorf("export needs a format and a location")
		}
		return export(ctx, cfg, args[0], args[1])
	case "info":
		return info(ctx, cfg)
	case "region":
		if len(args) != 6 {
			return fmt.Errorf("region needs a level, x, y, width, height and an output file")
		}
		return region(ctx, cfg, args[:5], args[5])
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func ingest(ctx context.Context, cfg *config.Config, format, location string) error {
	f, err := converters.ParseFormat(format)
	if err != nil {
		return err
	}
	opts, err := cfg.ConverterOptions()
	if err != nil {
		return err
	}
	reader, err := converters.OpenReader(ctx, f, location)
	if err != nil {
		return err
	}
	defer reader.Close()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer zarr.CloseStore(store)

	tl := logging.NewTimeLog()
	if err := converters.ToZarr(ctx, reader, store, cfg.Store.Group, opts); err != nil {
		return err
	}
	tl.Infof("Ingested %s into %s", location, cfg.Store.Location)
	return nil
}

func export(ctx context.Context, cfg *config.Config, format, location string) error {
	f, err := converters.ParseFormat(format)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer zarr.CloseStore(store)

	writer, err := converters.NewWriter(ctx, f, location)
	if err != nil {
		return err
	}
	if err := converters.FromZarr(ctx, store, cfg.Store.Group, writer, cfg.Ingest.LevelMin); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

func info(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer zarr.CloseStore(store)

	s, err := slide.Open(store, cfg.Store.Group)
	if err != nil {
		return err
	}
	meta := s.Metadata()
	for _, key := range []string{converters.AttrAxes, converters.AttrFmtVersion, converters.AttrPkgVersion, converters.AttrIngestID} {
		if v, ok := meta.String(key); ok {
			fmt.Printf("%-12s %s\n", key+":", v)
		}
	}
	downsamples := s.LevelDownsamples()
	for i, d := range s.LevelDimensions() {
		fmt.Printf("level %d: %s x %s, downsample %.3g\n", i, humanize.Comma(int64(d.X)), humanize.Comma(int64(d.Y)), downsamples[i])
	}
	if *downsample > 0 {
		fmt.Printf("best level for downsample %g: %d\n", *downsample, s.BestLevelForDownsample(*downsample))
	}
	return nil
}

func region(ctx context.Context, cfg *config.Config, nums []string, out string) error {
	v := make([]int, len(nums))
	for i, n := range nums {
		var err error
		if v[i], err = strconv.Atoi(n); err != nil {
			return fmt.Errorf("bad region argument %q: %w", n, err)
		}
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer zarr.CloseStore(store)

	s, err := slide.Open(store, cfg.Store.Group)
	if err != nil {
		return err
	}
	img, err := s.ReadRegion(ctx, image.Point{X: v[1], Y: v[2]}, v[0], image.Point{X: v[3], Y: v[4]})
	if err != nil {
		return err
	}

	if !strings.HasSuffix(out, ".png") {
		return fmt.Errorf("region output must be a .png file, got %q", out)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := converters.EncodePNG(f, img); err != nil {
		f.Close()
		return err
	}
	logging.Infof("Wrote %v region of level %d to %s\n", img.Shape, v[0], out)
	return f.Close()
}
