// Package config defines the coordinator's command-line surface, parsed
// with github.com/alecthomas/kong.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/ofsouzap/mandelserve/internal/leaseboard"
)

// Config is the coordinator's full CLI surface.
type Config struct {
	Levels LevelList `short:"l" help:"Owned levels and their maxDepth, as L:D,L:D,..." required:""`

	Timeout bool `short:"t" help:"Enable per-read socket timeout." default:"true" negatable:""`

	DistributerAddr string `help:"Dispatcher bind address." default:"0.0.0.0"`
	DistributerPort int    `help:"Dispatcher bind port." default:"59010"`

	DataServerAddr string `help:"TileServer bind address." default:"0.0.0.0"`
	DataServerPort int    `help:"TileServer bind port." default:"59011"`

	DistributerLogInfo  bool `help:"Log informational Dispatcher events." default:"true" negatable:""`
	DistributerLogError bool `help:"Log Dispatcher errors." default:"true" negatable:""`
	DataServerLogInfo   bool `help:"Log informational TileServer events." default:"true" negatable:""`
	DataServerLogError  bool `help:"Log TileServer errors." default:"true" negatable:""`

	DataDirectory string `short:"o" help:"Directory of the tile store; the index and data files are written directly in it, with no subdirectory." default:"."`

	MirrorBucket string `help:"Optional gocloud.dev/blob URL to mirror persisted tiles to."`

	MetricsAddr string `help:"Address for the /metrics and gateway HTTP listener." default:"0.0.0.0:59012"`

	CORS string `help:"Access-Control-Allow-Origin value for the metrics/gateway HTTP listener."`
}

// DistributerAddress returns the combined host:port for the Dispatcher.
func (c Config) DistributerAddress() string {
	return fmt.Sprintf("%s:%d", c.DistributerAddr, c.DistributerPort)
}

// DataServerAddress returns the combined host:port for the TileServer.
func (c Config) DataServerAddress() string {
	return fmt.Sprintf("%s:%d", c.DataServerAddr, c.DataServerPort)
}

// Parse parses args (normally os.Args[1:]) into a Config. --help prints
// usage and exits the process (kong's default help behaviour); a usage
// error is returned to the caller.
func Parse(args []string) (*Config, error) {
	var cfg Config
	parser, err := kong.New(&cfg, kong.Name("mandelserve"),
		kong.Description("Distributed coordinator for Mandelbrot tile computation."))
	if err != nil {
		return nil, fmt.Errorf("config: building parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parsing arguments: %w", err)
	}
	return &cfg, nil
}

// LevelList parses the "-l/--levels" flag's L:D,L:D,... syntax into level
// configs, implementing kong.MapperValue so the flag can be decoded
// directly into a []leaseboard.LevelConfig.
type LevelList []leaseboard.LevelConfig

// Decode implements kong.MapperValue.
func (l *LevelList) Decode(ctx *kong.DecodeContext) error {
	var raw string
	if err := ctx.Scan.PopValueInto("levels", &raw); err != nil {
		return err
	}
	parsed, err := ParseLevels(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevels parses the "L:D,L:D,..." owned-levels syntax into level
// configs, in the order given.
func ParseLevels(raw string) ([]leaseboard.LevelConfig, error) {
	parts := strings.Split(raw, ",")
	levels := make([]leaseboard.LevelConfig, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("config: malformed level entry %q, expected L:D", part)
		}
		level, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: invalid level %q: %w", fields[0], err)
		}
		maxDepth, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: invalid maxDepth %q: %w", fields[1], err)
		}
		levels = append(levels, leaseboard.LevelConfig{Level: uint32(level), MaxDepth: uint32(maxDepth)})
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("config: -l/--levels must name at least one level")
	}
	return levels, nil
}
