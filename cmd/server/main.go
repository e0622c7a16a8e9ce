package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/rosterd/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Dev     bool `help:"Enable development mode (console logging at debug level)."`
		Version kong.VersionFlag
		Server  commands.ServerCmd `cmd:"" help:"Start the ingestion HTTP API and, if configured, the Kafka bridge" default:"1"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Dev: cli.Dev, Version: version})
	cmd.FatalIfErrorf(err)
}
