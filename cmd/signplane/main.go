package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/signplane/cmd/signplane/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode." env:"SIGNPLANE_DEBUG"`
		Version kong.VersionFlag

		Serve     commands.ServeCmd     `cmd:"" help:"Serve the document signing API"`
		Consume   commands.ConsumeCmd   `cmd:"" help:"Consume tenant provisioning jobs"`
		Provision commands.ProvisionCmd `cmd:"" help:"Provision one tenant immediately"`
		Enqueue   commands.EnqueueCmd   `cmd:"" help:"Enqueue a tenant provisioning job"`
		Sign      commands.SignCmd      `cmd:"" help:"Sign a local document through the signing appliance"`
		Token     commands.TokenCmd     `cmd:"" help:"Issue a bearer token for the signing API"`
		Bootstrap commands.BootstrapCmd `cmd:"" help:"Create queues, tables and buckets (LocalStack or AWS)"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("signplane"),
		kong.Description("Per-tenant SignServer provisioning and document signing."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
