package main

import (
	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/devloop/cmd/devloop/commands"
	foundationerrors "git.home.luguber.info/inful/devloop/internal/foundation/errors"
	"git.home.luguber.info/inful/devloop/internal/version"
)

func main() {
	cli := &commands.CLI{}
	ctx := kong.Parse(cli,
		kong.Name("devloop"),
		kong.Description("Watch mode build orchestrator: rebuild on change, keep the server fresh, reload the browser."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)
	err := ctx.Run(&commands.Global{}, cli)
	foundationerrors.NewCLIErrorAdapter(cli.Verbose, nil).HandleError(err)
}
