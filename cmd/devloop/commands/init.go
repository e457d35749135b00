package commands

import (
	"fmt"
	"io"
	"os"

	"git.home.luguber.info/inful/devloop/internal/config"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force bool   `help:"Overwrite existing configuration file"`
	Name  string `short:"n" help:"Project name written to the file (defaults to app)"`
}

func (i *InitCmd) Run(_ *Global, root *CLI) error {
	return RunInit(os.Stdout, root.Config, i.Name, i.Force)
}

// RunInit writes an example configuration and reports progress to out.
func RunInit(out io.Writer, configPath, name string, force bool) error {
	_, _ = fmt.Fprintf(out, "Writing configuration to %s\n", configPath)
	if err := config.Init(configPath, name, force); err != nil {
		_, _ = fmt.Fprintln(out, "Initialization failed")
		return err
	}
	_, _ = fmt.Fprintln(out, "initialized successfully")
	return nil
}
