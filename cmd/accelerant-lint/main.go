// Command accelerant-lint validates a dataset manifest offline:
// structural validation of every dataset.Spec plus depends_on/
// synchronize_with cycle detection, without opening a single
// connector or accelerator.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/block/accelerant/pkg/lintmanifest"
)

type lintCmd struct {
	Manifest string `arg:"" help:"Path to the dataset manifest YAML file."`
}

func (l *lintCmd) Run() error {
	violations, err := lintmanifest.File(l.Manifest)
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		fmt.Println("No lint violations found")
		return nil
	}
	for _, v := range violations {
		fmt.Println(v.String())
	}
	return fmt.Errorf("%d lint violation(s) found", len(violations))
}

var cli struct {
	Lint lintCmd `cmd:"" help:"Lint a dataset manifest file."`
}

func main() {
	ctx := kong.Parse(&cli)
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
