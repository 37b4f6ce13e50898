// kpctl administers a kphttpd installation: it registers and removes
// clients, takes and restores backups, and generates salts and KMS
// wrapped DEKs for the sealing configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/thialfihar/python-keepass-httpd/config"
)

type command struct {
	summary string
	usage   string
	run     func(ctx context.Context, env *cmdEnv, args []string) error
	flags   func(fs *pflag.FlagSet)
}

// cmdEnv is what a command sees after global flags are parsed.
type cmdEnv struct {
	fs         *pflag.FlagSet
	configPath string
	out        io.Writer
}

func (e *cmdEnv) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(e.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var errUsage = errors.New("usage")

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		printUsage(out)
		if len(args) == 0 {
			return errUsage
		}
		return nil
	}

	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		printUsage(out)
		return fmt.Errorf("unknown command %q", name)
	}

	env := &cmdEnv{out: out}
	env.fs = pflag.NewFlagSet("kpctl "+name, pflag.ContinueOnError)
	env.fs.SetOutput(out)
	env.fs.StringVarP(&env.configPath, "config", "c", config.DefaultPath, "path to configuration file")
	verbose := env.fs.BoolP("verbose", "v", false, "log progress to stderr")
	if cmd.flags != nil {
		cmd.flags(env.fs)
	}
	env.fs.Usage = func() {
		fmt.Fprintf(out, "Usage: kpctl %s %s\n\n%s\n\nFlags:\n", name, cmd.usage, cmd.summary)
		env.fs.PrintDefaults()
	}

	if err := env.fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return cmd.run(ctx, env, env.fs.Args())
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: kpctl <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-15s %s\n", name, commands[name].summary)
	}
}
