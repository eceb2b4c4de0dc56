package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"cell-quantifier/internal/config"
	"cell-quantifier/internal/logger"
	"cell-quantifier/internal/project"
)

const (
	AppName    = "cell-quantifier"
	AppVersion = "1.0.0"
)

const usageText = `usage: cell-quantifier <command> [flags]

commands:
  run      quantify ROIs of the project's images
  status   list images and their status
  import   copy image files into the project
  models   list trained classifier projects

Run "cell-quantifier <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "status":
		err = statusCommand(os.Args[2:])
	case "import":
		err = importCommand(os.Args[2:])
	case "models":
		err = modelsCommand(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usageText)
		return
	case "version", "-version", "--version":
		fmt.Printf("%s %s (%s)\n", AppName, AppVersion, runtime.Version())
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usageText)
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// environment is what every command needs: resolved settings, a logger and the open project.
type environment struct {
	cfg  *config.Config
	log  logger.Logger
	proj *project.Project
}

// setup layers configuration as file, then .env and CQ_* variables, then
// flags, and opens the project.
func setup(fs *flag.FlagSet, args []string) (*environment, error) {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(".env"); err != nil {
		return nil, err
	}

	fs.String("config", config.DefaultFile, "configuration file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{Level: level, File: cfg.LogFile})

	proj, err := project.Open(cfg.ProjectDir, log)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, log: log, proj: proj}, nil
}

// configPath finds -config before the flag set is parsed, since the file
// supplies the defaults the other flags override.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return config.DefaultFile
}
