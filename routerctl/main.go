package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"ddprouter.com/router"
)

const RouterCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
	// docopt owns os.Args; glog only needs the flag set parsed.
	flag.CommandLine.Parse([]string{})
}

func main() {
	usage := `DDP router control.

Relays DDP clients to a Meteor server, offloading supported publications to
MongoDB and reconciling them per client.

Usage:
    routerctl run [--config=<path>]
    routerctl -h | --help
    routerctl --version

Options:
    --config=<path>  Settings file. Without it, a config file is searched
                     for in the working directory; the environment
                     (METEOR_URL, MONGO_URL, ROUTER_URL, ...) always
                     overrides.
    -h --help        Show this screen.
    --version        Show version.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RouterCtlVersion)
	if err != nil {
		panic(err)
	}

	if runCommand, _ := opts.Bool("run"); runCommand {
		configPath, _ := opts.String("--config")
		run(configPath)
	}
}

func run(configPath string) {
	settings, err := router.LoadSettings(configPath)
	if err != nil {
		Err.Printf("settings error: %s\n", err)
		os.Exit(1)
	}

	r, err := router.NewRouter(settings)
	if err != nil {
		Err.Printf("startup error: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		Err.Printf("router error: %s\n", err)
		os.Exit(1)
	}

	Out.Printf("router stopped\n")
	os.Exit(0)
}
