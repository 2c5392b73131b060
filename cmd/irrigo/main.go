package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/temoto/irrigo/cmd/irrigo/agent"
	"github.com/temoto/irrigo/cmd/irrigo/console"
	"github.com/temoto/irrigo/cmd/irrigo/subcmd"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/internal/state"
	"github.com/temoto/irrigo/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	agent.Mod,
	console.Mod,
}

func main() {
	log := log2.NewStderr(log2.LInfo)
	log.SetFlags(log2.LStdFlags)

	flagConfig := flag.String("config", "irrigo.hcl", "path to HCL config")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [command]\n\ncommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(flag.CommandLine.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(flag.CommandLine.Output(), "\nflags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if *flagVersion {
		fmt.Println(BuildVersion)
		return
	}

	command := flag.Arg(0)
	if command == "" {
		command = agent.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Debugf("irrigo command=%s", mod.Name)

	cfg := config.MustRead(log, config.NewOsFullReader(), *flagConfig)
	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	if err := mod.Main(ctx, cfg); err != nil {
		g.Fatal(err, "command=%s", mod.Name)
	}
}
