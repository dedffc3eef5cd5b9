// Command bookingd serves appointment booking over http and drains the outbox to the broker.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/clinicflow/bookingsaga/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("BOOKING_CONFIG"), "path to the yaml configuration")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %s\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	fx.New(Module(cfg)).Run()
}
