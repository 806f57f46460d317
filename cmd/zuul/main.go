/*
This command provides an executable version of zuul with the built-in
filter compilers: Lua scripts (.lua) and filter definitions (.yaml).

For the list of command line options, run:

	zuul -help

For details about embedding the proxy, please see the documentation of
the root zuul package.
*/
package main

import (
	log "github.com/sirupsen/logrus"

	zuul "github.com/allegro/zuul-go"
	"github.com/allegro/zuul-go/config"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	log.SetLevel(cfg.ApplicationLogLevel)
	if err := zuul.Run(cfg.ToOptions()); err != nil {
		log.Fatal(err)
	}
}
