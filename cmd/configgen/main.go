// configgen emits commented default config files and validates an
// existing daemon config before the hardware is ever touched.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/averhola/skyloop/internal/config"
)

func main() {
	kind := flag.String("kind", "daemon", "config kind: daemon|ctl")
	output := flag.String("output", "", "output path (stdout when empty)")
	validate := flag.Bool("validate", false, "validate an existing daemon config instead of generating")
	input := flag.String("input", "skyloopd.toml", "config path for -validate")
	force := flag.Bool("force", false, "overwrite an existing output file")
	flag.Parse()

	if *validate {
		if _, err := config.Load(*input); err != nil {
			log.Fatalf("invalid config: %v", err)
		}
		fmt.Printf("config ok: %s\n", *input)
		return
	}

	if *output == "" {
		template, err := config.Template(*kind)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Print(template)
		return
	}
	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %s config template: %s\n", *kind, *output)
}
