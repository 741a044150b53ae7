package main

import (
	"flag"
	"log"

	"github.com/danmuck/patchnet/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "module":
		return "cmd/modulectl/config.toml"
	case "sheet":
		return "cmd/modulectl/patches.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
	}
	return ""
}

func main() {
	kind := flag.String("kind", "module", "config kind: module|sheet")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}

		switch *kind {
		case "module":
			if _, err := config.LoadModuleFile(path); err != nil {
				log.Fatal(err)
			}
		case "sheet":
			sheet, err := config.LoadPatchSheet(path)
			if err != nil {
				log.Fatal(err)
			}
			for _, p := range sheet.Patches {
				if _, err := config.ParsePatchKey(p.Source, 1); err != nil {
					log.Fatal(err)
				}
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
