package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "module":
		return moduleTemplate, nil
	case "sheet":
		return sheetTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const moduleTemplate = `id = "a1b2c3d4"
label = "osc-1"
backend = "host"
interface = ""
domain = "239.0.0.0/8"
discovery_port = 19874
jack_port = 19991
period = "1ms"
budget = 0.5
beacon_period = 50
max_peers = 16
admin_addr = "127.0.0.1:7100"
cors_origins = ["http://localhost:3000"]
patch_sheet = ""

[mqtt]
broker = ""
topic = "patchnet/status"
interval = "1s"

[osc]
addr = ""
prefix = "/patchnet"
jacks = [3]

[[jacks]]
id = 1
name = "out"
direction = "source"
kind = "audio"
channels = 1

[[jacks]]
id = 2
name = "in"
direction = "sink"
kind = "audio"
channels = 1

[[jacks]]
id = 3
name = "cutoff"
direction = "sink"
kind = "control"
channels = 1
`

const sheetTemplate = `[[patches]]
source = "self/1"
sink = 2

[[patches]]
source = "b0c0ffee/4"
sink = 3
`
