package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"archzfs/installer/internal/fsatomic"
)

const planSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["disk"],
  "properties": {
    "disk": {
      "type": "object",
      "additionalProperties": false,
      "required": ["path"],
      "properties": {
        "path": {"type": "string", "minLength": 1},
        "scheme": {"enum": ["full", "existing"]},
        "separateBoot": {"type": "boolean"},
        "efiPartition": {"type": "string"},
        "bootPartition": {"type": "string"},
        "zfsPartition": {"type": "string"},
        "formatEfi": {"type": "boolean"},
        "formatBoot": {"type": "boolean"}
      }
    },
    "pool": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "topology": {"enum": ["single", "mirror", "raidz1", "raidz2"]},
        "compression": {"enum": ["lz4", "zstd", "off"]},
        "dedup": {"type": "boolean"},
        "encryption": {"type": "boolean"},
        "passphrase": {"type": "string"},
        "passphraseConfirm": {"type": "string"},
        "ashift": {"enum": [9, 12, 13]},
        "autotrim": {"type": "boolean"},
        "swapGiB": {"type": "integer", "minimum": 0},
        "extraDevices": {"type": "array", "items": {"type": "string"}},
        "recreate": {"type": "boolean"}
      }
    },
    "boot": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "bootloader": {"enum": ["grub", "systemd-boot"]},
        "kernel": {"enum": ["linux", "linux-lts", "linux-zen"]},
        "dualBoot": {"type": "boolean"}
      }
    },
    "system": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "hostname": {"type": "string"},
        "locale": {"type": "string"},
        "keymap": {"type": "string"},
        "timezone": {"type": "string"},
        "network": {"enum": ["networkmanager", "systemd-networkd", "none"]},
        "rootPassword": {"type": "string"},
        "rootPasswordConfirm": {"type": "string"},
        "packages": {"type": "array", "items": {"type": "string"}},
        "services": {"type": "array", "items": {"type": "string"}},
        "mirrors": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "country": {"type": "string"}
          }
        },
        "users": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["name"],
            "properties": {
              "name": {"type": "string"},
              "password": {"type": "string"},
              "passwordConfirm": {"type": "string"},
              "shell": {"enum": ["/bin/bash", "/bin/zsh", "/bin/fish"]},
              "groups": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(planSchema)

// ValidatePlanDocument checks raw YAML against the plan schema.
func ValidatePlanDocument(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	res, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate plan: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return &ValidationError{Field: "plan", Msg: strings.Join(msgs, "; ")}
}

// ParsePlan decodes a plan on top of DefaultPlan, so omitted keys keep their
// defaults.
func ParsePlan(data []byte) (Plan, error) {
	if err := ValidatePlanDocument(data); err != nil {
		return Plan{}, err
	}
	p := DefaultPlan()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return p, nil
}

func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}
	return ParsePlan(data)
}

// SavePlan writes the plan with all secrets stripped.
func SavePlan(path string, p Plan) error {
	data, err := yaml.Marshal(p.Redacted())
	if err != nil {
		return err
	}
	return fsatomic.WriteFile(path, data, 0o600)
}
