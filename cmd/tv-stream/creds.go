package main

import (
	"os"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

type creds struct {
	Token     string `yaml:"token"`
	Signature string `yaml:"signature"`
}

// parseCreds tries to parse a YAML file with creds; example file contents:
//
// token: foofoofoofoo
// signature: v1:YmFyYmFyYmFyYmFy
func parseCreds(filename string) (*creds, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Annotatef(err, "opening creds file %q", filename)
	}
	defer f.Close()

	d := yaml.NewDecoder(f)

	ret := creds{}
	if err := d.Decode(&ret); err != nil {
		return nil, errors.Annotatef(err, "parsing YAML from %q", filename)
	}

	return &ret, nil
}
