package main

import (
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/milinda/switchfan/switchfan"
)

// uniqueIDNamespace seeds unique ids derived from fan names.
var uniqueIDNamespace = uuid.MustParse("5b0c8c52-8a3e-4f7e-9a55-2f6c1d0e7a41")

type Configuration struct {
	Name          string         `hcl:"name,optional"`
	HomeAssistant *HomeAssistant `hcl:"homeassistant,block"`
	Broker        *Broker        `hcl:"broker,block"`
	HomeKit       *HomeKit       `hcl:"homekit,block"`
	HTTP          *HTTP          `hcl:"http,block"`
	Fans          []*Fan         `hcl:"fan,block"`
}

type HomeAssistant struct {
	Url   string `hcl:"url"`
	Token string `hcl:"token"`
}

type Broker struct {
	Url             string `hcl:"url"`
	UserName        string `hcl:"username,optional"`
	Password        string `hcl:"password,optional"`
	DiscoveryPrefix string `hcl:"discovery-prefix,optional"`
	TopicPrefix     string `hcl:"topic-prefix,optional"`
}

type HomeKit struct {
	Pin        string `hcl:"pin"`
	StorageDir string `hcl:"storage-dir,optional"`
}

type HTTP struct {
	Listen string `hcl:"listen"`
}

type Fan struct {
	Name        string   `hcl:"name,label"`
	UniqueID    string   `hcl:"unique-id,optional"`
	Entities    []string `hcl:"entities"`
	HideMembers *bool    `hcl:"hide-members,optional"`
	Device      *Device  `hcl:"device,block"`
}

// Device links a fan to an existing Home Assistant device by its
// identifiers.
type Device struct {
	Identifiers []string `hcl:"identifiers"`
}

func ParseConfig(configPath string) (c *Configuration, err error) {
	var diags hcl.Diagnostics

	content, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	file, diags := hclsyntax.ParseConfig(content, configPath, hcl.Pos{Line: 1, Column: 1})
	if diags != nil && diags.HasErrors() {
		return nil, fmt.Errorf("config parse: %w", diags)
	}

	c = DefaultConfig()

	diags = gohcl.DecodeBody(file.Body, nil, c)
	if diags != nil && diags.HasErrors() {
		return nil, fmt.Errorf("config parse: %w", diags)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return c, nil
}

func DefaultConfig() *Configuration {
	return &Configuration{
		Name: "switchfan",
	}
}

// Validate checks the fan definitions and fills in derived unique ids.
func (c *Configuration) Validate() error {
	if c.HomeAssistant == nil {
		return errors.New("homeassistant block is required")
	}

	if len(c.Fans) == 0 {
		return errors.New("at least one fan block is required")
	}

	names := map[string]struct{}{}
	ids := map[string]struct{}{}

	for _, f := range c.Fans {
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("duplicate fan %q", f.Name)
		}
		names[f.Name] = struct{}{}

		if f.UniqueID == "" {
			f.UniqueID = uuid.NewSHA1(uniqueIDNamespace, []byte(f.Name)).String()
		}

		if _, dup := ids[f.UniqueID]; dup {
			return fmt.Errorf("fan %q: duplicate unique-id %q", f.Name, f.UniqueID)
		}
		ids[f.UniqueID] = struct{}{}

		if _, err := switchfan.NewMembers(f.Entities); err != nil {
			return fmt.Errorf("fan %q: %w", f.Name, err)
		}

		if f.Device != nil && len(f.Device.Identifiers) == 0 {
			return fmt.Errorf("fan %q: device block needs at least one identifier", f.Name)
		}
	}

	return nil
}
