// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config defines the TOML configuration shared by pool hosts
// and clients. A single file describes both roles so that one config
// can be distributed across a deployment; hosts read the [server]
// table, clients the [client] table, and both read the top-level key.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/grailbio/base/errors"
	homedir "github.com/mitchellh/go-homedir"
)

// DefaultPort is the port pool hosts listen on when none is
// configured, and the port clients assume for addresses given without
// one.
const DefaultPort = 2718

// Config is the root of the configuration file.
type Config struct {
	// Key is the pool's shared authentication key. Every request to a
	// host must present it. An empty key disables authentication,
	// which is acceptable only for single-machine development pools.
	Key string

	Server  Server
	Client  Client
	Logging Logging
}

// Server configures a pool host.
type Server struct {
	// ListenAddress is the host:port the RPC server binds.
	ListenAddress string
	// CPU and GPU are the unit inventories advertised by the host. A
	// zero CPU count means autodetect from the machine's processor
	// count; GPU defaults to none.
	CPU int
	GPU int
	// InactivityWindow bounds how long a session may go without
	// issuing a request before the host evicts it and reclaims its
	// units.
	InactivityWindow Duration
	// ResultTimeout bounds result waits that arrive without an
	// explicit timeout.
	ResultTimeout Duration
	// TubeBuffer is the per-edge payload buffering bound. Sends block
	// once an edge holds this many undelivered payloads.
	TubeBuffer int
	// PackDir is where uploaded packs are stored and extracted.
	PackDir string
	// PackURL optionally names a shared pack store (any URL scheme
	// registered with grailbio/base/file) consulted before asking
	// clients to upload.
	PackURL string
}

// Client configures a pool client.
type Client struct {
	// Favorites lists pool host addresses to try by default.
	Favorites []string
	// TaskTimeout bounds how long result collection waits before the
	// task is abandoned and hosts are presumed dead.
	TaskTimeout Duration
	// ProbeTimeout bounds each host probe during address validation.
	ProbeTimeout Duration
	// Keepalive is how often the broker touches the hosts of a held
	// allocation so their inactivity windows do not evict it. It
	// should be well under the smallest InactivityWindow in the pool.
	Keepalive Duration
}

// Logging configures the process log.
type Logging struct {
	// Level is one of off, error, info, or debug.
	Level string
}

// Default returns the configuration used in the absence of a config
// file.
func Default() *Config {
	return &Config{
		Server: Server{
			ListenAddress:    ":2718",
			InactivityWindow: Duration(3 * time.Second),
			ResultTimeout:    Duration(60 * time.Second),
			TubeBuffer:       1024,
			PackDir:          "~/.bigpool/packs",
		},
		Client: Client{
			TaskTimeout:  Duration(30 * time.Second),
			ProbeTimeout: Duration(2 * time.Second),
			Keepalive:    Duration(time.Second),
		},
		Logging: Logging{Level: "info"},
	}
}

// DefaultPath returns the standard location of the config file.
func DefaultPath() string {
	path, err := homedir.Expand("~/.bigpool/config.toml")
	if err != nil {
		return ""
	}
	return path
}

// Load reads the config file at path, which may begin with ~,
// applying its settings over the defaults. If path is empty, the
// standard location is used; a missing file at the standard location
// is not an error.
func Load(path string) (*Config, error) {
	standard := path == ""
	if standard {
		path = DefaultPath()
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.E("config: expand path", path, err)
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !standard || !os.IsNotExist(err) {
			return nil, errors.E("config: load", path, err)
		}
	}
	if err := cfg.expand(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write writes the config to path in TOML form, creating parent
// directories as needed.
func (c *Config) Write(path string) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return errors.E("config: expand path", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.E("config: write", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return errors.E("config: write", path, err)
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close() // nolint: errcheck
		return errors.E("config: encode", path, err)
	}
	return f.Close()
}

func (c *Config) expand() error {
	dir, err := homedir.Expand(c.Server.PackDir)
	if err != nil {
		return errors.E("config: expand pack dir", c.Server.PackDir, err)
	}
	c.Server.PackDir = dir
	return nil
}
