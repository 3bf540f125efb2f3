// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads ferry's settings from ferry.toml and FERRY_*
// environment variables.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/yeetrun/ferry/pkg/registry"
	"github.com/yeetrun/ferry/pkg/transfer"
	"tailscale.com/types/logger"
)

// FileName is the name of the config file searched for.
const FileName = "ferry.toml"

// Config is ferry's configuration.
type Config struct {
	// Registry is the registry base URL, e.g. https://registry.example.com.
	Registry string `toml:"registry"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
	// Proxy is an HTTP proxy URL. Empty means the environment's proxy.
	Proxy              string `toml:"proxy,omitempty"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify,omitempty"`
	// CAFile is a PEM bundle of additional trusted roots.
	CAFile  string        `toml:"ca_file,omitempty"`
	Timeout time.Duration `toml:"timeout,omitempty"`
	// TempDir is where blobs are staged during push and pull.
	TempDir     string `toml:"temp_dir,omitempty"`
	Concurrency int    `toml:"concurrency,omitempty"`
	// ChunkSize is the PATCH size for uploads. Zero streams each blob in
	// one request.
	ChunkSize int64 `toml:"chunk_size,omitempty"`

	// Path is the file the config was read from, if any.
	Path string `toml:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{Concurrency: transfer.DefaultConcurrency}
}

// Load reads the nearest ferry.toml at or above dir, if there is one, and
// applies FERRY_* environment overrides.
func Load(dir string) (*Config, error) {
	cfg := Default()
	path, err := findConfigPath(dir)
	switch {
	case err == nil:
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides c with any FERRY_* environment variables that are set.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

// LoadFile reads the config file at path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

func findConfigPath(startDir string) (string, error) {
	dir := filepath.Clean(startDir)
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

// applyEnv overrides fields from FERRY_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := []struct {
		name string
		dst  *string
	}{
		{"FERRY_REGISTRY", &c.Registry},
		{"FERRY_USERNAME", &c.Username},
		{"FERRY_PASSWORD", &c.Password},
		{"FERRY_PROXY", &c.Proxy},
		{"FERRY_CA_FILE", &c.CAFile},
		{"FERRY_TMPDIR", &c.TempDir},
	}
	for _, e := range str {
		if v, ok := lookup(e.name); ok && v != "" {
			*e.dst = v
		}
	}
	if v, ok := lookup("FERRY_INSECURE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FERRY_INSECURE: %w", err)
		}
		c.InsecureSkipVerify = b
	}
	if v, ok := lookup("FERRY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FERRY_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if v, ok := lookup("FERRY_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FERRY_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v, ok := lookup("FERRY_CHUNK_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FERRY_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = n
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Registry == "" {
		return errors.New("no registry configured (set registry in ferry.toml or FERRY_REGISTRY)")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative, got %d", c.ChunkSize)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", c.Timeout)
	}
	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}
	return nil
}

// Mode returns the upload mode ChunkSize selects.
func (c *Config) Mode() transfer.Mode {
	if c.ChunkSize > 0 {
		return transfer.Chunked(c.ChunkSize)
	}
	return transfer.Stream
}

// HTTPClient returns a client honoring the proxy, TLS and timeout settings.
func (c *Config) HTTPClient() (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	if c.CAFile != "" || c.InsecureSkipVerify {
		tlsConf := &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify}
		if c.CAFile != "" {
			pem, err := os.ReadFile(c.CAFile)
			if err != nil {
				return nil, err
			}
			pool, err := x509.SystemCertPool()
			if err != nil {
				pool = x509.NewCertPool()
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
			}
			tlsConf.RootCAs = pool
		}
		tr.TLSClientConfig = tlsConf
	}
	return &http.Client{Transport: tr, Timeout: c.Timeout}, nil
}

// Client returns a registry client for the configured registry.
func (c *Config) Client(logf logger.Logf) (*registry.Client, error) {
	hc, err := c.HTTPClient()
	if err != nil {
		return nil, err
	}
	opts := []registry.Option{registry.WithHTTPClient(hc)}
	if logf != nil {
		opts = append(opts, registry.WithLogf(logf))
	}
	if c.Username != "" {
		opts = append(opts, registry.WithCredentials(c.Username, c.Password))
	}
	return registry.New(c.Registry, opts...)
}
