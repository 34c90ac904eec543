// Package config loads the host's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/nativehost/host"
	"github.com/guseggert/nativehost/host/process"
	"github.com/guseggert/nativehost/internal/files"
	"go.uber.org/zap/zapcore"
)

// FileName is the config file looked up next to the binary and in its parent directories.
const FileName = "nativehost.toml"

// Config mirrors the TOML file:
//
//	[app]
//	name = "zeronet"
//	workdir = "/opt/zeronet"
//	entry = "zeronet.py"
//	interpreter = ["env", "python"]
//	lock_file = "/tmp/zeronet.lock"
//
//	[app.env]
//	PYTHONUNBUFFERED = "1"
//
//	[host]
//	debug_addr = "127.0.0.1:7357"
//
//	[log]
//	level = "debug"
//	file = "/tmp/nativehost.log"
type Config struct {
	App struct {
		Name        string            `toml:"name"`
		Workdir     string            `toml:"workdir"`
		Entry       string            `toml:"entry"`
		Interpreter []string          `toml:"interpreter"`
		Args        []string          `toml:"args"`
		Env         map[string]string `toml:"env"`
		LockFile    string            `toml:"lock_file"`
	} `toml:"app"`

	Host struct {
		DebugAddr    string `toml:"debug_addr"`
		MaxFrameSize uint32 `toml:"max_frame_size"`
	} `toml:"host"`

	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`
}

func Defaults() *Config {
	c := &Config{}
	c.App.Name = host.DefaultName
	c.App.Entry = host.DefaultEntry
	c.App.Interpreter = append([]string(nil), host.DefaultInterpreter...)
	c.Log.Level = "info"
	return c
}

// Load reads the file at path over the defaults. Unknown keys are an error, so typos don't go unnoticed.
func Load(path string) (*Config, error) {
	c := Defaults()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in config %s: %s", path, strings.Join(keys, ", "))
	}

	c.App.Workdir = os.ExpandEnv(c.App.Workdir)
	c.App.LockFile = os.ExpandEnv(c.App.LockFile)
	c.Log.File = os.ExpandEnv(c.Log.File)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Discover returns the path of the nearest config file at or above dir, or "" if there is none.
func Discover(dir string) string {
	return files.FindUp(FileName, dir)
}

func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.App.Entry == "" {
		return fmt.Errorf("app.entry must not be empty")
	}
	if filepath.Base(c.App.Entry) != c.App.Entry {
		return fmt.Errorf("app.entry must be a file name, got %q", c.App.Entry)
	}
	return nil
}

func (c *Config) Level() zapcore.Level {
	l, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// LaunchConfig is the initial launch configuration. With no workdir, the peer must send whereiszeronet before start.
func (c *Config) LaunchConfig() process.LaunchConfig {
	lc := process.LaunchConfig{
		Name:        c.App.Name,
		Dir:         c.App.Workdir,
		Interpreter: c.App.Interpreter,
		Args:        c.App.Args,
	}
	if c.App.Workdir != "" {
		lc.Executable = filepath.Join(c.App.Workdir, c.App.Entry)
	}
	for k, v := range c.App.Env {
		lc.Env = append(lc.Env, k+"="+v)
	}
	sort.Strings(lc.Env)
	return lc
}
