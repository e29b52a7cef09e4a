// Package config builds a heap stack (virtual memory source, storage
// provider, heap and logger) from a YAML file and an option string.
//
// A configuration file looks like this:
//
//	provider: pool
//	pool-size: 256MB
//	max-heap-size: 128MB
//	log-level: debug
//
// The same keys can be given as a shell-quoted option string, which is how
// the GCHEAP_OPTIONS environment variable is read:
//
//	GCHEAP_OPTIONS='provider=pool "pool-size=64 MB" vm-limit=1GB'
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"golang.org/x/exp/slog"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/gcheap/heap"
	"github.com/tinygo-org/gcheap/storage"
	"github.com/tinygo-org/gcheap/vm"
)

// EnvOptions is the environment variable read by ApplyEnv.
const EnvOptions = "GCHEAP_OPTIONS"

// ProviderKind names a storage provider policy.
type ProviderKind string

const (
	ProviderDirect ProviderKind = "direct"
	ProviderMalloc ProviderKind = "malloc"
	ProviderPool   ProviderKind = "pool"
)

// Config is a parsed configuration. Zero sizes mean "no limit" or "use the
// default".
type Config struct {
	Provider     ProviderKind
	PoolSize     bytesize.ByteSize // reservation of the pool provider
	StorageLimit bytesize.ByteSize // cap on live segment bytes
	MaxHeapSize  bytesize.ByteSize

	// Test knobs passed to the virtual memory source.
	PageSize bytesize.ByteSize
	VMLimit  bytesize.ByteSize

	IneffectiveLimit int
	MinFreedFraction float64

	LogLevel slog.Level
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	c := Config{
		Provider: ProviderMalloc,
		PoolSize: 256 * bytesize.MB,
		LogLevel: slog.LevelInfo,
	}
	if vm.Supported {
		c.Provider = ProviderDirect
	}
	return c
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config")
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: %s", path)
	}
	return c, nil
}

// Parse reads a YAML configuration on top of the defaults.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := c.ApplyYAML(data); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyYAML sets every key found in a YAML mapping.
func (c *Config) ApplyYAML(data []byte) error {
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "config: parsing yaml")
	}
	for _, item := range doc {
		if err := c.Set(fmt.Sprint(item.Key), fmt.Sprint(item.Value)); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOptions sets the key=value pairs of a shell-quoted option string.
// Leading dashes on keys are ignored.
func (c *Config) ApplyOptions(s string) error {
	args, err := shlex.Split(s)
	if err != nil {
		return errors.Wrap(err, "config: splitting options")
	}
	for _, arg := range args {
		key, value, ok := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !ok {
			return errors.Newf("config: option %q is not of the form key=value", arg)
		}
		if err := c.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv applies the options in the GCHEAP_OPTIONS environment variable.
func (c *Config) ApplyEnv() error {
	if s := os.Getenv(EnvOptions); s != "" {
		return errors.Wrap(c.ApplyOptions(s), EnvOptions)
	}
	return nil
}

// Set assigns a single key.
func (c *Config) Set(key, value string) error {
	var err error
	switch key {
	case "provider":
		switch kind := ProviderKind(strings.ToLower(value)); kind {
		case ProviderDirect, ProviderMalloc, ProviderPool:
			c.Provider = kind
		default:
			err = errors.Newf("unknown provider %q", value)
		}
	case "pool-size":
		c.PoolSize, err = parseSize(value)
	case "storage-limit":
		c.StorageLimit, err = parseSize(value)
	case "max-heap-size":
		c.MaxHeapSize, err = parseSize(value)
	case "page-size":
		c.PageSize, err = parseSize(value)
	case "vm-limit":
		c.VMLimit, err = parseSize(value)
	case "ineffective-limit":
		c.IneffectiveLimit, err = strconv.Atoi(value)
	case "min-freed-fraction":
		c.MinFreedFraction, err = strconv.ParseFloat(value, 64)
	case "log-level":
		err = c.LogLevel.UnmarshalText([]byte(value))
	default:
		return errors.Newf("config: unknown key %q", key)
	}
	if err != nil {
		return errors.Wrapf(err, "config: %s", key)
	}
	return nil
}

// parseSize accepts sizes with a unit ("64MB", "1 GB") or plain byte counts.
func parseSize(s string) (bytesize.ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return bytesize.ByteSize(n), nil
	}
	return bytesize.Parse(s)
}

// Logger returns a text logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}

// VMConfig returns the configuration of the virtual memory source.
func (c Config) VMConfig(log *slog.Logger) vm.Config {
	return vm.Config{
		PageSize:   uintptr(c.PageSize),
		AllocLimit: uintptr(c.VMLimit),
		Logger:     log,
	}
}

// NewProvider builds the configured storage provider.
func (c Config) NewProvider(log *slog.Logger) (storage.Provider, error) {
	var p storage.Provider
	switch c.Provider {
	case ProviderMalloc:
		p = storage.NewMallocProvider(log)
	case ProviderDirect, ProviderPool:
		if !vm.Supported {
			return nil, errors.Wrapf(vm.ErrUnsupported, "config: provider %s", c.Provider)
		}
		src := vm.New(c.VMConfig(log))
		if c.Provider == ProviderDirect {
			p = storage.NewDirectProvider(src, log)
			break
		}
		pool, err := storage.NewPoolProvider(src, uintptr(c.PoolSize), log)
		if err != nil {
			return nil, errors.Wrap(err, "config")
		}
		p = pool
	default:
		return nil, errors.Newf("config: unknown provider %q", c.Provider)
	}
	if c.StorageLimit != 0 {
		p = storage.NewLimitedProvider(p, uintptr(c.StorageLimit))
	}
	return p, nil
}

// NewHeap builds the provider and a heap on top of it.
func (c Config) NewHeap(log *slog.Logger) (*heap.Heap, error) {
	p, err := c.NewProvider(log)
	if err != nil {
		return nil, err
	}
	return heap.New(heap.Config{
		Provider:         p,
		MaxHeapSize:      uintptr(c.MaxHeapSize),
		IneffectiveLimit: c.IneffectiveLimit,
		MinFreedFraction: c.MinFreedFraction,
		Logger:           log,
	}), nil
}
