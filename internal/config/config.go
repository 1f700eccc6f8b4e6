// Package config holds the settings of the tail command. Values come from an
// optional YAML file given with -config and are overridden by flags that
// follow it on the command line.
package config

import (
	"bytes"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/seedtray/tailcursor/internal/logger"
	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindDemo  Kind = "demo"
	KindDir   Kind = "dir"
	KindRedis Kind = "redis"
	KindS3    Kind = "s3"
)

func (k *Kind) Set(s string) error {
	switch Kind(s) {
	case KindDemo, KindDir, KindRedis, KindS3:
		*k = Kind(s)
	default:
		return errors.Errorf("unknown source kind: %q", s)
	}
	return nil
}

func (k Kind) String() string {
	return string(k)
}

func (k *Kind) UnmarshalText(text []byte) error {
	return k.Set(string(text))
}

type Config struct {
	Source  Source        `yaml:"source"`
	Reader  Reader        `yaml:"reader"`
	Log     logger.Config `yaml:"log"`
	Metrics Metrics       `yaml:"metrics"`
}

type Source struct {
	Kind  Kind  `yaml:"kind"`
	Demo  Demo  `yaml:"demo"`
	Dir   Dir   `yaml:"dir"`
	Redis Redis `yaml:"redis"`
	S3    S3    `yaml:"s3"`
}

// Demo replays a writer with the given pauses into an in-memory capped
// collection while tailing it.
type Demo struct {
	Pauses      Durations     `yaml:"pauses"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Capacity    int           `yaml:"capacity"`
	// FlakyEvery fails every Nth open and fetch. Zero disables.
	FlakyEvery int64 `yaml:"flaky_every"`
}

type Dir struct {
	Path         string        `yaml:"path"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	Watch        bool          `yaml:"watch"`
}

type Redis struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Key         string        `yaml:"key"`
	Field       string        `yaml:"field"`
	BatchSize   int64         `yaml:"batch_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type S3 struct {
	Bucket       string        `yaml:"bucket"`
	Prefix       string        `yaml:"prefix"`
	Region       string        `yaml:"region"`
	Endpoint     string        `yaml:"endpoint"`
	PathStyle    bool          `yaml:"path_style"`
	BatchSize    int32         `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type Reader struct {
	// MaxWait bounds the whole tail session. Zero means run until
	// interrupted.
	MaxWait   time.Duration `yaml:"max_wait"`
	PollWait  time.Duration `yaml:"poll_wait"`
	MinRetry  time.Duration `yaml:"min_retry"`
	MaxRetry  time.Duration `yaml:"max_retry"`
	From      string        `yaml:"from"`
	Count     int           `yaml:"count"`
	BatchSize int           `yaml:"batch_size"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// Durations is a comma separated list of durations on the command line and
// a sequence in YAML. Bare numbers are seconds.
type Durations []time.Duration

func (d *Durations) Set(s string) error {
	var out Durations
	for _, f := range strings.Split(s, ",") {
		v, err := parseDuration(strings.TrimSpace(f))
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	*d = out
	return nil
}

func (d Durations) String() string {
	var parts []string
	for _, v := range d {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, ",")
}

func (d *Durations) UnmarshalYAML(value *yaml.Node) error {
	var raw []string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.Set(strings.Join(raw, ","))
}

func (d Durations) Total() time.Duration {
	var total time.Duration
	for _, v := range d {
		total += v
	}
	return total
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Defaults replays the writer timing of the capped collection tail test:
// one pause longer than the 4.5s idle timeout forces a reopen.
func Defaults() Config {
	return Config{
		Source: Source{
			Kind: KindDemo,
			Demo: Demo{
				Pauses:      Durations{0, time.Second, 0, time.Second, 0, 5 * time.Second, 0, 0},
				IdleTimeout: 4500 * time.Millisecond,
				Capacity:    1000,
			},
			Redis: Redis{Addr: "localhost:6379", Field: "data"},
		},
		Reader: Reader{
			PollWait:  time.Second,
			MinRetry:  100 * time.Millisecond,
			MaxRetry:  5 * time.Second,
			BatchSize: 100,
		},
		Log: logger.Config{Path: "stderr", Mode: logger.FileModeAppend},
	}
}

// Load decodes a YAML file over c, rejecting unknown fields.
func (c *Config) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.decode(b)
}

func (c *Config) decode(b []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Wrap(err, "decoding config")
	}
	return nil
}

func (c *Config) SetFlags(fs *flag.FlagSet) {
	fs.Func("config", "path of yaml config file (flags after it override its values)", c.Load)
	fs.Var(&c.Source.Kind, "source", "source kind (values: demo, dir, redis, s3)")
	fs.Var(&c.Source.Demo.Pauses, "demo.pauses", "comma separated pauses between demo inserts")
	fs.DurationVar(&c.Source.Demo.IdleTimeout, "demo.idletimeout", c.Source.Demo.IdleTimeout, "idle time after which demo cursors die")
	fs.Int64Var(&c.Source.Demo.FlakyEvery, "demo.flaky", 0, "fail every Nth demo open and fetch")
	fs.StringVar(&c.Source.Dir.Path, "dir", "", "chunk directory to tail")
	fs.BoolVar(&c.Source.Dir.Watch, "dir.watch", true, "use fsnotify to wait for directory changes")
	fs.StringVar(&c.Source.Redis.Addr, "redis.addr", c.Source.Redis.Addr, "redis server address")
	fs.StringVar(&c.Source.Redis.Key, "redis.key", "", "redis stream key")
	fs.StringVar(&c.Source.S3.Bucket, "s3.bucket", "", "S3 bucket holding the log")
	fs.StringVar(&c.Source.S3.Prefix, "s3.prefix", "", "key prefix of the log in the bucket")
	fs.StringVar(&c.Source.S3.Region, "s3.region", "", "S3 region")
	fs.StringVar(&c.Source.S3.Endpoint, "s3.endpoint", "", "S3 endpoint URL override")
	fs.DurationVar(&c.Reader.MaxWait, "maxwait", 0, "maximum total time to tail (0 means until interrupted)")
	fs.IntVar(&c.Reader.Count, "count", 0, "stop after this many records (0 means no limit)")
	fs.StringVar(&c.Reader.From, "from", "", "resume after this marker")
	fs.StringVar(&c.Metrics.Addr, "metrics.addr", "", "address to serve prometheus metrics on")
	c.Log.SetFlags(fs)
}

func (c Config) Validate() error {
	s := c.Source
	switch s.Kind {
	case KindDemo:
		if len(s.Demo.Pauses) == 0 {
			return errors.New("demo source needs at least one pause")
		}
	case KindDir:
		if s.Dir.Path == "" {
			return errors.New("dir source needs a directory")
		}
	case KindRedis:
		if s.Redis.Key == "" {
			return errors.New("redis source needs a stream key")
		}
	case KindS3:
		if s.S3.Bucket == "" || s.S3.Prefix == "" {
			return errors.New("s3 source needs a bucket and a prefix")
		}
	default:
		return errors.Errorf("unknown source kind: %q", s.Kind)
	}
	if c.Reader.MaxWait < 0 {
		return errors.New("maxwait must not be negative")
	}
	if c.Reader.Count < 0 {
		return errors.New("count must not be negative")
	}
	return nil
}
