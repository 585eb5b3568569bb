// Package config loads cmd/connd's TOML configuration into the shape
// scheduler.Config and package store expect.
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"

	"github.com/gossipmesh/connd/scheduler"
)

// File is the on-disk shape of connd.toml.
type File struct {
	Path string `toml:"path"`

	Conn struct {
		Autostart bool `toml:"autostart"`
	} `toml:"conn"`

	Gossip struct {
		Seed         bool `toml:"seed"`
		Pub          bool `toml:"pub"`
		AutoPopulate bool `toml:"autoPopulate"`
	} `toml:"gossip"`

	Seeds []string `toml:"seeds"`

	// DNSSeed optionally resolves additional bootstrap addresses from a
	// Route53-hosted TXT record at startup. Both fields must be set to
	// enable it; cmd/connd leaves seed resolution to the static Seeds
	// list otherwise.
	DNSSeed struct {
		ZoneID     string `toml:"zoneId"`
		RecordFQDN string `toml:"recordFqdn"`
	} `toml:"dnsSeed"`

	// Archive optionally mirrors the address book to Azure Blob
	// Storage on every flush. AccountName and ContainerURL must both be
	// set to enable it.
	Archive struct {
		AccountName  string `toml:"accountName"`
		AccountKey   string `toml:"accountKey"`
		ContainerURL string `toml:"containerUrl"`
		BlobName     string `toml:"blobName"`
	} `toml:"archive"`

	Timers struct {
		Ping Duration `toml:"ping"`
	} `toml:"timers"`
}

// Duration wraps time.Duration so naoina/toml can parse duration
// strings like "5m" from the config file.
type Duration struct {
	time.Duration
}

// UnmarshalTOML implements naoina/toml's text-unmarshaling hook.
func (d *Duration) UnmarshalTOML(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns a File populated with scheduler.DefaultConfig's
// values, used when no file is present.
func Default() File {
	def := scheduler.DefaultConfig()
	var f File
	f.Conn.Autostart = def.ConnAutostart
	f.Gossip.Seed = def.GossipSeed
	f.Gossip.Pub = def.GossipPub
	f.Gossip.AutoPopulate = def.GossipAutoPopulate
	f.Timers.Ping = Duration{def.PingTimeout}
	return f
}

// Load reads and parses path. Decoding starts from Default(), so any
// key the file omits keeps its default value rather than the Go zero
// value.
func Load(path string) (File, error) {
	f := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	if err := toml.Unmarshal(data, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// ToSchedulerConfig converts the file form into scheduler.Config.
func (f File) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Path:               f.Path,
		ConnAutostart:      f.Conn.Autostart,
		GossipSeed:         f.Gossip.Seed,
		GossipPub:          f.Gossip.Pub,
		GossipAutoPopulate: f.Gossip.AutoPopulate,
		Seeds:              f.Seeds,
		PingTimeout:        scheduler.ClampPingTimeout(f.Timers.Ping.Duration),
		TickPeriod:         scheduler.DefaultConfig().TickPeriod,
	}
}
