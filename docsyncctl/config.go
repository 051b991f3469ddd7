package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bringyour/docsync/docsync"
)

// Config overrides the default settings. Unset fields keep the defaults.
//
//	connection:
//	  connect_timeout: 5s
//	  request_timeout: 10s
//	  reconnect_timeout: 1s
//	  reconnect: false
//	  args:
//	    app: dashboard
//	server:
//	  addr: ":8080"
//	  path: /ws
//	  secret_key: ...
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Server     ServerConfig     `yaml:"server"`
}

type ConnectionConfig struct {
	ConnectTimeout   Duration          `yaml:"connect_timeout"`
	RequestTimeout   Duration          `yaml:"request_timeout"`
	ReconnectTimeout Duration          `yaml:"reconnect_timeout"`
	Reconnect        *bool             `yaml:"reconnect"`
	ProtocolVersion  string            `yaml:"protocol_version"`
	Args             map[string]string `yaml:"args"`
	Socket           SocketConfig      `yaml:"socket"`
}

type ServerConfig struct {
	Addr            string       `yaml:"addr"`
	Path            string       `yaml:"path"`
	ProtocolVersion string       `yaml:"protocol_version"`
	SecretKey       string       `yaml:"secret_key"`
	Socket          SocketConfig `yaml:"socket"`
}

type SocketConfig struct {
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	ReadTimeout      Duration `yaml:"read_timeout"`
	PingInterval     Duration `yaml:"ping_interval"`
}

// a duration written as a Go duration string, e.g. 1m30s
type Duration time.Duration

func (self *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*self = Duration(d)
	return nil
}

func (self Duration) MarshalYAML() (any, error) {
	return time.Duration(self).String(), nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

func setDuration(target *time.Duration, d Duration) {
	if 0 < d {
		*target = time.Duration(d)
	}
}

func (self *SocketConfig) Apply(settings *docsync.SocketSettings) {
	setDuration(&settings.HandshakeTimeout, self.HandshakeTimeout)
	setDuration(&settings.WriteTimeout, self.WriteTimeout)
	setDuration(&settings.ReadTimeout, self.ReadTimeout)
	setDuration(&settings.PingInterval, self.PingInterval)
}

func (self *ConnectionConfig) Apply(settings *docsync.ConnectionSettings) {
	setDuration(&settings.ConnectTimeout, self.ConnectTimeout)
	setDuration(&settings.RequestTimeout, self.RequestTimeout)
	setDuration(&settings.ReconnectTimeout, self.ReconnectTimeout)
	if self.Reconnect != nil {
		settings.Reconnect = *self.Reconnect
	}
	if self.ProtocolVersion != "" {
		settings.ProtocolVersion = self.ProtocolVersion
	}
	if 0 < len(self.Args) {
		settings.Args = self.Args
	}
	self.Socket.Apply(settings.Socket)
}

func (self *ServerConfig) Apply(settings *docsync.ServerSettings) {
	if self.ProtocolVersion != "" {
		settings.ProtocolVersion = self.ProtocolVersion
	}
	if self.SecretKey != "" {
		settings.SecretKey = self.SecretKey
	}
	self.Socket.Apply(settings.Socket)
}
