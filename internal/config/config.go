package config

import (
	"os"
	"time"

	"github.com/go-yaml/yaml"
)

type Config struct {
	Identity Identity `yaml:"identity"`
	Network  Network  `yaml:"network"`
	Server   Server   `yaml:"server"`
}

type Identity struct {
	// PubKey is the current account whose records are loaded and
	// published. Signing and decryption happen out of process.
	PubKey    string `yaml:"pubkey"`
	SignerURL string `yaml:"signerURL"`
}

type Network struct {
	// BootstrapEndpoints are used to discover an identity's own relay
	// list and as a fallback when no relay list is known.
	BootstrapEndpoints []string `yaml:"bootstrapEndpoints"`
	PublishTimeoutMs   int      `yaml:"publishTimeoutMs"`
}

type Server struct {
	Listen        string `yaml:"listen"`
	PostgresDsn   string `yaml:"postgresDsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	AuthToken     string `yaml:"authToken"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}

func (n Network) PublishTimeout() time.Duration {
	if n.PublishTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n.PublishTimeoutMs) * time.Millisecond
}

func Load(path string) (Config, error) {

	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	err = yaml.NewDecoder(file).Decode(&config)
	if err != nil {
		return Config{}, err
	}

	return config, nil
}
