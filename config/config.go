package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Temporal TemporalConfig `koanf:"temporal"`
	Cache    CacheConfig    `koanf:"cache"`
	Minio    MinioConfig    `koanf:"minio"`
	Milvus   MilvusConfig   `koanf:"milvus"`
	OpenAI   OpenAIConfig   `koanf:"openai"`
	Upload   UploadConfig   `koanf:"upload"`
}

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	PublicPort int `koanf:"publicport"`
	HTTPS      struct {
		Cert string `koanf:"cert"`
		Key  string `koanf:"key"`
	}
	Debug bool `koanf:"debug"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// TemporalConfig related to the Temporal service
type TemporalConfig struct {
	HostPort  string `koanf:"hostport"`
	Namespace string `koanf:"namespace"`
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// MinioConfig is the object storage configuration.
type MinioConfig struct {
	Host       string `koanf:"host"`
	Port       string `koanf:"port"`
	RootUser   string `koanf:"rootuser"`
	RootPwd    string `koanf:"rootpwd"`
	BucketName string `koanf:"bucketname"`
	Secure     bool   `koanf:"secure"`
}

// MilvusConfig is the milvus configuration.
type MilvusConfig struct {
	Host string `koanf:"host"`
	Port string `koanf:"port"`
}

// OpenAIConfig defines the configuration for the embedding provider
type OpenAIConfig struct {
	APIKey              string `koanf:"apikey"`
	EmbeddingModel      string `koanf:"embeddingmodel"`
	EmbeddingDimensions int    `koanf:"embeddingdimensions"`
}

// UploadConfig bounds the upload surface.
type UploadConfig struct {
	// MaxSingleStreamSize caps the single-shot POST /upload body. Larger
	// files must go through the multipart flow.
	MaxSingleStreamSize int64 `koanf:"maxsinglestreamsize"`
	// MinPartSize is the multipart part-size floor required for compose.
	MinPartSize int64 `koanf:"minpartsize"`
	// StaleSessionTimeout is how long a session may sit in a non-terminal
	// state before the reconciliation sweep aborts it.
	StaleSessionTimeout time.Duration `koanf:"stalesessiontimeout"`
	// SweepInterval is the pause between reconciliation sweeps.
	SweepInterval time.Duration `koanf:"sweepinterval"`
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"openai.embeddingmodel":      "text-embedding-3-small",
		"openai.embeddingdimensions": 1536,
		"upload.maxsinglestreamsize": int64(10) << 30,
		"upload.minpartsize":         int64(5) << 20,
		"upload.stalesessiontimeout": "24h",
		"upload.sweepinterval":       "1h",
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	flag.Parse()

	return *configPath
}
