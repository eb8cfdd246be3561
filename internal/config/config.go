// Package config handles configuration loading for the gateway.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and token PINs to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP listener, TLS and message size limits
//   - codec: attachment caching thresholds
//   - admission: connection queue and resource thresholds
//   - ocsp: fetching of OCSP responses for the gateway's own certificates
//   - ledger: chain verification at startup
//   - timestamper: time-stamping authorities, batching and backoff
//   - archive: archive directory, rotation and retention
//   - storage: ledger backend (memory or MongoDB)
//   - signing: key management mode (file or pkcs11)
//   - globalconf: trust anchors directory
//   - observability: metrics endpoint
//
// # Example Configuration
//
//	server:
//	  addr: ":8443"
//	  tls:
//	    enabled: true
//	    certFile: /etc/secgw/tls.crt
//	    keyFile: /etc/secgw/tls.key
//
//	storage:
//	  type: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: secgw
//
//	timestamper:
//	  interval: 1m
//	  authorities:
//	    - name: primary
//	      url: https://tsa.example.com/tsr
//
// Durations are written as Go duration strings ("30s", "10m").
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	StorageMemory  = "memory"
	StorageMongoDB = "mongodb"
)

// Signing modes
const (
	SigningFile   = "file"
	SigningPKCS11 = "pkcs11"
)

// Config is the root configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Codec       CodecConfig       `yaml:"codec"`
	Admission   AdmissionConfig   `yaml:"admission"`
	OCSP        OCSPConfig        `yaml:"ocsp"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Timestamper TimestamperConfig `yaml:"timestamper"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Storage     StorageConfig     `yaml:"storage"`
	Signing     SigningConfig     `yaml:"signing"`
	GlobalConf  GlobalConfConfig  `yaml:"globalconf"`
	Metrics     MetricsConfig     `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`

	// MaxMessageSize bounds the body of POST /message
	MaxMessageSize int64 `yaml:"maxMessageSize"`
	TLS            struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
}

// CodecConfig holds message decoding settings
type CodecConfig struct {
	// MemoryThreshold is the attachment size kept in memory before spilling
	MemoryThreshold int64  `yaml:"memoryThreshold"`
	TempDir         string `yaml:"tempDir"`
	MaxPartSize     int64  `yaml:"maxPartSize"`
}

// AdmissionConfig holds connection admission settings
type AdmissionConfig struct {
	MaxParallel int `yaml:"maxParallel"`
	QueueSize   int `yaml:"queueSize"`
	// Zero disables a threshold
	MinFreeFileHandles int           `yaml:"minFreeFileHandles"`
	MaxCPULoad         float64       `yaml:"maxCpuLoad"`
	MaxHeapUsage       float64       `yaml:"maxHeapUsage"`
	CheckInterval      time.Duration `yaml:"checkInterval"`
}

// OCSPConfig holds settings for fetching the gateway's own OCSP responses
type OCSPConfig struct {
	FetchInterval time.Duration `yaml:"fetchInterval"`
	FetchTimeout  time.Duration `yaml:"fetchTimeout"`
	// Certificates are PEM files of certificates whose responses are served
	Certificates []string `yaml:"certificates"`
}

// LedgerConfig holds ledger settings
type LedgerConfig struct {
	// VerifyOnStart recomputes the last VerifyWindow chain values at startup
	VerifyOnStart bool   `yaml:"verifyOnStart"`
	VerifyWindow  uint64 `yaml:"verifyWindow"`
}

// TSAConfig describes one time-stamping authority
type TSAConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// TimestamperConfig holds batch time-stamping settings
type TimestamperConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	Interval                time.Duration `yaml:"interval"`
	MaxBatch                int           `yaml:"maxBatch"`
	InitialDelay            time.Duration `yaml:"initialDelay"`
	MaxDelay                time.Duration `yaml:"maxDelay"`
	AcceptableFailurePeriod time.Duration `yaml:"acceptableFailurePeriod"`
	RequestTimeout          time.Duration `yaml:"requestTimeout"`
	Authorities             []TSAConfig   `yaml:"authorities"`
}

// ArchiveConfig holds archival settings
type ArchiveConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Dir          string        `yaml:"dir"`
	Interval     time.Duration `yaml:"interval"`
	ArchiveAfter time.Duration `yaml:"archiveAfter"`
	PurgeAfter   time.Duration `yaml:"purgeAfter"`
	MaxFileSize  int64         `yaml:"maxFileSize"`
}

// StorageConfig holds ledger store settings
type StorageConfig struct {
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	GridFS   struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
	// InlineLimit is the message size above which bytes are kept in GridFS
	InlineLimit int `yaml:"inlineLimit"`
}

// SigningConfig holds signing key management settings
type SigningConfig struct {
	// Mode determines how signing keys are managed
	// - "pkcs11": Keys stored in PKCS#11 token (HSM/smart card)
	// - "file": Keys loaded from PEM files
	Mode string `yaml:"mode"`

	// KeyID selects the key used for outgoing signatures
	KeyID string `yaml:"keyId"`

	PKCS11 PKCS11Config  `yaml:"pkcs11"`
	File   FileKeyConfig `yaml:"file"`
}

// PKCS11Config holds PKCS#11 HSM settings
type PKCS11Config struct {
	// Path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string `yaml:"modulePath"`
	// Slot ID or label to use
	SlotID    uint   `yaml:"slotId"`
	SlotLabel string `yaml:"slotLabel"`
	// PIN for authentication (can be env var reference like ${HSM_PIN})
	PIN string `yaml:"pin"`
	// KeyIDs lists the key labels exposed by ListTokens
	KeyIDs []string `yaml:"keyIds"`
}

// FileKeyConfig holds file-based key settings
type FileKeyConfig struct {
	// Directory containing {keyId}.key and {keyId}.crt PEM files
	KeyDir string `yaml:"keyDir"`
}

// GlobalConfConfig locates the distributed trust configuration
type GlobalConfConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
	// OCSPFreshness applies when the directory does not set one
	OCSPFreshness time.Duration `yaml:"ocspFreshness"`
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 2 * time.Minute
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = 256 << 20
	}

	if c.Codec.MemoryThreshold == 0 {
		c.Codec.MemoryThreshold = 1 << 20
	}
	if c.Codec.MaxPartSize == 0 {
		c.Codec.MaxPartSize = 32 << 20
	}

	if c.Admission.MaxParallel == 0 {
		c.Admission.MaxParallel = 32
	}
	if c.Admission.QueueSize == 0 {
		c.Admission.QueueSize = 128
	}
	if c.Admission.CheckInterval == 0 {
		c.Admission.CheckInterval = time.Second
	}

	if c.OCSP.FetchInterval == 0 {
		c.OCSP.FetchInterval = 5 * time.Minute
	}
	if c.OCSP.FetchTimeout == 0 {
		c.OCSP.FetchTimeout = 10 * time.Second
	}

	if c.Ledger.VerifyWindow == 0 {
		c.Ledger.VerifyWindow = 1000
	}

	if c.Timestamper.Interval == 0 {
		c.Timestamper.Interval = time.Minute
	}
	if c.Timestamper.MaxBatch == 0 {
		c.Timestamper.MaxBatch = 10000
	}
	if c.Timestamper.InitialDelay == 0 {
		c.Timestamper.InitialDelay = 30 * time.Second
	}
	if c.Timestamper.MaxDelay == 0 {
		c.Timestamper.MaxDelay = 5 * time.Minute
	}
	if c.Timestamper.AcceptableFailurePeriod == 0 {
		c.Timestamper.AcceptableFailurePeriod = 30 * time.Minute
	}
	if c.Timestamper.RequestTimeout == 0 {
		c.Timestamper.RequestTimeout = 10 * time.Second
	}

	if c.Archive.Dir == "" {
		c.Archive.Dir = "./archive"
	}
	if c.Archive.Interval == 0 {
		c.Archive.Interval = 10 * time.Minute
	}
	if c.Archive.ArchiveAfter == 0 {
		c.Archive.ArchiveAfter = 24 * time.Hour
	}
	if c.Archive.PurgeAfter == 0 {
		c.Archive.PurgeAfter = 72 * time.Hour
	}
	if c.Archive.MaxFileSize == 0 {
		c.Archive.MaxFileSize = 100 << 20
	}

	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "secgw"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "ledger_payloads"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}

	if c.Signing.Mode == "" {
		c.Signing.Mode = SigningFile
	}
	if c.Signing.KeyID == "" {
		c.Signing.KeyID = "signing"
	}
	if c.Signing.File.KeyDir == "" {
		c.Signing.File.KeyDir = "./keys"
	}

	if c.GlobalConf.Dir == "" {
		c.GlobalConf.Dir = "./globalconf"
	}
	if c.GlobalConf.OCSPFreshness == 0 {
		c.GlobalConf.OCSPFreshness = 10 * time.Minute
	}

	if c.Metrics.Metrics.Path == "" {
		c.Metrics.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case StorageMemory:
	case StorageMongoDB:
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.type must be 'memory' or 'mongodb', got '%s'", c.Storage.Type)
	}

	switch c.Signing.Mode {
	case SigningFile, SigningPKCS11:
		// Valid modes
	default:
		return fmt.Errorf("signing.mode must be 'pkcs11' or 'file', got '%s'", c.Signing.Mode)
	}

	if c.Signing.Mode == SigningPKCS11 && c.Signing.PKCS11.ModulePath == "" {
		return fmt.Errorf("signing.pkcs11.modulePath is required when mode is 'pkcs11'")
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}

	if c.Admission.MaxParallel < 0 || c.Admission.QueueSize < 0 {
		return fmt.Errorf("admission.maxParallel and admission.queueSize must not be negative")
	}
	if c.Admission.MaxCPULoad < 0 || c.Admission.MaxCPULoad > 1 {
		return fmt.Errorf("admission.maxCpuLoad must be between 0 and 1")
	}
	if c.Admission.MaxHeapUsage < 0 || c.Admission.MaxHeapUsage > 1 {
		return fmt.Errorf("admission.maxHeapUsage must be between 0 and 1")
	}

	if c.Timestamper.Enabled {
		if len(c.Timestamper.Authorities) == 0 {
			return fmt.Errorf("timestamper.authorities is required when the timestamper is enabled")
		}
		for i, a := range c.Timestamper.Authorities {
			if a.URL == "" {
				return fmt.Errorf("timestamper.authorities[%d].url is required", i)
			}
		}
		if c.Timestamper.MaxDelay < c.Timestamper.InitialDelay {
			return fmt.Errorf("timestamper.maxDelay must not be less than timestamper.initialDelay")
		}
	}

	if c.Archive.Enabled && c.Archive.PurgeAfter < c.Archive.ArchiveAfter {
		return fmt.Errorf("archive.purgeAfter must not be less than archive.archiveAfter")
	}

	return nil
}
