package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"

	"github.com/hupe1980/oil"
	"github.com/hupe1980/oil/blobstore"
	"github.com/hupe1980/oil/blobstore/minio"
	s3store "github.com/hupe1980/oil/blobstore/s3"
)

// Config is the CLI configuration. Keys are read from the --config file,
// OIL_* environment variables (dots become underscores, e.g.
// OIL_LOGSTORE_FILE) and flags, in increasing precedence.
type Config struct {
	LogStore struct {
		File string `mapstructure:"file"`
	} `mapstructure:"logstore"`
	MaxItemsPerExtent int    `mapstructure:"maxitemsperextent"`
	Durability        string `mapstructure:"durability"`
	Compression       string `mapstructure:"compression"`
	Log               struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Backup BackupConfig `mapstructure:"backup"`
}

// BackupConfig selects and configures the backup target.
type BackupConfig struct {
	// Target is "dir", "s3" or "minio".
	Target      string `mapstructure:"target"`
	Dir         string `mapstructure:"dir"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	Endpoint    string `mapstructure:"endpoint"`
	AccessKey   string `mapstructure:"accesskey"`
	SecretKey   string `mapstructure:"secretkey"`
	UseSSL      bool   `mapstructure:"usessl"`
	DynamoTable string `mapstructure:"dynamotable"`
	RateLimit   int64  `mapstructure:"ratelimit"`
	Concurrency int    `mapstructure:"concurrency"`
	MemoryLimit int64  `mapstructure:"memorylimit"`
	Keep        int    `mapstructure:"keep"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logStore.file", "")
	v.SetDefault("maxItemsPerExtent", oil.DefaultMaxItemsPerExtent)
	v.SetDefault("durability", "sync")
	v.SetDefault("compression", "none")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
	v.SetDefault("backup.target", "dir")
	v.SetDefault("backup.dir", "")
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.prefix", "")
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.accessKey", "")
	v.SetDefault("backup.secretKey", "")
	v.SetDefault("backup.useSSL", true)
	v.SetDefault("backup.dynamoTable", "")
	v.SetDefault("backup.rateLimit", 0)
	v.SetDefault("backup.concurrency", 2)
	v.SetDefault("backup.memoryLimit", 0)
	v.SetDefault("backup.keep", 7)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("OIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads file (if not empty) into v and decodes the result.
func loadConfig(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

var errNoLogFile = errors.New("no log file: set logStore.file or pass --db")

// options maps the configuration onto database options.
func (c *Config) options() ([]oil.Option, error) {
	durability, err := oil.ParseDurability(c.Durability)
	if err != nil {
		return nil, err
	}
	compression, err := oil.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	return []oil.Option{
		oil.WithMaxItemsPerExtent(c.MaxItemsPerExtent),
		oil.WithDurability(durability),
		oil.WithCompression(compression),
		oil.WithLogger(logger),
		oil.WithBackupRateLimit(c.Backup.RateLimit),
		oil.WithBackupConcurrency(c.Backup.Concurrency),
		oil.WithBackupMemoryLimit(c.Backup.MemoryLimit),
	}, nil
}

func (c *Config) logger() (*oil.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "text":
		return oil.NewTextLogger(level), nil
	case "json":
		return oil.NewJSONLogger(level), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
}

func (c *Config) open() (*oil.Database, error) {
	if c.LogStore.File == "" {
		return nil, errNoLogFile
	}
	opts, err := c.options()
	if err != nil {
		return nil, err
	}
	db := oil.New(c.LogStore.File, opts...)
	if err := db.Open(); err != nil {
		return nil, err
	}
	return db, nil
}

// blobStore builds the configured backup target.
func (c *Config) blobStore(ctx context.Context) (blobstore.BlobStore, error) {
	b := c.Backup
	switch b.Target {
	case "dir", "":
		if b.Dir == "" {
			return nil, errors.New("backup.dir is required for target dir")
		}
		return blobstore.NewLocalStore(b.Dir), nil
	case "s3":
		if b.Bucket == "" {
			return nil, errors.New("backup.bucket is required for target s3")
		}
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		store := s3store.NewStore(s3.NewFromConfig(awsCfg), b.Bucket, b.Prefix)
		if b.DynamoTable == "" {
			return store, nil
		}
		uri := fmt.Sprintf("s3://%s/%s", b.Bucket, b.Prefix)
		return s3store.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), b.DynamoTable, uri), nil
	case "minio":
		if b.Bucket == "" || b.Endpoint == "" {
			return nil, errors.New("backup.bucket and backup.endpoint are required for target minio")
		}
		client, err := miniogo.New(b.Endpoint, &miniogo.Options{
			Creds:  credentials.NewStaticV4(b.AccessKey, b.SecretKey, ""),
			Secure: b.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return minio.NewStore(client, b.Bucket, b.Prefix), nil
	default:
		return nil, fmt.Errorf("backup.target: unknown target %q", b.Target)
	}
}
