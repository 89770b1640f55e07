// Package config defines the command-line configuration surface
// shared by the three yabwebhookd binaries, parsed with
// jessevdk/go-flags the way the teacher's own lndMain/loadConfig does.
// Only command-line flags are read; no configuration file is parsed.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"github.com/yablo/webhookd/internal/log"
)

const defaultLogFilename = "yabwebhookd.log"

// Upstream describes how to reach the blockchain node's RPC session.
type Upstream struct {
	Host       string `long:"rpchost" description:"host:port of the upstream node's RPC endpoint"`
	User       string `long:"rpcuser" description:"RPC username"`
	Pass       string `long:"rpcpass" description:"RPC password"`
	CACertPath string `long:"rpccert" description:"path to the upstream node's TLS CA certificate; omit for plaintext"`
	Retry      int    `long:"rpcretry" description:"reconnect attempts before giving up" default:"10"`
}

// Queue describes how to reach the Redis-backed reliable queue store.
type Queue struct {
	RedisAddr string `long:"redisaddr" description:"address of the Redis instance backing the queues" default:"localhost:6379"`
	Prefix    string `long:"queueprefix" description:"key prefix for the ingest/delivery queues" default:"yab"`
}

// Store describes how to reach the Postgres-backed subscriber store.
type Store struct {
	DSN string `long:"storedsn" description:"PostgreSQL connection string for the subscriber store"`
}

// Logging is shared by every binary.
type Logging struct {
	LogDir      string `long:"logdir" description:"directory to write log files into" default:"."`
	LogLevel    string `long:"debuglevel" description:"logging level for all subsystems {trace, debug, info, warn, error, critical}" default:"info"`
	MaxLogFiles int    `long:"maxlogfiles" description:"maximum number of rotated log files to keep" default:"3"`
	MaxLogSize  int    `long:"maxlogsize" description:"maximum log file size in MB before rotation" default:"10"`
}

// Base holds the configuration every binary carries.
type Base struct {
	Logging
}

func (b *Base) initLogging(logFilename string) error {
	logFile := filepath.Join(b.LogDir, logFilename)
	if err := log.InitLogRotator(logFile, b.MaxLogSize, b.MaxLogFiles); err != nil {
		return fmt.Errorf("init log rotator: %w", err)
	}
	log.SetLevels(b.LogLevel)
	return nil
}

// parse runs the go-flags parser against os.Args into dst, exiting
// quietly for -h/--help and surfacing any other parse error.
func parse(dst interface{}) error {
	parser := flags.NewParser(dst, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return err
	}
	return nil
}

// ListenerConfig is listenerd's configuration.
type ListenerConfig struct {
	Base
	Upstream Upstream `group:"Upstream" namespace:"upstream"`
	Queue    Queue    `group:"Queue" namespace:"queue"`
}

// LoadListener parses command-line flags for listenerd and initializes
// logging.
func LoadListener() (*ListenerConfig, error) {
	cfg := &ListenerConfig{}
	if err := parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.initLogging(defaultLogFilename); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProcessorConfig is processord's configuration.
type ProcessorConfig struct {
	Base
	Queue Queue `group:"Queue" namespace:"queue"`
	Store Store `group:"Store" namespace:"store"`
}

// LoadProcessor parses command-line flags for processord and
// initializes logging.
func LoadProcessor() (*ProcessorConfig, error) {
	cfg := &ProcessorConfig{}
	if err := parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.initLogging(defaultLogFilename); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DispatcherConfig is dispatchd's configuration.
type DispatcherConfig struct {
	Base
	Queue       Queue `group:"Queue" namespace:"queue"`
	Store       Store `group:"Store" namespace:"store"`
	MaxAttempts int   `long:"maxattempts" description:"delivery attempts before a webhook is marked gaveup" default:"10"`
	MaxAgeHours int   `long:"maxagehours" description:"hours since creation before a pending webhook is marked gaveup" default:"24"`
	LockKey     int64 `long:"lockkey" description:"advisory lock key enforcing a single dispatcher instance" default:"7246"`
}

// LoadDispatcher parses command-line flags for dispatchd and
// initializes logging.
func LoadDispatcher() (*DispatcherConfig, error) {
	cfg := &DispatcherConfig{}
	if err := parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.initLogging(defaultLogFilename); err != nil {
		return nil, err
	}
	return cfg, nil
}
