// Package config loads the yaml configuration and owns the process-wide
// resources derived from it: the storage directories and the LevelDB
// holding session records.
package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sjqzhang/seelog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const DefaultConfigFile = "conf/upload.yml"

type Config struct {
	levelDB *leveldb.DB
	params  *Params
}

// NewConfig loads the configuration file, creates the working
// directories and opens the session database. It is called once at
// startup; failures here are fatal.
func NewConfig(configFile string) (*Config, error) {
	if configFile == "" {
		configFile = DefaultConfigFile
	}
	params, err := NewParams(configFile)
	if err != nil {
		return nil, err
	}
	conf := &Config{params: params}
	if err := conf.createDirectories(); err != nil {
		return nil, err
	}

	opts := &opt.Options{
		CompactionTableSize: 1024 * 1024 * 20,
		WriteBuffer:         1024 * 1024 * 20,
	}
	levelDB, err := leveldb.OpenFile(params.LeveldbFile, opts)
	if err != nil {
		return nil, fmt.Errorf("open db file %s fail,maybe has opening: %w", params.LeveldbFile, err)
	}
	conf.levelDB = levelDB
	return conf, nil
}

func (c *Config) createDirectories() error {
	dirs := []string{c.params.UploadDir, c.params.TempDir, c.params.DataDir, c.params.LogDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return err
		}
	}
	return nil
}

// RegisterExit releases the resources held by the configuration.
func (c *Config) RegisterExit() {
	if err := c.levelDB.Close(); err != nil {
		log.Info("close levelDB error: ", err)
	}
}

func (c *Config) LevelDB() *leveldb.DB {
	return c.levelDB
}

func (c *Config) Addr() string {
	return c.params.Addr
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.params.ReadTimeout) * time.Second
}

func (c *Config) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.params.ReadHeaderTimeout) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.params.WriteTimeout) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.params.IdleTimeout) * time.Second
}

func (c *Config) UploadDir() string {
	return c.params.UploadDir
}

func (c *Config) TempDir() string {
	return c.params.TempDir
}

func (c *Config) DataDir() string {
	return c.params.DataDir
}

func (c *Config) LogDir() string {
	return c.params.LogDir
}

func (c *Config) MaxFileSize() int64 {
	return c.params.MaxFileSize
}

func (c *Config) MaxConcurrentUploads() int {
	return c.params.MaxConcurrentUploads
}

func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.params.UploadTimeout) * time.Second
}

func (c *Config) BufferSize() int {
	return c.params.BufferSize
}

func (c *Config) MaxUploadRate() int64 {
	return c.params.MaxUploadRate
}

func (c *Config) EnableResumableUploads() bool {
	return c.params.EnableResumableUploads
}

func (c *Config) EnableRangeRequests() bool {
	return c.params.EnableRangeRequests
}

func (c *Config) EnableIntegrityCheck() bool {
	return c.params.EnableIntegrityCheck
}

func (c *Config) FileSumArithmetic() string {
	return c.params.FileSumArithmetic
}

func (c *Config) BigUploadPathSuffix() string {
	return c.params.BigUploadPathSuffix
}

func (c *Config) DisableTusTermination() bool {
	return c.params.DisableTusTermination
}

func (c *Config) EnableCrossOrigin() bool {
	return c.params.EnableCrossOrigin
}

func (c *Config) EnableFsNotify() bool {
	return c.params.EnableFsNotify
}

func (c *Config) DownloadDomain() string {
	return c.params.DownloadDomain
}

func (c *Config) EnableImageResize() bool {
	return c.params.EnableImageResize
}

func (c *Config) ImageMaxWidth() int {
	return c.params.ImageMaxWidth
}

func (c *Config) ImageMaxHeight() int {
	return c.params.ImageMaxHeight
}

func (c *Config) AuthUrl() string {
	return c.params.AuthUrl
}

func (c *Config) EnableGoogleAuth() bool {
	return c.params.EnableGoogleAuth
}

func (c *Config) GoogleAuthSecret() string {
	return c.params.GoogleAuthSecret
}
