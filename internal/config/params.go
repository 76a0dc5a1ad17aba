package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Params mirrors the yaml configuration file one to one. Durations are
// given in seconds, sizes in bytes.
type Params struct {
	Addr              string `yaml:"addr"`
	ReadTimeout       int    `yaml:"read_timeout"`
	ReadHeaderTimeout int    `yaml:"read_header_timeout"`
	WriteTimeout      int    `yaml:"write_timeout"`
	IdleTimeout       int    `yaml:"idle_timeout"`

	UploadDir            string `yaml:"upload_dir"`
	TempDir              string `yaml:"temp_dir"`
	DataDir              string `yaml:"data_dir"`
	LogDir               string `yaml:"log_dir"`
	MaxFileSize          int64  `yaml:"max_file_size"`
	MaxConcurrentUploads int    `yaml:"max_concurrent_uploads"`
	UploadTimeout        int    `yaml:"upload_timeout"`
	BufferSize           int    `yaml:"buffer_size"`
	MaxUploadRate        int64  `yaml:"max_upload_rate"`

	EnableResumableUploads bool   `yaml:"enable_resumable_uploads"`
	EnableRangeRequests    bool   `yaml:"enable_range_requests"`
	EnableIntegrityCheck   bool   `yaml:"enable_integrity_check"`
	FileSumArithmetic      string `yaml:"file_sum_arithmetic"`
	BigUploadPathSuffix    string `yaml:"big_upload_path_suffix"`
	DisableTusTermination  bool   `yaml:"disable_tus_termination"`

	EnableCrossOrigin bool   `yaml:"enable_cross_origin"`
	EnableFsNotify    bool   `yaml:"enable_fsnotify"`
	DownloadDomain    string `yaml:"download_domain"`
	EnableImageResize bool   `yaml:"enable_image_resize"`
	ImageMaxWidth     int    `yaml:"image_max_width"`
	ImageMaxHeight    int    `yaml:"image_max_height"`

	AuthUrl          string `yaml:"auth_url"`
	EnableGoogleAuth bool   `yaml:"enable_google_auth"`
	GoogleAuthSecret string `yaml:"google_auth_secret"`

	// LeveldbFile stores the session records, eg: data/sessions.db
	LeveldbFile string `yaml:"leveldb_file"`
}

const defaultConfig = `# upload server configuration
addr: ":8080"
read_timeout: 60
read_header_timeout: 10
write_timeout: 60
idle_timeout: 60
upload_dir: "files"
temp_dir: "files/_tmp"
data_dir: "data"
log_dir: "log"
max_file_size: 1073741824
max_concurrent_uploads: 8
# seconds of inactivity before a partial upload is discarded
upload_timeout: 1800
buffer_size: 65536
# bytes per second, 0 is unlimited
max_upload_rate: 0
enable_resumable_uploads: true
enable_range_requests: true
enable_integrity_check: true
# md5 or sha1
file_sum_arithmetic: "md5"
big_upload_path_suffix: "/big/upload/"
disable_tus_termination: false
enable_cross_origin: true
enable_fsnotify: false
download_domain: ""
enable_image_resize: true
image_max_width: 4096
image_max_height: 4096
auth_url: ""
enable_google_auth: false
google_auth_secret: ""
leveldb_file: "data/sessions.db"
`

// NewParams loads the yaml file, writing the default configuration
// first when none exists so a fresh deployment starts with a template
// to edit.
func NewParams(fileName string) (*Params, error) {
	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(fileName), 0775); err != nil {
			return nil, err
		}
		if err := os.WriteFile(fileName, []byte(defaultConfig), 0664); err != nil {
			return nil, err
		}
	}
	p := &Params{}
	if err := p.SetValuesFromFile(fileName); err != nil {
		return nil, err
	}
	p.applyDefaults()
	return p, nil
}

// SetValuesFromFile uses a yaml config file to initiate the configuration entity.
func (p *Params) SetValuesFromFile(fileName string) error {
	yamlConfig, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("read config %s: %w", fileName, err)
	}
	return yaml.Unmarshal(yamlConfig, p)
}

func (p *Params) applyDefaults() {
	if p.Addr == "" {
		p.Addr = ":8080"
	}
	if p.UploadDir == "" {
		p.UploadDir = "files"
	}
	if p.TempDir == "" {
		p.TempDir = filepath.Join(p.UploadDir, "_tmp")
	}
	if p.DataDir == "" {
		p.DataDir = "data"
	}
	if p.LogDir == "" {
		p.LogDir = "log"
	}
	if p.BufferSize <= 0 {
		p.BufferSize = 64 * 1024
	}
	if p.FileSumArithmetic == "" {
		p.FileSumArithmetic = "md5"
	}
	if p.BigUploadPathSuffix == "" {
		p.BigUploadPathSuffix = "/big/upload/"
	}
	if p.LeveldbFile == "" {
		p.LeveldbFile = filepath.Join(p.DataDir, "sessions.db")
	}
}
