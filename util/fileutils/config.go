package fileutils

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const ConfigFile = "emuman.toml"

type Config struct {
	InstallDir   string `toml:"install_dir"`
	BackupDir    string `toml:"backup_dir"`
	FirmwareDir  string `toml:"firmware_dir"`
	UserDataDir  string `toml:"user_data_dir"`
	MasterRepo   string `toml:"master_repo"`
	NightlyRepo  string `toml:"nightly_repo"`
	FirmwareRepo string `toml:"firmware_repo"`
	FetchLimit   int    `toml:"fetch_limit"`
	KeepArchive  bool   `toml:"keep_archive"`
	Downloader   string `toml:"downloader"`
	Aria2Verbose bool   `toml:"aria2_verbose"`
	DisableIPv6  bool   `toml:"disable_ipv6"`

	BackupBeforeActivate bool `toml:"backup_before_activate"`
	MaxBackups           int  `toml:"max_backups"`

	LogLevel string `toml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		MasterRepo:           "eden-emulator/Releases",
		NightlyRepo:          "pflyly/eden-nightly",
		FirmwareRepo:         "THZoria/NX_Firmware",
		FetchLimit:           15,
		Downloader:           "auto",
		BackupBeforeActivate: true,
		LogLevel:             "info",
	}
}

// LoadConfig reads emuman.toml from root on top of the defaults and resolves the
// directory settings against root. A missing file yields the defaults.
func LoadConfig(root string) (Config, error) {
	cfg := DefaultConfig()
	_, err := toml.DecodeFile(filepath.Join(root, ConfigFile), &cfg)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}
	cfg.resolve(root)
	return cfg, nil
}

func SaveConfig(root string, cfg Config) error {
	f, err := os.CreateTemp(root, ".emuman-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), filepath.Join(root, ConfigFile))
}

func (c *Config) resolve(root string) {
	if c.InstallDir == "" {
		c.InstallDir = filepath.Join(root, "versions")
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(root, "backups", "saves")
	}
	if c.FirmwareDir == "" {
		c.FirmwareDir = filepath.Join(root, "downloads", "firmware")
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 15
	}
	for _, p := range []*string{&c.InstallDir, &c.BackupDir, &c.FirmwareDir} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
}
