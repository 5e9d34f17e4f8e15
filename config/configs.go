package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is read from config.xml and handed to every constructor that needs it.
type Config struct {
	XMLName    xml.Name `xml:"config"`
	MainRouter string   `xml:"MainRouter"`
	// SiteURL is prepended to VRT urls handed to the browser for previews.
	SiteURL   string `xml:"siteurl"`
	MediaHost string `xml:"mediahost"`

	DBDriver string `xml:"dbdriver"` // postgres | sqlite | mysql
	Dbname   string `xml:"dbname"`
	Host     string `xml:"host"`
	Port     string `xml:"port"`
	Username string `xml:"user"`
	Password string `xml:"password"`
	SQLite   string `xml:"sqlite"`

	// MediaBucket is a gocloud blob url, e.g. file:///srv/media or s3://bucket.
	MediaBucket string `xml:"mediabucket"`
	MediaRoot   string `xml:"mediaroot"`
	TempDir     string `xml:"tempdir"`
	VRTRoot     string `xml:"vrtroot"`
	VRTURL      string `xml:"vrturl"`
	CacheDir    string `xml:"cachedir"`

	SRSRegistryURL string `xml:"srsregistry"`

	SessionLengthSeconds     int `xml:"sessionlength"`
	LockSweepIntervalSeconds int `xml:"locksweepinterval"`
	MosaicWorkers            int `xml:"mosaicworkers"`
	QueueWorkers             int `xml:"queueworkers"`

	// SwapCoordinateOrder works around axis order differences between GDAL builds.
	// Development only.
	SwapCoordinateOrder bool `xml:"swapcoordinateorder"`
}

// LoadConfig decodes an XML config file and fills in defaults.
func LoadConfig(path string) (*Config, error) {
	xmlFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer xmlFile.Close()

	cfg := &Config{}
	if err := xml.NewDecoder(xmlFile).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns a config rooted at dir, used by tests and local runs.
func Default(dir string) *Config {
	cfg := &Config{
		DBDriver:  "sqlite",
		SQLite:    filepath.Join(dir, "maprectify.db"),
		MediaRoot: filepath.Join(dir, "media"),
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.MainRouter == "" {
		c.MainRouter = ":8080"
	}
	if c.DBDriver == "" {
		c.DBDriver = "postgres"
	}
	if c.MediaRoot == "" {
		c.MediaRoot = "./media"
	}
	if c.MediaBucket == "" {
		abs, err := filepath.Abs(c.MediaRoot)
		if err != nil {
			abs = c.MediaRoot
		}
		c.MediaBucket = "file://" + filepath.ToSlash(abs)
	}
	if c.MediaHost == "" {
		c.MediaHost = "http://localhost:8080/media"
	}
	if c.SiteURL == "" {
		c.SiteURL = "http://localhost:8080"
	}
	if c.TempDir == "" {
		c.TempDir = filepath.Join(c.MediaRoot, "temp")
	}
	if c.VRTRoot == "" {
		c.VRTRoot = filepath.Join(c.MediaRoot, "vrt")
	}
	if c.VRTURL == "" {
		c.VRTURL = "/media/vrt/"
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.MediaRoot, "cache")
	}
	if c.SRSRegistryURL == "" {
		c.SRSRegistryURL = "https://epsg.io"
	}
	if c.SessionLengthSeconds <= 0 {
		c.SessionLengthSeconds = 600
	}
	if c.LockSweepIntervalSeconds <= 0 {
		c.LockSweepIntervalSeconds = 60
	}
	if c.MosaicWorkers <= 0 {
		c.MosaicWorkers = 4
	}
	if c.QueueWorkers <= 0 {
		c.QueueWorkers = 2
	}
}

// SessionLength is how long a lock lives before it has to be extended.
func (c *Config) SessionLength() time.Duration {
	return time.Duration(c.SessionLengthSeconds) * time.Second
}

func (c *Config) LockSweepInterval() time.Duration {
	return time.Duration(c.LockSweepIntervalSeconds) * time.Second
}

// DSN builds the connection string for the configured driver.
func (c *Config) DSN() string {
	switch c.DBDriver {
	case "sqlite":
		return c.SQLite
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC", c.Username, c.Password, c.Host, c.Port, c.Dbname)
	default:
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC", c.Host, c.Username, c.Password, c.Dbname, c.Port)
	}
}

// VRTBaseURL is the absolute url under which VRT files in VRTRoot are served.
func (c *Config) VRTBaseURL() string {
	return strings.TrimRight(c.SiteURL, "/") + c.VRTURL
}

// EnsureDirs creates the working directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.MediaRoot, c.TempDir, c.VRTRoot, c.CacheDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
