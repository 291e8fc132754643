package mirror

import (
	"errors"
	"fmt"

	"github.com/arcsync/arcsync/internal/utils"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

type S3Config struct {
	BucketName    string `mapstructure:"bucket_name"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Endpoint      string `mapstructure:"endpoint"`
	UseAccelerate bool   `mapstructure:"use_accelerate"`
	// Prefix is prepended to every object key.
	Prefix  string `mapstructure:"prefix"`
	Workers int    `mapstructure:"workers"`
}

func (c *S3Config) Enabled() bool {
	return c != nil && c.BucketName != ""
}

// Validate reports every problem at once.
func (c *S3Config) Validate() error {
	var errs []error
	for _, f := range [][2]string{
		{"bucket_name", c.BucketName},
		{"region", c.Region},
		{"access_key", c.AccessKey},
		{"secret_key", c.SecretKey},
	} {
		if f[1] == "" {
			errs = append(errs, fmt.Errorf("mirror %s required", f[0]))
		}
	}
	if c.Endpoint != "" && !utils.IsValidURL(c.Endpoint) {
		errs = append(errs, fmt.Errorf("mirror endpoint %q is not a URL", c.Endpoint))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("mirror workers must not be negative"))
	}
	return errors.Join(errs...)
}
