// Package config loads the device configuration of the update module.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/project-copacetic/appmod/pkg/types"
	"github.com/project-copacetic/appmod/pkg/utils"
)

const (
	keyDataDir        = "data-dir"
	keyDeviceType     = "device-type"
	keyPlatform       = "platform"
	keyComposeCommand = "compose-command"
	keyDockerHost     = "docker-host"
	keyLoader         = "loader"
	keyVerifyTimeout  = "verify-timeout"
	keyLockTimeout    = "lock-timeout"

	// deviceTypeFile is read when no device type is configured.
	deviceTypeFile = "device_type"
)

var defaults = map[string]any{
	keyDataDir:        utils.DefaultDataDir,
	keyComposeCommand: "docker compose",
	keyVerifyTimeout:  2 * time.Minute,
	keyLockTimeout:    10 * time.Second,
}

// Load reads the device configuration from path, then applies APPMOD_*
// environment overrides. A missing file at the default location is not an error.
func Load(path string) (*types.DeviceOptions, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("appmod")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = utils.DefaultConfigFile
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		if explicit || !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		log.Debugf("No config file at %s, using defaults", path)
	}

	opts := &types.DeviceOptions{
		DataDir:        v.GetString(keyDataDir),
		DeviceType:     v.GetString(keyDeviceType),
		Platform:       v.GetString(keyPlatform),
		ComposeCommand: v.GetString(keyComposeCommand),
		DockerHost:     v.GetString(keyDockerHost),
		Loader:         v.GetString(keyLoader),
		VerifyTimeout:  v.GetDuration(keyVerifyTimeout),
		LockTimeout:    v.GetDuration(keyLockTimeout),
	}
	if opts.DataDir == "" {
		return nil, errors.New("data-dir must not be empty")
	}
	if opts.DeviceType == "" {
		dt, err := readDeviceType(opts.DataDir)
		if err != nil {
			return nil, err
		}
		opts.DeviceType = dt
	}
	if len(strings.Fields(opts.ComposeCommand)) == 0 {
		return nil, errors.New("compose-command must not be empty")
	}
	if opts.VerifyTimeout <= 0 {
		return nil, fmt.Errorf("verify-timeout must be positive, got %s", opts.VerifyTimeout)
	}
	return opts, nil
}

func readDeviceType(dataDir string) (string, error) {
	p := filepath.Join(dataDir, deviceTypeFile)
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("device type not configured: set device-type or write %s", p)
	}
	if err != nil {
		return "", err
	}
	// Accept both a bare value and the device_type=value form.
	dt := strings.TrimSpace(string(data))
	if _, after, ok := strings.Cut(dt, "="); ok {
		dt = strings.TrimSpace(after)
	}
	if dt == "" {
		return "", fmt.Errorf("%s is empty", p)
	}
	return dt, nil
}
