//go:build !darwin

package config

import "errors"

func platformSecret(service, account string) (string, error) {
	return "", errors.New("no platform keychain")
}
