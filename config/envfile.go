package config

import (
	"bufio"
	"os"
	"strings"

	"github.com/clusterforge/converge/shared"
)

// LoadEnvFile reads KEY=VALUE lines from the file at fullPath and
// exports them into the process environment. Blank lines, comments and
// surrounding quotes are handled. Used by the acceptance suite to pick
// up credentials without a config file.
func LoadEnvFile(fullPath string) error {
	file, err := os.Open(fullPath)
	if err != nil {
		return shared.ReturnLogError("failed to open env file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.Trim(strings.TrimSpace(parts[0]), "\"")
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"")
		if err := os.Setenv(key, value); err != nil {
			return shared.ReturnLogError("failed to set environment variable %s: %v", key, err)
		}
	}

	return scanner.Err()
}
