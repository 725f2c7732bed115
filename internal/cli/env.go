package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read before flags are parsed when no other file is named.
const DefaultEnvFile = "/etc/rockstor/replicad.env"

// EnvFileVar names the variable that selects the env file.
const EnvFileVar = "REPLICAD_ENV_FILE"

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// LoadEnvFile loads path into the environment without overriding variables
// already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("cli: load env file %s: %w", path, err)
	}
	return nil
}

// EnvFilePath picks the env file for args: the --env-file flag when present,
// then REPLICAD_ENV_FILE, then DefaultEnvFile. Flags have not been parsed yet
// when this runs, because their defaults come from the environment.
func EnvFilePath(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--env-file="); ok {
			return v
		}
		if a == "--env-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return envOrDefault(EnvFileVar, DefaultEnvFile)
}

// Preload loads the env file selected by args.
func Preload(args []string) error {
	return LoadEnvFile(EnvFilePath(args))
}
