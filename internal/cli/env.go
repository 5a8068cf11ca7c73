// Package cli holds flag helpers shared by storyline subcommands.
package cli

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileVar names an env file that takes precedence over the --env flag.
const EnvFileVar = "STORYLINE_ENV_FILE"

// EnvLoader loads the first readable .env candidate into the process
// environment, overriding variables that are already set.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers an --env flag and returns an EnvLoader.
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}

	return &EnvLoader{
		value:       fs.String("env", defaultPath, description),
		defaultPath: defaultPath,
	}
}

// Load tries STORYLINE_ENV_FILE, the --env value, its basename in the working
// directory and the default path, in that order. It returns the loaded path.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	log.SetOutput(os.Stderr)

	candidates := l.candidates()
	for _, path := range candidates {
		if err := godotenv.Overload(path); err != nil {
			continue
		}
		log.Printf("Loaded environment from %s", path)
		return path, nil
	}
	return "", fmt.Errorf("failed to load env file from any of %s", strings.Join(candidates, ", "))
}

func (l *EnvLoader) candidates() []string {
	requested := l.defaultPath
	if l.value != nil {
		if trimmed := strings.TrimSpace(*l.value); trimmed != "" {
			requested = trimmed
		}
	}

	ordered := []string{
		strings.TrimSpace(os.Getenv(EnvFileVar)),
		requested,
		filepath.Base(requested),
		l.defaultPath,
	}

	seen := make(map[string]struct{}, len(ordered))
	out := make([]string, 0, len(ordered))
	for _, path := range ordered {
		if path == "" || path == "." {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}
