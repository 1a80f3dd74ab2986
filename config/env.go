package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFileName is the env file searched for by LoadEnvFiles.
const EnvFileName = ".env"

// LoadEnvFiles loads every env file named name found in dir and its parents.
// Files closer to dir take precedence, and variables already present in the
// environment are never overwritten. It returns the files loaded.
func LoadEnvFiles(dir, name string) ([]string, error) {
	if name == "" {
		name = EnvFileName
	}
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = cwd
	}

	files, err := envFilePaths(dir, name)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	return files, nil
}

// envFilePaths searches for env files from dir up to the root
func envFilePaths(dir, name string) ([]string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files = append(files, path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return files, nil
}
