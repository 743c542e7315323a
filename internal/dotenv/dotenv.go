package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadFile loads KEY=VALUE pairs from a dotenv-style file into the process
// environment. Existing environment variables are preserved. A missing file is
// not an error.
func LoadFile(path string) error {
	return load(path, godotenv.Load)
}

// OverloadFile is LoadFile but values from the file replace existing
// environment variables.
func OverloadFile(path string) error {
	return load(path, godotenv.Overload)
}

func load(path string, fn func(...string) error) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := fn(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}
