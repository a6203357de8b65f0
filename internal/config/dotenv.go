package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PasswordEnv names the proxy password in the environment and in .env files.
const PasswordEnv = EnvPrefix + "_PASSWORD"

// LoadDotEnv parses KEY=VALUE lines. A missing file yields an empty map.
// Blank lines, comments and an "export " prefix are accepted; one pair of
// surrounding quotes is removed from values.
func LoadDotEnv(envPath string) (map[string]string, error) {
	env := make(map[string]string)

	file, err := os.Open(envPath)
	if errors.Is(err, os.ErrNotExist) {
		return env, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", envPath, lineNum)
		}
		env[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return env, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// DotEnvPassword looks up PasswordEnv in <dataDir>/.env and then ./.env.
// The second result is the file it came from.
func DotEnvPassword(dataDir string) (string, string, error) {
	var paths []string
	if dataDir != "" {
		paths = append(paths, filepath.Join(dataDir, ".env"))
	}
	paths = append(paths, ".env")

	for _, p := range paths {
		env, err := LoadDotEnv(p)
		if err != nil {
			return "", "", err
		}
		if v, ok := env[PasswordEnv]; ok && v != "" {
			return v, p, nil
		}
	}
	return "", "", nil
}
