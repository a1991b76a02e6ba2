package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Conf holds the key-value pairs of a node or job .conf file.
type Conf map[string]string

// ParseConfFile reads a KEY=VALUE file. Blank lines and lines starting
// with '#' are skipped. A missing file yields an empty Conf.
func ParseConfFile(path string) (Conf, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Conf{}, nil
		}
		return nil, err
	}
	defer f.Close()

	conf := Conf{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		conf[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return conf, nil
}

// GetInt returns the integer value of key, or fallback when the key is
// absent or not a number.
func (c Conf) GetInt(key string, fallback int) int {
	v, ok := c[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// GetTags splits the comma-separated value of key into a tag set.
func (c Conf) GetTags(key string) map[string]struct{} {
	v, ok := c[key]
	if !ok || v == "" {
		return nil
	}
	tags := make(map[string]struct{})
	for _, tag := range strings.Split(v, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags[tag] = struct{}{}
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// ReadEnvFile parses a dotenv-style environment file. A missing file
// yields an empty map.
func ReadEnvFile(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return env, nil
}
