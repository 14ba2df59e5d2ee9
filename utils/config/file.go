package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

const sysEnvKeyAppConfig = "app_config"

var defaultFileName = "config.toml"

func LoadDefaultConfigFile() ([]byte, error) {
	return LoadLocalConfig(defaultFileName)
}

// LoadLocalConfig looks for configFileName in the directory named by the
// app_config env var, then next to the executable, then in the working
// directory.
func LoadLocalConfig(configFileName string) ([]byte, error) {
	log.Println("loading config file")
	defaultFileName = configFileName

	configFilePath = configPath()
	if !isFileExist(configFilePath) {
		log.Println("config file not found:", configFilePath)
		return nil, fmt.Errorf("config file not found: %s", configFilePath)
	}

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configFilePath, err)
	}
	log.Printf("config file content: \n%s\n", string(b))
	return b, nil
}

// Load reads and parses the file at path.
func Load(path string) (WFdTunnelConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return WFdTunnelConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	configFilePath = path
	return Parse(b)
}

func configPath() string {
	path := os.Getenv(sysEnvKeyAppConfig)
	if strings.EqualFold(path, "") || !isFileExist(getConfigFilePath(path)) {
		log.Printf("system env key not found, key: %v", sysEnvKeyAppConfig)

		path = execPath()
		if strings.EqualFold(path, "") || !isFileExist(getConfigFilePath(path)) {
			path = currentPath()
		}
	}
	path = filepath.Join(path, defaultFileName)
	log.Println("config file path:", path)
	return path
}

func getConfigFilePath(configPath string) string {
	return filepath.Join(configPath, defaultFileName)
}

func isFileExist(filePath string) bool {
	_, err := os.Stat(filePath)
	fileExist := err == nil || os.IsExist(err)

	log.Printf("file: %s, exist:%v", filePath, fileExist)
	return fileExist
}

func execPath() string {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return ""
	}
	return strings.Replace(dir, "\\", "/", -1)
}

func currentPath() string {
	path, _ := os.Getwd()
	return path
}
