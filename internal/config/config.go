package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/agentdeck-ai/agentdeck/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/agentdeck/)
// 2. Project config (agentdeck.json[c] and .agentdeck/agentdeck.json[c])
// 3. AGENTDECK_CONFIG file
// 4. AGENTDECK_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*types.Config, error) {
	// A project .env is loaded quietly before anything reads the
	// environment. Existing variables win.
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	config := &types.Config{
		Port:           8080,
		AgentCommand:   "claude",
		PermissionMode: types.PermissionDefault,
		LogLevel:       "info",
	}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "agentdeck.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "agentdeck.jsonc"), globalPath)

	// 2. Project config
	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".agentdeck")
		loadOnce(filepath.Join(directory, "agentdeck.json"), directory)
		loadOnce(filepath.Join(directory, "agentdeck.jsonc"), directory)
		loadOnce(filepath.Join(projectConfigDir, "agentdeck.json"), projectConfigDir)
		loadOnce(filepath.Join(projectConfigDir, "agentdeck.jsonc"), projectConfigDir)
	}

	// 3. AGENTDECK_CONFIG file override
	if configPath := os.Getenv("AGENTDECK_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 4. AGENTDECK_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("AGENTDECK_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		if err := json.Unmarshal([]byte(configContent), &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	// 5. Environment variables (highest priority)
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	// Apply interpolation
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	// Handle {env:VAR_NAME} placeholders
	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	// Handle {file:path} placeholders
	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")

		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.PermissionMode != "" {
		target.PermissionMode = source.PermissionMode
	}
	if source.AgentCommand != "" {
		target.AgentCommand = source.AgentCommand
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	if raw := os.Getenv("AGENTDECK_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			config.Port = port
		}
	}
	if dir := os.Getenv("AGENTDECK_DATA_DIR"); dir != "" {
		config.DataDir = dir
	}
	if model := os.Getenv("AGENTDECK_MODEL"); model != "" {
		config.Model = model
	}
	if mode := os.Getenv("AGENTDECK_PERMISSION_MODE"); mode != "" {
		config.PermissionMode = mode
	}
	if command := os.Getenv("AGENTDECK_AGENT_COMMAND"); command != "" {
		config.AgentCommand = command
	}
	if level := os.Getenv("AGENTDECK_LOG"); level != "" {
		config.LogLevel = level
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
