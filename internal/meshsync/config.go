package meshsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Config is the file-backed configuration surface of the sync core.
type Config struct {
	MeshURL              string   `json:"mesh_url"`
	OrchestratorURL      string   `json:"orchestrator_url,omitempty"`
	APIBaseURL           string   `json:"api_base_url"`
	ReconnectIntervalSec float64  `json:"reconnect_interval_sec,omitempty"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty"`
	AutoConnect          *bool    `json:"auto_connect,omitempty"`
	MeshTopics           []string `json:"mesh_topics,omitempty"`
	OrchestratorTopics   []string `json:"orchestrator_topics,omitempty"`
	ChatLogLimit         int      `json:"chat_log_limit,omitempty"`
	EventLogLimit        int      `json:"event_log_limit,omitempty"`
	StateDSN             string   `json:"state_dsn,omitempty"`
}

// AutoConnectEnabled reports whether connections should start automatically.
// An absent field means yes; only an explicit false disables it.
func (c Config) AutoConnectEnabled() bool {
	if c.AutoConnect == nil {
		return true
	}
	return *c.AutoConnect
}

// ReconnectInterval converts the configured seconds to a duration, falling
// back to the package default.
func (c Config) ReconnectInterval() time.Duration {
	if c.ReconnectIntervalSec <= 0 {
		return defaultBaseInterval
	}
	return time.Duration(c.ReconnectIntervalSec * float64(time.Second))
}

const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["mesh_url", "api_base_url"],
	"properties": {
		"mesh_url": {"type": "string", "minLength": 1},
		"orchestrator_url": {"type": "string"},
		"api_base_url": {"type": "string", "minLength": 1},
		"reconnect_interval_sec": {"type": "number", "exclusiveMinimum": 0},
		"max_reconnect_attempts": {"type": "integer", "minimum": 1},
		"auto_connect": {"type": "boolean"},
		"mesh_topics": {"type": "array", "items": {"type": "string"}},
		"orchestrator_topics": {"type": "array", "items": {"type": "string"}},
		"chat_log_limit": {"type": "integer", "minimum": 1},
		"event_log_limit": {"type": "integer", "minimum": 1},
		"state_dsn": {"type": "string"}
	},
	"additionalProperties": false
}`

var compiledConfigSchema = mustCompileConfigSchema()

func mustCompileConfigSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchema)))
	if err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", doc); err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	return schema
}

// LoadConfig reads and validates a JSON config file. Schema violations are
// reported as *DecodeError before any field is decoded.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig validates raw JSON against the embedded schema and decodes it.
func ParseConfig(data []byte) (Config, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Config{}, &DecodeError{What: "config", Err: err}
	}
	if err := compiledConfigSchema.Validate(doc); err != nil {
		return Config{}, &DecodeError{What: "config", Err: err}
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, &DecodeError{What: "config", Err: err}
	}
	return cfg, nil
}

// WatchConfig watches the config file and invokes onChange with each valid
// reload. Invalid intermediate saves are logged and skipped. The returned
// stop function releases the watcher.
func WatchConfig(path string, logger Logger, onChange func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops a watch on the
	// file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name, err := filepath.Abs(event.Name)
				if err != nil || name != absPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					if logger != nil {
						logger.Printf("config reload skipped: %v", err)
					}
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("config watcher: %v", err)
				}
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}
