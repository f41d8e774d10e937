// Package config loads workspace relay configuration from a JSON document,
// validates it against an embedded schema, and serves immutable snapshots to
// the engine. Reloads swap the whole snapshot atomically so readers never see
// a half-applied document.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/modrelay/modrelay/internal/modrelay"
)

const schemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workspaces"],
  "additionalProperties": false,
  "properties": {
    "workspaces": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["relayChannelId"],
        "additionalProperties": false,
        "properties": {
          "relayChannelId": {"type": "string", "minLength": 1},
          "displayMode": {"enum": ["plain", "card"]},
          "greeting": {"type": "string"},
          "farewell": {"type": "string"},
          "alertRoleId": {"type": "string"}
        }
      }
    }
  }
}`

type document struct {
	Workspaces map[string]modrelay.WorkspaceConfig `json:"workspaces"`
}

// Store is a file-backed modrelay.ConfigSource.
type Store struct {
	path     string
	schema   *jsonschema.Schema
	snapshot atomic.Value // map[string]modrelay.WorkspaceConfig
}

// NewStore compiles the schema, loads the document at path once, and returns
// a Store ready to serve.
func NewStore(path string) (*Store, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
	if err != nil {
		return nil, fmt.Errorf("parse embedded schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("workspaces.schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("register schema: %w", err)
	}
	schema, err := compiler.Compile("workspaces.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	s := &Store{path: path, schema: schema}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads and re-validates the document. On any error the previous
// snapshot stays in effect.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", s.path, err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse config %s: %w", s.path, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("validate config %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode config %s: %w", s.path, err)
	}

	workspaces := make(map[string]modrelay.WorkspaceConfig, len(doc.Workspaces))
	for workspaceID, cfg := range doc.Workspaces {
		cfg.WorkspaceID = workspaceID
		if cfg.DisplayMode == "" {
			cfg.DisplayMode = modrelay.DisplayModeCard
		}
		workspaces[workspaceID] = cfg
	}
	s.snapshot.Store(workspaces)
	return nil
}

// Workspace returns the configuration for one workspace, or
// modrelay.ErrNotFound when none is configured.
func (s *Store) Workspace(workspaceID string) (modrelay.WorkspaceConfig, error) {
	cfg, ok := s.current()[workspaceID]
	if !ok {
		return modrelay.WorkspaceConfig{}, modrelay.ErrNotFound
	}
	return cfg, nil
}

// ConfiguredWorkspaces lists all configured workspace IDs, sorted.
func (s *Store) ConfiguredWorkspaces() []string {
	current := s.current()
	ids := make([]string, 0, len(current))
	for workspaceID := range current {
		ids = append(ids, workspaceID)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) current() map[string]modrelay.WorkspaceConfig {
	snapshot, _ := s.snapshot.Load().(map[string]modrelay.WorkspaceConfig)
	return snapshot
}
