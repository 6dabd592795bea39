// Package config provides layered configuration loading, merging, and
// XDG-compliant path management for the runtime.
//
// # Configuration Loading
//
// Load assembles configuration from, in increasing priority:
//
//  1. Built-in defaults (Default)
//  2. Global config (~/.config/agentmesh/runtime.jsonc)
//  3. Project config (<directory>/.agentmesh/runtime.jsonc)
//  4. Environment variables (AGENTMESH_*)
//
// Config files are JSONC (JSON with // and /* */ comments), parsed with
// tidwall/jsonc before unmarshalling.
package config
