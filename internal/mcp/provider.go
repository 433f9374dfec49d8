// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import "context"

// MCPManagerProvider is the subset of Manager that internal/worker depends
// on for Tool-kind step dispatch (tool_adapter.go), narrowed to an
// interface so worker tests can substitute an in-memory fake instead of
// spawning real server processes.
type MCPManagerProvider interface {
	Start(config ServerConfig) error
	Stop(name string) error
	GetClient(name string) (ClientProvider, error)
	ListServers() []string
	IsRunning(name string) bool
}

// ClientProvider is the subset of Client a ToolAdapter needs: discover and
// invoke tools on one already-running MCP server process.
type ClientProvider interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error)
	Close() error
	Ping(ctx context.Context) error
	ServerName() string
	Capabilities() *ServerCapabilities
}
