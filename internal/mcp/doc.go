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

/*
Package mcp is the worker's Model Context Protocol client (spec §4.6.3): a
Tool-kind step is executed by calling an MCP tool on one of the worker's
configured servers, never in-process.

# Overview

  - Manager: spawns/monitors/restarts the worker's configured MCP server
    processes and hands out a Client per server name
  - Client: stdio JSON-RPC communication with one MCP server process
  - ToolAdapter (tool_adapter.go): adapts an MCP tool definition onto
    pkg/tools.Tool, so internal/worker can dispatch to it the same way it
    would dispatch to any other tools.Tool

# Server lifecycle

	mgr := mcp.NewManager(mcp.ManagerConfig{Logger: logger})

	err := mgr.Start(mcp.ServerConfig{
	    Name:    "filesystem",
	    Command: "npx",
	    Args:    []string{"-y", "@modelcontextprotocol/server-filesystem"},
	    Env:     []string{"HOME=/home/user"},
	})

The manager handles process spawning, health checking via ping, automatic
restart with exponential backoff, and graceful shutdown.

# Tool discovery and invocation

	client, err := mgr.GetClient("filesystem")
	tools, err := client.ListTools(ctx)
	result, err := client.CallTool(ctx, mcp.ToolCallRequest{
	    Name:      "read_file",
	    Arguments: map[string]any{"path": "/etc/hosts"},
	})

# Configuration

The worker's MCP servers are loaded from a global config file:

	servers:
	  - name: filesystem
	    command: npx
	    args: ["-y", "@modelcontextprotocol/server-filesystem"]
	    auto_start: true

resolved via LoadMCPConfig/MCPConfigPath (config.go).
*/
package mcp
