// Escrow ops MCP server - exposes read-only escrow lookups as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/procurepay/internal/mcpserver"
)

var version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:        envOrDefault("PROCUREPAY_API_URL", "http://localhost:8080"),
		InternalToken: os.Getenv("PROCUREPAY_INTERNAL_TOKEN"),
		ActorID:       envOrDefault("PROCUREPAY_ACTOR_ID", "ops-assistant"),
		ActorRole:     envOrDefault("PROCUREPAY_ACTOR_ROLE", "reviewer"),
	}

	s := mcpserver.NewMCPServer(cfg, version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
