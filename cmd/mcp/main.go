// Homesettle MCP server: exposes escrow and payment operations as MCP tools
// so an assistant can act for one buyer, seller or notary.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/homesettle/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("HOMESETTLE_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("HOMESETTLE_API_KEY"),
		UserID: os.Getenv("HOMESETTLE_USER_ID"),
	}

	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "HOMESETTLE_USER_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
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
