// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚚 fleetsync - Offline-First Trip Log Capture")
	fmt.Println("=============================================")
	fmt.Println()
	fmt.Println("fleetsync records vehicle trip logs on devices with unreliable connectivity.")
	fmt.Println("Trips go straight to the fleet server when it is reachable and are queued")
	fmt.Println("locally otherwise, then delivered oldest first without loss or duplication.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Fleet Server (examples/fleet_server/)")
	fmt.Println("   Idempotent trip API over Postgres with optional Redis ack cache")
	fmt.Println("   Env: DATABASE_URL, JWT_SECRET, REDIS_ADDR, ADDR")
	fmt.Println("   Run: go run ./examples/fleet_server")
	fmt.Println()

	fmt.Println("2. 📱 Driver App (examples/driver_app/)")
	fmt.Println("   Command-line driver client with a durable SQLite or Badger queue")
	fmt.Println("   Commands: capture, sync, status, rejected, discard, requeue, run, simulate")
	fmt.Println("   Run: go run ./examples/driver_app --help")
	fmt.Println()
}
