// Package main provides a CLI tool for minting bearer tokens accepted by the
// studio rate limiter. Authenticated callers get a per-user bucket instead of
// sharing the bucket of their client IP.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"studio/internal/platform/config"
	"studio/internal/ratelimit/keys"
)

const defaultTokenTTL = time.Hour

type tokenOutput struct {
	Token     string            `json:"token"`
	Subject   string            `json:"subject"`
	ExpiresAt string            `json:"expires_at"`
	Usage     map[string]string `json:"usage"`
}

func main() {
	subject := flag.String("sub", "", "Token subject. Generated if empty.")
	ttl := flag.Duration("ttl", defaultTokenTTL, "Token time-to-live")
	key := flag.String("key", "", "Signing key. Defaults to JWT_SIGNING_KEY or the dev key.")
	jsonOutput := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	if *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "ttl must be positive")
		os.Exit(1)
	}
	if *subject == "" {
		*subject = uuid.NewString()
	}
	if *key == "" {
		*key = config.FromEnv().JWTSigningKey
	}

	now := time.Now()
	token, err := keys.NewVerifier(*key).Sign(*subject, now, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}

	out := tokenOutput{
		Token:     token,
		Subject:   *subject,
		ExpiresAt: now.Add(*ttl).UTC().Format(time.RFC3339),
		Usage: map[string]string{
			"curl": fmt.Sprintf("curl -H \"Authorization: Bearer %s\" http://localhost:8080/api/jobs", token),
		},
	}

	if *jsonOutput {
		printJSON(out)
		return
	}

	fmt.Println("Bearer Token (HS256)")
	fmt.Println("====================")
	fmt.Printf("Subject:    %s\n", out.Subject)
	fmt.Printf("Expires at: %s\n", out.ExpiresAt)
	fmt.Printf("Bucket key: user:%s\n", out.Subject)
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  " + out.Usage["curl"])
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
}
