// Command gen-token prints session tokens accepted by the server in
// AUTH0_TEST_MODE.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"kanban-sync/api"
)

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "load-user", "prefix for generated user IDs when count > 1")
		start  = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}
	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		log.Fatal("TEST_JWT_SECRET must be set")
	}

	tokens, err := generateTokens([]byte(secret), userIDs(*count, *prefix, *start, args), *ttl)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func userIDs(count int, prefix string, start int, args []string) []string {
	if len(args) > 0 {
		return []string{args[0]}
	}
	if count == 1 {
		return []string{prefix}
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
	}
	return ids
}

func generateTokens(secret []byte, ids []string, ttl time.Duration) ([]string, error) {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		tok, err := api.SignTestToken(secret, id, ttl)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
