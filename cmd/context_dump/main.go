// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// context_dump inspects the conversation contexts persisted by the orderbot
// Badger backend.
//
// It opens the store read-only and prints one block per conversation: the
// masked id, generation, topic and phase, remaining TTL, recently discussed
// products and the order being assembled. The service must be stopped
// first; Badger holds a directory lock while it runs.
//
// Usage:
//
//	context_dump [--path ./data/orderbot] [--json]
//
// If --path is not given, reads ORDERBOT_STORAGE_PATH, falling back to
// ./data/orderbot.
//
// Exit codes:
//
//	0 - success (including an empty store)
//	1 - error opening or reading the database
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/telemetry"
)

const defaultPath = "./data/orderbot"

type entry struct {
	masked    string
	expiresAt time.Time
	hasExpiry bool
	rawSize   int
	ctx       convctx.ConversationContext
	decodeErr error
}

func main() {
	pathFlag := flag.String("path", "", "Path to the orderbot BadgerDB directory (overrides ORDERBOT_STORAGE_PATH)")
	jsonFlag := flag.Bool("json", false, "Print contexts as JSON lines with masked ids")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("ORDERBOT_STORAGE_PATH")
	}
	if dbPath == "" {
		dbPath = defaultPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Printf("Store directory %s does not exist. Run the service with storage.backend=badger first.\n", dbPath)
		os.Exit(0)
	}

	db, err := dgbadger.Open(dgbadger.DefaultOptions(dbPath).WithLogger(nil).WithReadOnly(true))
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	entries, err := readEntries(db)
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if e.decodeErr != nil {
				continue
			}
			e.ctx.ConversationID = e.masked
			if err := enc.Encode(e.ctx); err != nil {
				fatalf("encode: %v", err)
			}
		}
		return
	}

	fmt.Printf("Context store path: %s\n", dbPath)
	if len(entries) == 0 {
		fmt.Println("\nNo conversation contexts found.")
		return
	}

	fmt.Printf("\nFound %d conversation context%s:\n", len(entries), plural(len(entries)))
	fmt.Println(strings.Repeat("─", 80))
	for i, e := range entries {
		printEntry(i+1, e)
	}
	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
}

func readEntries(db *dgbadger.DB) ([]entry, error) {
	var entries []entry
	err := db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(convctx.KeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			e := entry{masked: telemetry.MaskID(strings.TrimPrefix(string(item.Key()), convctx.KeyPrefix))}

			// ExpiresAt is Unix seconds, 0 = no expiry.
			if exp := item.ExpiresAt(); exp > 0 {
				e.hasExpiry = true
				e.expiresAt = time.Unix(int64(exp), 0)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.decodeErr = fmt.Errorf("copy value: %w", err)
				entries = append(entries, e)
				continue
			}
			e.rawSize = len(raw)
			if err := json.Unmarshal(raw, &e.ctx); err != nil {
				e.decodeErr = fmt.Errorf("json decode: %w", err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func printEntry(n int, e entry) {
	fmt.Printf("\n[%d] Conversation: %s\n", n, e.masked)
	if e.hasExpiry {
		remaining := time.Until(e.expiresAt)
		if remaining < 0 {
			fmt.Printf("    TTL:          EXPIRED (%s ago)\n", (-remaining).Round(time.Second))
		} else {
			fmt.Printf("    TTL:          %s remaining\n", remaining.Round(time.Second))
		}
	} else {
		fmt.Printf("    TTL:          no expiry set\n")
	}
	fmt.Printf("    Raw size:     %d bytes\n", e.rawSize)
	if e.decodeErr != nil {
		fmt.Printf("    DECODE ERROR: %v\n", e.decodeErr)
		return
	}

	c := e.ctx
	fmt.Printf("    Generation:   %d (updated %s)\n", c.Generation, c.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("    Topic/Phase:  %s / %s\n", c.LastTopic, c.Phase)
	if len(c.MentionedSizes) > 0 {
		fmt.Printf("    Sizes:        %v oz\n", c.MentionedSizes)
	}
	if len(c.LastDiscussedProducts) > 0 {
		fmt.Printf("    Products:\n")
		for _, p := range c.LastDiscussedProducts {
			fmt.Printf("      - %-24s key=%s gen=%d\n", p.Name, p.Key, p.Generation)
		}
	}
	if len(c.CurrentOrderItems) > 0 {
		fmt.Printf("    Order:\n")
		keys := make([]string, 0, len(c.CurrentOrderItems))
		for k := range c.CurrentOrderItems {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			line := c.CurrentOrderItems[k]
			fmt.Printf("      - %s: %d x %d oz\n", k, line.Quantity, line.SizeOz)
		}
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "context_dump: "+format+"\n", args...)
	os.Exit(1)
}
