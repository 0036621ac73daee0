package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lexfabric/commsledger/internal/bus"
	"github.com/lexfabric/commsledger/internal/config"
	"github.com/lexfabric/commsledger/internal/db"
	"github.com/lexfabric/commsledger/internal/identity"
	"github.com/lexfabric/commsledger/internal/ingest"
	"github.com/lexfabric/commsledger/internal/live"
	"github.com/lexfabric/commsledger/internal/query"
	"github.com/lexfabric/commsledger/internal/record"
	"github.com/lexfabric/commsledger/internal/recorder"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	// A local .env can override config/data dirs for portable installs.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "commsledger",
		Short: "Cross-source communication ledger",
		Long: `Commsledger merges time-stamped communication records (email, chat,
voice transcripts, e-signature notifications) from disjoint platforms into a
single deduplicated, threaded ledger with canonical party identities, built
for legal timeline construction.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(partyCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to marshal JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}

func fail(message string) {
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": message})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
	os.Exit(1)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("commsledger %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize commsledger config and database",
		Run: func(cmd *cobra.Command, args []string) {
			configDir, err := config.GetConfigDir()
			if err != nil {
				fail(fmt.Sprintf("Failed to get config directory: %v", err))
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail(fmt.Sprintf("Failed to get data directory: %v", err))
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail(fmt.Sprintf("Failed to create config directory: %v", err))
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail(fmt.Sprintf("Failed to create data directory: %v", err))
			}
			if err := db.Init(); err != nil {
				fail(fmt.Sprintf("Failed to initialize database: %v", err))
			}
			dbPath, err := db.GetPath()
			if err != nil {
				fail(fmt.Sprintf("Failed to get database path: %v", err))
			}

			if jsonOutput {
				printJSON(map[string]any{
					"ok":         true,
					"config_dir": configDir,
					"data_dir":   dataDir,
					"db_path":    dbPath,
				})
			} else {
				fmt.Printf("✓ Config directory: %s\n", configDir)
				fmt.Printf("✓ Data directory: %s\n", dataDir)
				fmt.Printf("✓ Database: %s\n", dbPath)
				fmt.Println("\nCommsledger initialized successfully!")
			}
		},
	}
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a single message",
		Run: func(cmd *cobra.Command, args []string) {
			source, _ := cmd.Flags().GetString("source")
			direction, _ := cmd.Flags().GetString("direction")
			senderKind, _ := cmd.Flags().GetString("sender-kind")
			sender, _ := cmd.Flags().GetString("sender")
			recipientKind, _ := cmd.Flags().GetString("recipient-kind")
			recipient, _ := cmd.Flags().GetString("recipient")
			subject, _ := cmd.Flags().GetString("subject")
			body, _ := cmd.Flags().GetString("body")
			sentAtRaw, _ := cmd.Flags().GetString("sent-at")
			externalID, _ := cmd.Flags().GetString("external-id")
			externalThreadID, _ := cmd.Flags().GetString("external-thread-id")
			caseID, _ := cmd.Flags().GetString("case")

			sentAt := time.Now()
			if sentAtRaw != "" {
				t, err := time.Parse(time.RFC3339, sentAtRaw)
				if err != nil {
					fail(fmt.Sprintf("Invalid --sent-at (want RFC3339): %v", err))
				}
				sentAt = t
			}

			database, err := db.Open()
			if err != nil {
				fail(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer database.Close()

			rec, err := recorder.Record(context.Background(), database, record.Input{
				Source:           record.Source(source),
				ExternalID:       externalID,
				ExternalThreadID: externalThreadID,
				Direction:        record.Direction(direction),
				SenderKind:       record.IdentifierKind(senderKind),
				SenderIdentifier: sender,
				RecipientKind:    record.IdentifierKind(recipientKind),
				RecipientID:      recipient,
				Subject:          subject,
				Body:             body,
				SentAt:           sentAt,
				CaseID:           caseID,
			})
			if err != nil {
				fail(err.Error())
			}
			if rec == nil {
				if jsonOutput {
					printJSON(map[string]any{"ok": true, "duplicate": true})
				} else {
					fmt.Println("Rejected as probable duplicate; nothing recorded.")
				}
				return
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "recorded": rec})
			} else {
				fmt.Printf("Recorded message %s in conversation %s\n", rec.MessageID, rec.ConversationID)
			}
		},
	}
	cmd.Flags().String("source", "", "Source platform (email|chat|voice|esign)")
	cmd.Flags().String("direction", "inbound", "Direction (inbound|outbound|system)")
	cmd.Flags().String("sender-kind", "email", "Sender identifier kind")
	cmd.Flags().String("sender", "", "Sender identifier")
	cmd.Flags().String("recipient-kind", "email", "Recipient identifier kind")
	cmd.Flags().String("recipient", "", "Recipient identifier")
	cmd.Flags().String("subject", "", "Message subject")
	cmd.Flags().String("body", "", "Message body text")
	cmd.Flags().String("sent-at", "", "Sent time (RFC3339, default now)")
	cmd.Flags().String("external-id", "", "Source-supplied message id")
	cmd.Flags().String("external-thread-id", "", "Source-supplied thread id")
	cmd.Flags().String("case", "", "Case id scoping")
	return cmd
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.ndjson>",
		Short: "Batch-ingest an NDJSON file of message records",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			database, err := db.Open()
			if err != nil {
				fail(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer database.Close()

			reports, err := ingest.IngestFile(context.Background(), database, args[0])
			if err != nil {
				fail(fmt.Sprintf("Ingest failed: %v", err))
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "reports": reports})
				return
			}
			for _, r := range reports {
				fmt.Printf("%s: %d recorded, %d duplicates, %d errors\n",
					r.Source, r.Processed, r.Duplicates, r.Errors)
				for _, id := range r.FailedExternalIDs {
					fmt.Printf("  failed: %s\n", id)
				}
			}
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the spool directory and ingest dropped batch files",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fail(fmt.Sprintf("Failed to load config: %v", err))
			}
			spoolDir, err := cfg.SpoolDir()
			if err != nil {
				fail(fmt.Sprintf("Failed to resolve spool directory: %v", err))
			}
			database, err := db.Open()
			if err != nil {
				fail(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer database.Close()

			debounce := time.Duration(cfg.Spool.DebounceSeconds) * time.Second
			err = live.Watch(context.Background(), database, live.Options{
				SpoolDir: spoolDir,
				Debounce: debounce,
				Logf: func(format string, a ...any) {
					fmt.Printf(format+"\n", a...)
				},
			})
			if err != nil {
				fail(fmt.Sprintf("Watch failed: %v", err))
			}
		},
	}
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over recorded messages",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			source, _ := cmd.Flags().GetString("source")
			limit, _ := cmd.Flags().GetInt("limit")
			startRaw, _ := cmd.Flags().GetString("start")
			endRaw, _ := cmd.Flags().GetString("end")

			req := query.SearchRequest{
				Query:  args[0],
				Source: record.Source(source),
				Limit:  limit,
			}
			if startRaw != "" {
				t, err := time.Parse("2006-01-02", startRaw)
				if err != nil {
					fail(fmt.Sprintf("Invalid --start (want YYYY-MM-DD): %v", err))
				}
				req.Start = &t
			}
			if endRaw != "" {
				t, err := time.Parse("2006-01-02", endRaw)
				if err != nil {
					fail(fmt.Sprintf("Invalid --end (want YYYY-MM-DD): %v", err))
				}
				end := t.AddDate(0, 0, 1).Add(-time.Second)
				req.End = &end
			}

			database, err := db.Open()
			if err != nil {
				fail(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer database.Close()

			results, err := query.SearchMessages(context.Background(), database, req)
			if err != nil {
				fail(fmt.Sprintf("Search failed: %v", err))
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "results": results})
				return
			}
			for _, r := range results {
				fmt.Printf("%s  [%s]  %s\n    %s\n",
					r.SentAt.Format("2006-01-02 15:04"), r.Source, r.Subject, r.Snippet)
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
			}
		},
	}
	cmd.Flags().String("source", "", "Filter by source")
	cmd.Flags().Int("limit", 0, "Max results")
	cmd.Flags().String("start", "", "Start date (YYYY-MM-DD, inclusive)")
	cmd.Flags().String("end", "", "End date (YYYY-MM-DD, inclusive)")
	return cmd
}

func partyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "party <identifier>",
		Short: "Show a party's messages and activity",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			activityOnly, _ := cmd.Flags().GetBool("activity")

			database, err := db.Open()
			if err != nil {
				fail(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer database.Close()

			ctx := context.Background()
			if activityOnly {
				act, err := query.PartyActivity(ctx, database, args[0])
				if err != nil {
					fail(fmt.Sprintf("Activity query failed: %v", err))
				}
				if act == nil {
					fail(fmt.Sprintf("No party found for %q", args[0]))
				}
				if jsonOutput {
					printJSON(map[string]any{"ok": true, "activity": act})
				} else {
					fmt.Printf("%s: %d messages\n", act.DisplayName, act.TotalMessages)
					for src, n := range act.BySource {
						fmt.Printf("  %s: %d\n", src, n)
					}
				}
				return
			}

			msgs, err := query.FindPartyMessages(ctx, database, args[0])
			if err != nil {
				fail(fmt.Sprintf("Party query failed: %v", err))
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "messages": msgs})
				return
			}
			for _, m := range msgs {
				fmt.Printf("%s  [%s/%s]  %s\n",
					m.SentAt.Format("2006-01-02 15:04"), m.Source, m.Direction, m.Subject)
			}
			if len(msgs) == 0 {
				fmt.Println("No messages.")
			}
		},
	}
	cmd.Flags().Bool("activity", false, "Show aggregate activity instead of messages")
	cmd.AddCommand(partyLinkCmd())
	return cmd
}

func partyLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link <party-id> <identifier>",
		Short: "Attach an identifier to a party (reassigns ownership on overlap)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			kindRaw, _ := cmd.Flags().GetString("kind")
			kind := record.IdentifierKind(kindRaw)
			if kindRaw == "" {
				kind = identity.DetectKind(args[1])
			}

			database, err := db.Open()
			if err != nil {
				fail(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer database.Close()

			ctx := context.Background()
			if err := identity.LinkIdentifier(ctx, database, args[0], kind, args[1]); err != nil {
				fail(fmt.Sprintf("Link failed: %v", err))
			}
			_ = bus.Emit(ctx, database, bus.TypeIdentifierLinked, "", args[0], map[string]string{
				"kind":       string(kind),
				"identifier": args[1],
			})
			if jsonOutput {
				printJSON(map[string]any{"ok": true})
			} else {
				fmt.Printf("Linked %s (%s) to party %s\n", args[1], kind, args[0])
			}
		},
	}
	cmd.Flags().String("kind", "", "Identifier kind (default: auto-detect)")
	return cmd
}

func timelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <start> <end>",
		Short: "Generate a case timeline for a set of identifiers",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ids, _ := cmd.Flags().GetStringSlice("id")
			if len(ids) == 0 {
				fail("At least one --id identifier is required")
			}
			start, err := time.Parse("2006-01-02", args[0])
			if err != nil {
				fail(fmt.Sprintf("Invalid start date (want YYYY-MM-DD): %v", err))
			}
			endDay, err := time.Parse("2006-01-02", args[1])
			if err != nil {
				fail(fmt.Sprintf("Invalid end date (want YYYY-MM-DD): %v", err))
			}
			end := endDay.AddDate(0, 0, 1).Add(-time.Second)

			database, err := db.Open()
			if err != nil {
				fail(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer database.Close()

			entries, err := query.CaseTimeline(context.Background(), database, query.TimelineRequest{
				Start:       start,
				End:         end,
				Identifiers: ids,
			})
			if err != nil {
				fail(fmt.Sprintf("Timeline failed: %v", err))
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "entries": entries})
				return
			}
			for _, e := range entries {
				fmt.Printf("%s  [%s/%s]  %s -> %s\n    %s\n",
					e.SentAt.Format("2006-01-02 15:04"), e.Source, e.Direction,
					e.Sender, e.Recipients, e.Subject)
			}
			if len(entries) == 0 {
				fmt.Println("No messages in range.")
			}
		},
	}
	cmd.Flags().StringSlice("id", nil, "Party identifier (repeatable)")
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List engine events (party/conversation creation, duplicates)",
		Run: func(cmd *cobra.Command, args []string) {
			after, _ := cmd.Flags().GetInt64("after")
			limit, _ := cmd.Flags().GetInt("limit")

			database, err := db.Open()
			if err != nil {
				fail(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer database.Close()

			events, err := bus.List(context.Background(), database, after, limit)
			if err != nil {
				fail(fmt.Sprintf("Events query failed: %v", err))
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "events": events})
				return
			}
			for _, e := range events {
				subject := ""
				if e.SubjectID != nil {
					subject = *e.SubjectID
				}
				fmt.Printf("%d  %s  %s  %s\n", e.Seq, time.Unix(e.CreatedAt, 0).Format("2006-01-02 15:04:05"), e.Type, subject)
			}
		},
	}
	cmd.Flags().Int64("after", 0, "Only events after this sequence number")
	cmd.Flags().Int("limit", 100, "Max events")
	return cmd
}
