package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"warden/internal/storage"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var ErrInvalidList = errors.New("list must be blacklist or whitelist")

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	app := &cli.Command{
		Name:  "wordctl",
		Usage: "Manage the blacklist and whitelist outside Discord",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite path or postgres:// DSN (defaults to DATABASE_URL)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "Print every word in a list",
				ArgsUsage: "<list>",
				Action: withStore(func(ctx context.Context, c *cli.Command, store *storage.Store, _ *zap.Logger) error {
					list, err := listArg(c)
					if err != nil {
						return err
					}
					entries, err := store.ListWords(ctx, list)
					if err != nil {
						return err
					}
					for _, entry := range entries {
						fmt.Printf("%s\t%s\t%s\t%s\n", entry.Word, entry.AddedBy, entry.AddedAt.Format("2006-01-02"), entry.Reason)
					}
					fmt.Printf("%d words\n", len(entries))
					return nil
				}),
			},
			{
				Name:      "add",
				Usage:     "Add a word",
				ArgsUsage: "<list> <word>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "Why the word is listed"},
				},
				Action: withStore(func(ctx context.Context, c *cli.Command, store *storage.Store, _ *zap.Logger) error {
					list, err := listArg(c)
					if err != nil {
						return err
					}
					if c.Args().Len() != 2 {
						return cli.Exit("usage: wordctl add <list> <word>", 1)
					}
					entry, err := store.AddWord(ctx, storage.WordEntry{List: list, Word: c.Args().Get(1), AddedBy: "system", Reason: c.String("reason")})
					if errors.Is(err, storage.ErrDuplicate) {
						return cli.Exit(fmt.Sprintf("%q is already on the %s", c.Args().Get(1), list), 1)
					}
					if err != nil {
						return err
					}
					fmt.Printf("added %q (%s)\n", entry.Word, entry.PunishmentID)
					return nil
				}),
			},
			{
				Name:      "remove",
				Usage:     "Remove a word",
				ArgsUsage: "<list> <word>",
				Action: withStore(func(ctx context.Context, c *cli.Command, store *storage.Store, _ *zap.Logger) error {
					list, err := listArg(c)
					if err != nil {
						return err
					}
					if c.Args().Len() != 2 {
						return cli.Exit("usage: wordctl remove <list> <word>", 1)
					}
					if err := store.RemoveWord(ctx, list, c.Args().Get(1)); errors.Is(err, storage.ErrNotFound) {
						return cli.Exit(fmt.Sprintf("%q is not on the %s", c.Args().Get(1), list), 1)
					} else if err != nil {
						return err
					}
					fmt.Printf("removed %q\n", c.Args().Get(1))
					return nil
				}),
			},
			{
				Name:      "import",
				Usage:     "Import words from a newline separated file or a JSON array",
				ArgsUsage: "<list> <file>",
				Action: withStore(func(ctx context.Context, c *cli.Command, store *storage.Store, logger *zap.Logger) error {
					list, err := listArg(c)
					if err != nil {
						return err
					}
					if c.Args().Len() != 2 {
						return cli.Exit("usage: wordctl import <list> <file>", 1)
					}
					data, err := os.ReadFile(c.Args().Get(1))
					if err != nil {
						return err
					}
					words, err := parseWords(data)
					if err != nil {
						return fmt.Errorf("failed to parse %s: %w", c.Args().Get(1), err)
					}
					added, skipped, err := importWords(ctx, store, list, words)
					if err != nil {
						return err
					}
					logger.Info("Import finished",
						zap.String("list", string(list)),
						zap.Int("added", added),
						zap.Int("skipped", skipped))
					fmt.Printf("imported %d words, skipped %d existing\n", added, skipped)
					return nil
				}),
			},
			{
				Name:      "export",
				Usage:     "Export a list as JSON",
				ArgsUsage: "<list>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Write to a file instead of stdout"},
				},
				Action: withStore(func(ctx context.Context, c *cli.Command, store *storage.Store, _ *zap.Logger) error {
					list, err := listArg(c)
					if err != nil {
						return err
					}
					entries, err := store.ListWords(ctx, list)
					if err != nil {
						return err
					}
					data, err := exportWords(entries)
					if err != nil {
						return err
					}
					if out := c.String("out"); out != "" {
						return os.WriteFile(out, data, 0o644)
					}
					_, err = os.Stdout.Write(data)
					return err
				}),
			},
		},
	}

	return app.Run(context.Background(), os.Args)
}

type storeAction func(ctx context.Context, c *cli.Command, store *storage.Store, logger *zap.Logger) error

// withStore opens the database named by --database or DATABASE_URL around action.
func withStore(action storeAction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		dsn := c.String("database")
		if dsn == "" {
			dsn = os.Getenv("DATABASE_URL")
		}
		if dsn == "" {
			return cli.Exit("no database: pass --database or set DATABASE_URL", 1)
		}
		store, err := storage.New(dsn)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
		return action(ctx, c, store, logger)
	}
}

func listArg(c *cli.Command) (storage.WordList, error) {
	list := storage.WordList(strings.ToLower(c.Args().First()))
	if !list.Valid() {
		return "", ErrInvalidList
	}
	return list, nil
}

// parseWords accepts a JSON (or JSONC) array of strings, or one word per line with
// blank lines and # comments ignored.
func parseWords(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		standard, err := hujson.Standardize(trimmed)
		if err != nil {
			return nil, err
		}
		var words []string
		if err := sonic.Unmarshal(standard, &words); err != nil {
			return nil, err
		}
		return cleanWords(words), nil
	}

	var words []string
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cleanWords(words), nil
}

func cleanWords(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, word := range words {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			continue
		}
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
	}
	return out
}

func importWords(ctx context.Context, store *storage.Store, list storage.WordList, words []string) (int, int, error) {
	var added, skipped int
	for _, word := range words {
		_, err := store.AddWord(ctx, storage.WordEntry{List: list, Word: word, AddedBy: "system", Reason: "imported"})
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			skipped++
		case err != nil:
			return added, skipped, fmt.Errorf("failed to add %q: %w", word, err)
		default:
			added++
		}
	}
	return added, skipped, nil
}

type exportEntry struct {
	Word         string `json:"word"`
	AddedBy      string `json:"addedBy"`
	AddedAt      string `json:"addedAt"`
	PunishmentID string `json:"punishmentId"`
	Reason       string `json:"reason,omitempty"`
}

func exportWords(entries []storage.WordEntry) ([]byte, error) {
	out := make([]exportEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, exportEntry{
			Word:         entry.Word,
			AddedBy:      entry.AddedBy,
			AddedAt:      entry.AddedAt.UTC().Format("2006-01-02T15:04:05Z"),
			PunishmentID: entry.PunishmentID,
			Reason:       entry.Reason,
		})
	}
	data, err := sonic.ConfigStd.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
