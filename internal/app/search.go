package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/retrieval"
)

func runSearch(args []string) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	query := fs.String("query", "", "Query text; empty lists the newest articles")
	from := fs.String("from", "", "Only articles published at or after this date")
	to := fs.String("to", "", "Only articles published at or before this date")
	lang := fs.String("lang", "", "Language code filter")
	feed := fs.String("feed", "", "Feed id filter")
	category := fs.String("category", "", "Category filter")
	offset := fs.Int("offset", 0, "Result offset")
	size := fs.Int("size", retrieval.DefaultPageSize, "Page size")
	group := fs.Bool("group", true, "Collapse results to one per story")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "search does not accept positional arguments")
		return 2
	}
	if *offset < 0 {
		fmt.Fprintln(os.Stderr, "--offset must be >= 0")
		return 2
	}
	if *size <= 0 || *size > retrieval.MaxPageSize {
		fmt.Fprintf(os.Stderr, "--size must be between 1 and %d\n", retrieval.MaxPageSize)
		return 2
	}

	fromTime, err := parseDateFlag(*from, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --from: %v\n", err)
		return 2
	}
	toTime, err := parseDateFlag(*to, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --to: %v\n", err)
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	cfg, logger, err := loadConfigAndLogger(envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close(0)

	resp, err := rt.engine.Search(ctx, retrieval.Request{
		Query: strings.TrimSpace(*query),
		Filter: retrieval.Filter{
			From:     fromTime,
			To:       toTime,
			Language: *lang,
			FeedID:   *feed,
			Category: *category,
		},
		Offset:       *offset,
		Size:         *size,
		GroupByStory: *group,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrInvalidRequest) {
			fmt.Fprintf(os.Stderr, "Invalid search: %v\n", err)
			return 2
		}
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(resp); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(resp.Results))
	for _, result := range resp.Results {
		rows = append(rows, []string{
			fmt.Sprintf("%.3f", result.Score),
			truncateForTable(result.Article.Title, 70),
			result.Article.FeedID,
			formatUTCTimestampPtr(result.Article.PublishedAt),
			result.StoryID,
			fmt.Sprintf("%d", result.MoreCount),
		})
	}
	if err := writeTable([]string{"score", "title", "feed", "published_at", "story_id", "more"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	fmt.Printf("\noffset=%d size=%d total=%d\n", resp.Pagination.Offset, resp.Pagination.Size, resp.Pagination.Total)
	return 0
}
