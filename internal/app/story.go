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
	"horse.fit/storyline/internal/db"
)

type storyDetail struct {
	Story    db.StoryClusterRecord `json:"story"`
	Articles []db.ArticleRecord    `json:"articles"`
}

func runStory(args []string) int {
	fs := flag.NewFlagSet("story", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: storyline story <story_id> [--format table|json]")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	storyID := strings.TrimSpace(fs.Arg(0))
	if storyID == "" {
		fmt.Fprintln(os.Stderr, "story_id is required")
		return 2
	}

	cfg, logger, err := loadConfigAndLogger(envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	story, err := pool.GetStoryCluster(ctx, storyID)
	if err != nil {
		if db.IsNoRows(err) {
			fmt.Fprintf(os.Stderr, "Story not found: %s\n", storyID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to load story: %v\n", err)
		return 1
	}
	members, err := pool.ListStoryMembers(ctx, storyID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load story members: %v\n", err)
		return 1
	}

	detail := storyDetail{Story: story, Articles: members}
	if outputFormat == outputFormatJSON {
		if err := printJSON(detail); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	if err := writeStoryDetailTable(detail); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func writeStoryDetailTable(detail storyDetail) error {
	fmt.Println("story")
	storyRows := [][]string{
		{"story_id", detail.Story.StoryID},
		{"title", detail.Story.TitleRep},
		{"summary", truncateForTable(detail.Story.Summary, 120)},
		{"keywords", strings.Join(detail.Story.Keywords, ", ")},
		{"sources", strings.Join(detail.Story.Sources, ", ")},
		{"member_count", fmt.Sprintf("%d", detail.Story.MemberCount)},
		{"time_range_start", formatUTCTimestampPtr(detail.Story.TimeRangeStart)},
		{"time_range_end", formatUTCTimestampPtr(detail.Story.TimeRangeEnd)},
		{"updated_at", formatUTCTimestamp(detail.Story.UpdatedAt)},
	}
	if err := writeTable([]string{"field", "value"}, storyRows); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("articles")
	articleRows := make([][]string, 0, len(detail.Articles))
	for _, article := range detail.Articles {
		articleRows = append(articleRows, []string{
			article.ID,
			truncateForTable(article.Title, 80),
			article.FeedID,
			formatUTCTimestampPtr(article.EffectiveTime()),
		})
	}
	return writeTable([]string{"id", "title", "feed", "time"}, articleRows)
}
