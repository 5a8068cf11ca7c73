package db

import (
	"encoding/json"
	"time"
)

// Article maps storyline.articles.
type Article struct {
	ArticleID    string          `gorm:"column:article_id;type:text;primaryKey"`
	FeedID       string          `gorm:"column:feed_id;type:text;not null"`
	SourceURL    *string         `gorm:"column:source_url;type:text"`
	CanonicalURL *string         `gorm:"column:canonical_url;type:text"`
	PublishedAt  *time.Time      `gorm:"column:published_at;type:timestamptz"`
	FetchedAt    *time.Time      `gorm:"column:fetched_at;type:timestamptz"`
	Title        string          `gorm:"column:title;type:text;not null"`
	Summary      string          `gorm:"column:summary;type:text;not null;default:''"`
	Language     string          `gorm:"column:language;type:text;not null;default:und"`
	Category     *string         `gorm:"column:category;type:text"`
	Keywords     json.RawMessage `gorm:"column:keywords;type:jsonb;not null;default:'[]'"`
	StoryID      *string         `gorm:"column:story_id;type:text"`
	Embedding    []byte          `gorm:"column:embedding;type:bytea"`
	CreatedAt    time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Article) TableName() string { return "storyline.articles" }

// StoryCluster maps storyline.story_clusters. Membership lives on articles.
type StoryCluster struct {
	StoryID        string          `gorm:"column:story_id;type:text;primaryKey"`
	TitleRep       string          `gorm:"column:title_rep;type:text;not null;default:''"`
	Summary        string          `gorm:"column:summary;type:text;not null;default:''"`
	Keywords       json.RawMessage `gorm:"column:keywords;type:jsonb;not null;default:'[]'"`
	Sources        json.RawMessage `gorm:"column:sources;type:jsonb;not null;default:'[]'"`
	TimeRangeStart *time.Time      `gorm:"column:time_range_start;type:timestamptz"`
	TimeRangeEnd   *time.Time      `gorm:"column:time_range_end;type:timestamptz"`
	Centroid       []byte          `gorm:"column:centroid;type:bytea"`
	MemberCount    int             `gorm:"column:member_count;type:integer;not null;default:0"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (StoryCluster) TableName() string { return "storyline.story_clusters" }

func autoMigrateModels() []any {
	return []any{
		&Article{},
		&StoryCluster{},
	}
}
