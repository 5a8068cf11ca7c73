package httpapi

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/storyline/internal/clustering"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/intake"
	"horse.fit/storyline/internal/retrieval"
	payloadschema "horse.fit/storyline/schema"
)

type storyDetail struct {
	Story   db.StoryClusterRecord `json:"story"`
	Members []db.ArticleRecord    `json:"members"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	checks := make(map[string]string, len(names))
	for _, name := range names {
		err := s.deps.Checks[name](ctx)
		switch {
		case err == nil:
			checks[name] = "ok"
		case errors.Is(err, ErrCheckDisabled):
			checks[name] = "disabled"
		default:
			healthy = false
			checks[name] = "error: " + err.Error()
			s.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
		}
	}

	data := map[string]any{
		"service": "storyline",
		"time":    globaltime.UTC(),
		"checks":  checks,
	}
	if !healthy {
		return fail(c, http.StatusServiceUnavailable, "Dependency check failed", data)
	}
	return success(c, data)
}

func (s *Server) handleStats(c echo.Context) error {
	if s.deps.Stories == nil {
		return failNotFound(c, "Stats are not available")
	}
	stats, err := s.deps.Stories.QueryCorpusStats(c.Request().Context(), globaltime.WindowStart(s.opts.Window))
	if err != nil {
		s.logger.Error().Err(err).Msg("query corpus stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleSearch(c echo.Context) error {
	if s.deps.Search == nil {
		return failNotFound(c, "Search is not available")
	}

	fieldErrors := map[string]string{}
	offset, err := parsePositiveInt(c.QueryParam("offset"), 0, 0, maxSearchOffset)
	if err != nil {
		fieldErrors["offset"] = err.Error()
	}
	size, err := parsePositiveInt(c.QueryParam("size"), retrieval.DefaultPageSize, 1, retrieval.MaxPageSize)
	if err != nil {
		fieldErrors["size"] = err.Error()
	}
	from, err := parseTimeFilter(c.QueryParam("from"), false)
	if err != nil {
		fieldErrors["from"] = "must be RFC3339 or YYYY-MM-DD"
	}
	to, err := parseTimeFilter(c.QueryParam("to"), true)
	if err != nil {
		fieldErrors["to"] = "must be RFC3339 or YYYY-MM-DD"
	}
	groupByStory, err := parseBool(c.QueryParam("group_by_story"))
	if err != nil {
		fieldErrors["group_by_story"] = err.Error()
	}
	if from != nil && to != nil && from.After(*to) {
		fieldErrors["time_range"] = "from must be <= to"
	}
	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	resp, err := s.deps.Search.Search(c.Request().Context(), retrieval.Request{
		Query: strings.TrimSpace(c.QueryParam("q")),
		Filter: retrieval.Filter{
			From:     from,
			To:       to,
			Language: c.QueryParam("language"),
			FeedID:   c.QueryParam("feed_id"),
			Category: c.QueryParam("category"),
		},
		Offset:       offset,
		Size:         size,
		GroupByStory: groupByStory,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrInvalidRequest) {
			return fail(c, http.StatusBadRequest, err.Error(), nil)
		}
		s.logger.Error().Err(err).Msg("search failed")
		return internalError(c, "Search failed")
	}
	return success(c, resp)
}

func (s *Server) handleStoryDetail(c echo.Context) error {
	if s.deps.Stories == nil {
		return failNotFound(c, "Stories are not available")
	}
	storyID := strings.TrimSpace(c.Param("story_id"))
	if storyID == "" {
		return failValidation(c, map[string]string{"story_id": "is required"})
	}

	ctx := c.Request().Context()
	story, err := s.deps.Stories.GetStoryCluster(ctx, storyID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Story not found")
		}
		s.logger.Error().Err(err).Str("story_id", storyID).Msg("load story failed")
		return internalError(c, "Failed to load story")
	}
	members, err := s.deps.Stories.ListStoryMembers(ctx, storyID)
	if err != nil {
		s.logger.Error().Err(err).Str("story_id", storyID).Msg("load story members failed")
		return internalError(c, "Failed to load story members")
	}
	return success(c, storyDetail{Story: story, Members: members})
}

func (s *Server) handleIntake(c echo.Context) error {
	if s.deps.Intake == nil {
		return failNotFound(c, "Intake is not available")
	}

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, http.StatusBadRequest, "Failed to read request body", nil)
	}
	payload, err := payloadschema.ValidateArticlePayload(raw)
	if err != nil {
		return failValidation(c, map[string]string{"payload": err.Error()})
	}

	result, err := s.deps.Intake.IntakeOne(c.Request().Context(), payload)
	if err != nil {
		if errors.Is(err, intake.ErrInvalidEmbedding) {
			return failValidation(c, map[string]string{"embedding": err.Error()})
		}
		s.logger.Error().Err(err).Str("article_id", payload.ID).Msg("article intake failed")
		return internalError(c, "Failed to take in article")
	}
	return successWithStatus(c, http.StatusAccepted, result)
}

func (s *Server) handleMaintenanceStatus(c echo.Context) error {
	if s.deps.Maintenance == nil {
		return failNotFound(c, "Maintenance is not available")
	}
	return success(c, s.deps.Maintenance.Stats())
}

func (s *Server) handleMaintenanceRun(c echo.Context) error {
	if s.deps.Maintenance == nil {
		return failNotFound(c, "Maintenance is not available")
	}
	report, err := s.deps.Maintenance.Trigger(c.Request().Context())
	if err != nil {
		if errors.Is(err, clustering.ErrCycleInProgress) {
			return failConflict(c, "Maintenance cycle already in progress")
		}
		s.logger.Error().Err(err).Msg("manual maintenance cycle failed")
		return internalError(c, "Maintenance cycle failed")
	}
	return success(c, report)
}

func (s *Server) handleIndexStats(c echo.Context) error {
	if s.deps.Queue == nil {
		return failNotFound(c, "Index queue is not available")
	}
	return success(c, s.deps.Queue.Stats())
}
