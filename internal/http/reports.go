package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/mjafarpour/orderflow/internal/model"
	"github.com/mjafarpour/orderflow/internal/repository"
)

func listEventsHandler(chRepo repository.CHEventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var outcome string
		if raw := strings.TrimSpace(c.QueryParam("outcome")); raw != "" {
			switch model.Outcome(raw) {
			case model.OutcomeNew, model.OutcomeDuplicate:
				outcome = raw
			}
		}

		userID := strings.TrimSpace(c.QueryParam("user_id"))

		rows, err := chRepo.ListByUser(
			c.Request().Context(),
			userID,
			outcome,
			limit,
			offset,
		)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
