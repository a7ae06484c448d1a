package common

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lissto-dev/imagewatch/pkg/batch"
	"github.com/lissto-dev/imagewatch/pkg/response"
)

// UserInfoResponse describes the caller
type UserInfoResponse struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// CreateAPIKeyResponse represents the response after creating an API key
type CreateAPIKeyResponse struct {
	APIKey string `json:"api_key"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// MarkUpgradedResponse reports how many containers were updated
type MarkUpgradedResponse struct {
	ImageRepo string `json:"image_repo"`
	Tag       string `json:"tag"`
	Updated   int64  `json:"updated"`
}

// DetailedRun is a run with its log split into lines
type DetailedRun struct {
	batch.Run
	Log []string `json:"log"`
}

// Formattable is an interface for resources that can be formatted as detailed or standard
type Formattable interface {
	ToDetailed() interface{}
	ToStandard() interface{}
}

// FormattableRuns renders runs without their logs unless detailed output is requested
type FormattableRuns []batch.Run

func (f FormattableRuns) ToDetailed() interface{} {
	out := make([]DetailedRun, 0, len(f))
	for _, r := range f {
		d := DetailedRun{Run: r, Log: []string{}}
		if r.LogText != "" {
			d.Log = strings.Split(r.LogText, "\n")
		}
		d.Run.LogText = ""
		out = append(out, d)
	}
	return out
}

func (f FormattableRuns) ToStandard() interface{} {
	out := make([]batch.Run, 0, len(f))
	for _, r := range f {
		r.LogText = ""
		out = append(out, r)
	}
	return out
}

// HandleFormatResponse handles the ?format=detailed query parameter for any Formattable resource
func HandleFormatResponse(c echo.Context, message string, resource Formattable) error {
	switch c.QueryParam("format") {
	case "detailed":
		return response.OK(c, message, resource.ToDetailed())
	case "", "standard":
		return response.OK(c, message, resource.ToStandard())
	default:
		return response.Error(c, http.StatusBadRequest, "format must be standard or detailed")
	}
}
