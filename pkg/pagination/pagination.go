package pagination

import (
	"math"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultSize = 9
	MaxSize     = 100
	// MaxPage keeps Page*MaxSize within int.
	MaxPage = math.MaxInt / MaxSize
)

// Params holds zero based page parameters extracted from a request.
type Params struct {
	Page int
	Size int
}

// FromContext reads page and size query parameters, falling back to
// defaultSize when size is missing or invalid.
func FromContext(c echo.Context, defaultSize int) Params {
	if defaultSize <= 0 {
		defaultSize = DefaultSize
	}
	size, _ := strconv.Atoi(c.QueryParam("size"))
	if size <= 0 {
		size = defaultSize
	}
	if size > MaxSize {
		size = MaxSize
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 0 {
		page = 0
	}
	if page > MaxPage {
		page = MaxPage
	}

	return Params{Page: page, Size: size}
}

// Offset returns the index of the first element of the page, saturating at
// math.MaxInt.
func (p Params) Offset() int {
	if p.Page <= 0 || p.Size <= 0 {
		return 0
	}
	if p.Page > math.MaxInt/p.Size {
		return math.MaxInt
	}
	return p.Page * p.Size
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return total-p.Offset() > p.Size
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Page > 0
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	Size    int         `json:"size"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Page:    p.Page,
		Size:    p.Size,
		HasMore: p.HasNext(total),
	}
}
