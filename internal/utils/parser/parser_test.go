package parser

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type query struct {
	SourceURL string        `form:"source_url,required"`
	Hold      bool          `form:"hold,default=true"`
	Limit     *int          `form:"limit"`
	Wait      time.Duration `form:"wait,default=2s"`
	Ignored   string
}

func parse(t *testing.T, target string) (query, error) {
	var q query
	var perr error
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		perr = ParseQuery(c, &q)
		return nil
	})
	_, err := app.Test(httptest.NewRequest("GET", target, nil))
	require.NoError(t, err)
	return q, perr
}

func TestParseQueryBindsTaggedFields(t *testing.T) {
	q, err := parse(t, "/?source_url=https%3A%2F%2Fbar.example&limit=3&wait=90s&hold=false")
	require.NoError(t, err)
	assert.Equal(t, "https://bar.example", q.SourceURL)
	require.NotNil(t, q.Limit)
	assert.Equal(t, 3, *q.Limit)
	assert.Equal(t, 90*time.Second, q.Wait)
	assert.False(t, q.Hold)
}

func TestParseQueryDefaults(t *testing.T) {
	q, err := parse(t, "/?source_url=x")
	require.NoError(t, err)
	assert.True(t, q.Hold)
	assert.Equal(t, 2*time.Second, q.Wait)
	assert.Nil(t, q.Limit)
}

func TestParseQueryErrors(t *testing.T) {
	_, err := parse(t, "/")
	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "source_url", missing.Param)

	_, err = parse(t, "/?source_url=x&limit=lots")
	assert.ErrorContains(t, err, "invalid limit")

	assert.Error(t, ParseQuery(nil, query{}))
}
