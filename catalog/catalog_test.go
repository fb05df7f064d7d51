package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/measurely/errors"
)

func TestLoadEmbeddedSeed(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	sys, err := c.GetSystem("acme_erp")
	require.NoError(t, err)
	assert.Equal(t, "Acme ERP", sys.Name)

	m, err := c.GetMeasure("revenue")
	require.NoError(t, err)
	assert.Equal(t, "USD", m.Unit)

	cfg, err := c.GetConfig("acme_erp.revenue")
	require.NoError(t, err)
	assert.Equal(t, "acme_erp/revenue", cfg.TemplateKey)
}

func TestLookupNotFound(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	_, err = c.GetSystem("nope")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = c.GetMeasure("nope")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = c.GetConfig("nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestParameterSplit(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	cfg, err := c.GetConfig("acme_erp.revenue")
	require.NoError(t, err)

	assert.Equal(t, []string{"fromDate", "toDate"}, cfg.SystemGeneratedNames())

	user := cfg.UserParameters()
	require.Len(t, user, 2)
	assert.Equal(t, "itemCategory", user[0].Name)
	assert.True(t, user[0].Required)
	assert.Equal(t, "region", user[1].Name)
	assert.False(t, user[1].Required)
}

func TestSeedValidation(t *testing.T) {
	_, err := loadBytes([]byte(`
[[configs]]
key = "bad.config"
system = "ghost"
measure = "revenue"
template_key = "x"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown system")
}

func TestParamsFor(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)

	params, err := cat.ParamsFor("acme_erp.revenue")
	require.NoError(t, err)
	require.Len(t, params, 4)

	_, err = cat.ParamsFor("ghost.config")
	assert.True(t, errors.IsNotFoundError(err))
}
