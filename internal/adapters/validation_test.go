package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/woosul/marketfabric/internal/model"
)

func TestValidateScalar(t *testing.T) {
	assert.True(t, ValidateScalar(model.ReadingFromFloat(1)))
	assert.False(t, ValidateScalar(model.ReadingFromFloat(0)))
	assert.False(t, ValidateScalar(model.ReadingFromFloat(-1)))
}

func TestValidateCoinRows(t *testing.T) {
	assert.False(t, ValidateCoinRows(nil))
	assert.False(t, ValidateCoinRows([]model.CoinRow{{PriceUSD: model.ReadingFromFloat(0).Value}}))
	assert.True(t, ValidateCoinRows([]model.CoinRow{{PriceUSD: model.ReadingFromFloat(1).Value}}))
}

func TestValidateGlobalSnapshot(t *testing.T) {
	assert.False(t, ValidateGlobalSnapshot(GlobalSnapshot{}))
	assert.True(t, ValidateGlobalSnapshot(GlobalSnapshot{TotalMarketCapUSD: model.ReadingFromFloat(1)}))
}

func TestCompositeSnapshot_Valid(t *testing.T) {
	assert.False(t, CompositeSnapshot{}.Valid())
	assert.True(t, CompositeSnapshot{Indices: map[string]model.Reading{"ubci": model.ReadingFromFloat(1500)}}.Valid())
	assert.False(t, CompositeSnapshot{Indices: map[string]model.Reading{"ubci": model.ReadingFromFloat(0)}}.Valid())
}
