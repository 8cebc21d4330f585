package cache

import (
	"encoding/json"
	"testing"
	"time"

	redismock "github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woosul/marketfabric/internal/model"
)

func TestNewAutoNotifier_EmptyAddrDisables(t *testing.T) {
	assert.Nil(t, NewAutoNotifier(""))
}

func TestRedisNotifier_Publish_SendsJSONOnSharedChannel(t *testing.T) {
	client, mock := redismock.NewClientMock()
	n := &RedisNotifier{client: client}

	rec := model.CachedRecord{Kind: model.KindUpbitComposite, Code: model.CodeUBCI, UpdatedAt: time.Now()}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectPublish(changeChannel, payload).SetVal(1)

	require.NoError(t, n.Publish(rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisNotifier_Publish_PropagatesRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	n := &RedisNotifier{client: client}

	rec := model.CachedRecord{Kind: model.KindUpbitComposite, Code: model.CodeUBCI, UpdatedAt: time.Now()}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectPublish(changeChannel, payload).SetErr(assertAnError{})

	assert.Error(t, n.Publish(rec))
}
