package redisx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// 分期事件流的近似保留长度，超出部分由 Redis 按宏节点修剪
const streamMaxLen = 10000

// PublishJSONToStream 将 JSON 消息发布到 Redis Streams
//
// 消息体在 "data" 字段，附带发布时间戳。流使用近似 MAXLEN 修剪，
// 消费端落后太多时旧事件会被丢弃。
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":      string(jsonBytes),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
}
