package database

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// InitRedis connects to the webhook delivery queue. Redis is not a hard
// dependency of the request path: when it is unreachable the server
// starts anyway with a nil client, the delivery worker stays idle, and
// events accumulate durably in the outbox until a restart finds the
// queue reachable.
func InitRedis(log *zap.Logger) *redis.Client {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	addr := viper.GetString("redis.host") + ":" + viper.GetString("redis.port")
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warn("redis connection failed, continuing without queue",
			zap.String("addr", addr), zap.Error(err))
		return nil
	}

	log.Info("redis connection established", zap.String("addr", addr))
	return rdb
}
