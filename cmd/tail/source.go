package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	"github.com/seedtray/tailcursor"
	"github.com/seedtray/tailcursor/internal/config"
	"github.com/seedtray/tailcursor/source/capped"
	"github.com/seedtray/tailcursor/source/dirtail"
	"github.com/seedtray/tailcursor/source/flaky"
	"github.com/seedtray/tailcursor/source/redisstream"
	"github.com/seedtray/tailcursor/source/s3log"
	"go.uber.org/zap"
)

type source struct {
	tailcursor.Source
	// close releases clients behind the source
	close func() error
	// feed writes to the source while it is tailed; only the demo has one
	feed func(ctx context.Context) error
}

// Name forwards to the wrapped source, which the embedded interface does not
// promote.
func (s *source) Name() string {
	if n, ok := s.Source.(tailcursor.Namer); ok {
		return n.Name()
	}
	return "unknown"
}

func openSource(conf config.Source, logger *zap.Logger) (*source, error) {
	switch conf.Kind {
	case config.KindDemo:
		return openDemo(conf.Demo, logger), nil
	case config.KindDir:
		d, err := dirtail.New(dirtail.Config{
			Dir:          conf.Dir.Path,
			BatchSize:    conf.Dir.BatchSize,
			PollInterval: conf.Dir.PollInterval,
			IdleTimeout:  conf.Dir.IdleTimeout,
			Watch:        conf.Dir.Watch,
		})
		if err != nil {
			return nil, err
		}
		return &source{Source: d}, nil
	case config.KindRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		stream, err := redisstream.New(client, redisstream.Config{
			Key:         conf.Redis.Key,
			Field:       conf.Redis.Field,
			BatchSize:   conf.Redis.BatchSize,
			IdleTimeout: conf.Redis.IdleTimeout,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		return &source{Source: stream, close: client.Close}, nil
	case config.KindS3:
		opts := s3.Options{
			Region: conf.S3.Region,
			Credentials: credentials.NewStaticCredentialsProvider(
				os.Getenv("AWS_ACCESS_KEY_ID"),
				os.Getenv("AWS_SECRET_ACCESS_KEY"),
				os.Getenv("AWS_SESSION_TOKEN")),
			UsePathStyle: conf.S3.PathStyle,
		}
		if conf.S3.Endpoint != "" {
			opts.BaseEndpoint = aws.String(conf.S3.Endpoint)
		}
		log, err := s3log.New(s3.New(opts), s3log.Config{
			Bucket:       conf.S3.Bucket,
			Prefix:       conf.S3.Prefix,
			BatchSize:    conf.S3.BatchSize,
			PollInterval: conf.S3.PollInterval,
			IdleTimeout:  conf.S3.IdleTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &source{Source: log}, nil
	}
	return nil, fmt.Errorf("unknown source kind: %q", conf.Kind)
}

// openDemo tails an in-memory capped collection while inserting {"_id": i}
// documents after each configured pause.
func openDemo(conf config.Demo, logger *zap.Logger) *source {
	coll := capped.New(capped.Config{
		Capacity:    conf.Capacity,
		IdleTimeout: conf.IdleTimeout,
	})
	var src tailcursor.Source = coll
	if conf.FlakyEvery > 0 {
		src = flaky.New(coll, flaky.Config{OpenEvery: conf.FlakyEvery, FetchEvery: conf.FlakyEvery})
	}
	feed := func(ctx context.Context) error {
		for i, pause := range conf.Pauses {
			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			m, err := coll.Insert([]byte(fmt.Sprintf(`{"_id":%d}`, i)))
			if err != nil {
				return err
			}
			logger.Debug("demo insert", zap.Int("id", i), zap.Stringer("marker", m))
		}
		return nil
	}
	return &source{Source: src, close: coll.Close, feed: feed}
}
