package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BookKeyPrefix   string = "books:"
	ZBooksIndex     string = "books:index"
	ZBooksByRatings string = "books:ratings"
)

type redisBookStorage struct {
	logger     *zap.Logger
	client     *redis.Client
	clock      Clocker
	metrics    *Metrics
	maxRetries int
}

// NewRedisBookStorage provides an instance of redis-based book storage.
// Each book lives under its own key so concurrent writes on different
// books never watch the same key.
// The metrics may be nil.
func NewRedisBookStorage(logger *zap.Logger, client *redis.Client, clock Clocker, metrics *Metrics, maxRetries int) BookStorage {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &redisBookStorage{
		logger:     logger,
		client:     client,
		clock:      clock,
		metrics:    metrics,
		maxRetries: maxRetries,
	}
}

// GetRedisClient provides a ready to use redis client.
func GetRedisClient(config *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", config.Redis.Host, config.Redis.Port),
		DialTimeout:  config.Redis.DialTimeout,
		ReadTimeout:  config.Redis.ReadTimeout,
		WriteTimeout: config.Redis.WriteTimeout,
		PoolSize:     config.Redis.PoolSize,
		PoolTimeout:  config.Redis.PoolTimeout,
		Password:     config.Redis.Password,
		Username:     config.Redis.Username,
		DB:           config.Redis.DatabaseIndex,
	})

	// test connection.
	if pong, err := client.Ping(context.Background()).Result(); pong != "PONG" || err != nil {
		return client, fmt.Errorf("test connection failed: %v", err)
	}
	return client, nil
}

func bookKey(id string) string {
	return BookKeyPrefix + id
}

// Add inserts a new book record and indexes it by creation order and rating.
func (rs *redisBookStorage) Add(ctx context.Context, id string, book Book) error {
	bookBytes, err := json.Marshal(book)
	if err != nil {
		return err
	}
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, bookKey(id), bookBytes, 0)
		pipe.ZAddNX(ctx, ZBooksIndex, redis.Z{Score: float64(rs.clock.Now().UnixNano()), Member: id})
		pipe.ZAdd(ctx, ZBooksByRatings, redis.Z{Score: book.AverageRating, Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// GetOne retrieves a book record based on its ID.
func (rs *redisBookStorage) GetOne(ctx context.Context, id string) (Book, error) {
	var book Book
	bookJSONString, err := rs.client.Get(ctx, bookKey(id)).Result()
	if err == redis.Nil {
		return book, ErrBookNotFound
	}
	if err != nil {
		return book, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err = json.Unmarshal([]byte(bookJSONString), &book); err != nil {
		return Book{}, fmt.Errorf("%w: corrupted book %s: %v", ErrStorageUnavailable, id, err)
	}
	return book, nil
}

// Delete removes a book record based on its ID.
func (rs *redisBookStorage) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, bookKey(id))
		pipe.ZRem(ctx, ZBooksIndex, id)
		pipe.ZRem(ctx, ZBooksByRatings, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if del.Val() == 0 {
		return ErrBookNotFound
	}
	return nil
}

// Update replaces existing book record data or inserts a new book if does not exist.
func (rs *redisBookStorage) Update(ctx context.Context, id string, book Book) (Book, error) {
	bookBytes, err := json.Marshal(book)
	if err != nil {
		return book, err
	}
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, bookKey(id), bookBytes, 0)
		pipe.ZAddNX(ctx, ZBooksIndex, redis.Z{Score: float64(rs.clock.Now().UnixNano()), Member: id})
		pipe.ZAdd(ctx, ZBooksByRatings, redis.Z{Score: book.AverageRating, Member: id})
		return nil
	})
	if err != nil {
		return book, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return book, nil
}

// Mutate runs an optimistic read-modify-write on a single book. The book key
// is watched and the write only commits when nobody changed it in between,
// otherwise the whole cycle is retried up to maxRetries times.
func (rs *redisBookStorage) Mutate(ctx context.Context, id string, fn MutateFunc) (Book, error) {
	key := bookKey(id)
	return rs.watch(ctx, id, func(tx *redis.Tx) (Book, error) {
		book, err := loadBook(ctx, tx, key)
		if err != nil {
			return book, err
		}
		if err = fn(&book); err != nil {
			return book, err
		}
		bookBytes, err := json.Marshal(book)
		if err != nil {
			return book, err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, bookBytes, 0)
			pipe.ZAdd(ctx, ZBooksByRatings, redis.Z{Score: book.AverageRating, Member: id})
			return nil
		})
		return book, err
	})
}

// DeleteIf removes the book only when check accepts the stored version and
// nobody changed it before the removal. It returns the removed book.
func (rs *redisBookStorage) DeleteIf(ctx context.Context, id string, check CheckFunc) (Book, error) {
	key := bookKey(id)
	return rs.watch(ctx, id, func(tx *redis.Tx) (Book, error) {
		book, err := loadBook(ctx, tx, key)
		if err != nil {
			return book, err
		}
		if err = check(book); err != nil {
			return book, err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, ZBooksIndex, id)
			pipe.ZRem(ctx, ZBooksByRatings, id)
			return nil
		})
		return book, err
	})
}

func loadBook(ctx context.Context, tx *redis.Tx, key string) (Book, error) {
	var book Book
	data, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return book, ErrBookNotFound
	}
	if err != nil {
		return book, err
	}
	err = json.Unmarshal(data, &book)
	return book, err
}

// watch runs txf under WATCH on the book key and retries on conflicts.
func (rs *redisBookStorage) watch(ctx context.Context, id string, txf func(tx *redis.Tx) (Book, error)) (Book, error) {
	var book Book
	run := func(tx *redis.Tx) error {
		var err error
		book, err = txf(tx)
		return err
	}

	for i := 0; i < rs.maxRetries; i++ {
		err := rs.client.Watch(ctx, run, bookKey(id))
		if err == nil {
			return book, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			rs.logger.Debug("redis: book changed during transaction, retrying",
				zap.String("book.id", id),
				zap.Int("attempt", i+1),
			)
			if rs.metrics != nil {
				rs.metrics.TxRetries.Inc()
			}
			continue
		}
		if IsClientError(err) {
			return Book{}, err
		}
		if ctx.Err() != nil {
			return Book{}, ctx.Err()
		}
		return Book{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return Book{}, fmt.Errorf("%w: too many concurrent writes on book %s", ErrStorageUnavailable, id)
}

// GetAll retrieves a list of all books stored in the redis database in creation order.
func (rs *redisBookStorage) GetAll(ctx context.Context) ([]Book, error) {
	ids, err := rs.client.ZRange(ctx, ZBooksIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return rs.getMany(ctx, ids)
}

// GetTopRated returns the n books with the highest average rating.
// Books sharing the same score come in reverse lexicographical order of ids.
func (rs *redisBookStorage) GetTopRated(ctx context.Context, n int) ([]Book, error) {
	if n <= 0 {
		return []Book{}, nil
	}
	ids, err := rs.client.ZRevRange(ctx, ZBooksByRatings, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return rs.getMany(ctx, ids)
}

func (rs *redisBookStorage) getMany(ctx context.Context, ids []string) ([]Book, error) {
	books := []Book{}
	if len(ids) == 0 {
		return books, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, bookKey(id))
	}
	values, err := rs.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// deleted between the index read and the fetch.
			rs.logger.Debug("redis: indexed book missing", zap.String("book.id", ids[i]))
			continue
		}
		var book Book
		if err = json.Unmarshal([]byte(s), &book); err != nil {
			return nil, fmt.Errorf("%w: corrupted book %s: %v", ErrStorageUnavailable, ids[i], err)
		}
		books = append(books, book)
	}
	return books, nil
}
