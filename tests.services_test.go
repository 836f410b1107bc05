package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testImagesBaseURL = "http://localhost:8080/images/"

// fakeImages stores nothing and hands out urls built from the upload name.
type fakeImages struct {
	mu       sync.Mutex
	ingested []string
	removed  []string
	*MockImageIngester
}

func newFakeImages() *fakeImages {
	fi := &fakeImages{}
	fi.MockImageIngester = &MockImageIngester{
		ValidateFunc: func(contentType string, size int64) error { return nil },
		IngestFunc: func(ctx context.Context, upload *Upload) (Asset, error) {
			fi.mu.Lock()
			defer fi.mu.Unlock()
			fi.ingested = append(fi.ingested, upload.FileName)
			return Asset{Name: upload.FileName, URL: testImagesBaseURL + upload.FileName}, nil
		},
		RemoveFunc: func(ctx context.Context, imageURL string) error {
			fi.mu.Lock()
			defer fi.mu.Unlock()
			fi.removed = append(fi.removed, imageURL)
			return nil
		},
	}
	return fi
}

type serviceFixture struct {
	service *BookService
	storage BookStorage
	client  *redis.Client
	images  *fakeImages
	janitor *MockAssetScheduler
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	client := newMiniRedisClient(t)
	metrics := NewMetrics()
	f := &serviceFixture{
		storage: NewRedisBookStorage(zap.NewNop(), client, NewSteppingClocker(), metrics, 20),
		client:  client,
		images:  newFakeImages(),
		janitor: &MockAssetScheduler{},
	}
	f.service = NewBookService(zap.NewNop(), &Config{}, NewMockClocker(), NewIDsHandler(),
		f.storage, NewRedisQueue(client), f.images, f.janitor, metrics)
	return f
}

func testUpload(name string) *Upload {
	return &Upload{FileName: name, ContentType: "image/png", Size: 4, Data: strings.NewReader("data")}
}

func duneInput() BookInput {
	return BookInput{Title: "Dune", Author: "Frank Herbert", Year: 1965, Genre: "SF"}
}

var (
	alice = Identity{UserID: "alice"}
	bob   = Identity{UserID: "bob"}
	carol = Identity{UserID: "carol"}
)

func TestBookService_CreateAndRate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	dune, err := f.service.Create(ctx, alice, duneInput(), testUpload("dune.png"))
	require.NoError(t, err)
	assert.True(t, NewIDsHandler().IsValid(dune.ID, BookIDPrefix))
	assert.Equal(t, "alice", dune.OwnerID)
	assert.Equal(t, testImagesBaseURL+"dune.png", dune.ImageURL)
	assert.Equal(t, []Rating{}, dune.Ratings)
	assert.Equal(t, 0.0, dune.AverageRating)
	assert.Equal(t, "2023-07-02T00:00:00Z", dune.CreatedAt)
	assert.Equal(t, dune.CreatedAt, dune.UpdatedAt)

	rated, err := f.service.AddRating(ctx, dune.ID, bob, 4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, rated.AverageRating)

	rated, err = f.service.AddRating(ctx, dune.ID, carol, 5)
	require.NoError(t, err)
	assert.Equal(t, 4.5, rated.AverageRating)
	assert.Len(t, rated.Ratings, 2)

	// the owner may rate its own book as well.
	rated, err = f.service.AddRating(ctx, dune.ID, alice, 3)
	require.NoError(t, err)
	assert.Equal(t, 4.0, rated.AverageRating)

	stored, err := f.service.GetOne(ctx, dune.ID)
	require.NoError(t, err)
	assert.Equal(t, rated, stored)

	// every write is forwarded to the replica queues.
	assert.Equal(t, int64(1), f.client.LLen(ctx, CreateQueue).Val())
	assert.Equal(t, int64(3), f.client.LLen(ctx, UpdateQueue).Val())
}

func TestBookService_CreateInvalidPayload(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Create(context.Background(), alice, BookInput{Author: "Frank Herbert"}, testUpload("dune.png"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Contains(t, err.Error(), "title (required)")
	// nothing is ingested for a rejected payload.
	assert.Empty(t, f.images.ingested)

	books, err := f.service.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, books)
}

// TestBookService_TitleOnlyLifecycle runs a book created with a title alone
// through ratings, a duplicate rating and both delete outcomes.
func TestBookService_TitleOnlyLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	dune, err := f.service.Create(ctx, alice, BookInput{Title: "Dune"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", dune.ImageURL)
	assert.Equal(t, "alice", dune.OwnerID)
	assert.Empty(t, dune.Author)
	assert.Zero(t, dune.Year)

	_, err = f.service.AddRating(ctx, dune.ID, bob, 4)
	require.NoError(t, err)
	rated, err := f.service.AddRating(ctx, dune.ID, carol, 5)
	require.NoError(t, err)
	assert.Equal(t, 4.5, rated.AverageRating)

	_, err = f.service.AddRating(ctx, dune.ID, bob, 1)
	assert.ErrorIs(t, err, ErrAlreadyRated)
	stored, err := f.service.GetOne(ctx, dune.ID)
	require.NoError(t, err)
	assert.Equal(t, rated, stored)

	_, err = f.service.Delete(ctx, dune.ID, bob)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.service.GetOne(ctx, dune.ID)
	require.NoError(t, err)

	_, err = f.service.Delete(ctx, dune.ID, alice)
	require.NoError(t, err)
	_, err = f.service.GetOne(ctx, dune.ID)
	assert.ErrorIs(t, err, ErrBookNotFound)
	// no cover means nothing to clean up.
	assert.Empty(t, f.janitor.List())
}

func TestBookService_CreateOversizeUpload(t *testing.T) {
	f := newServiceFixture(t)
	f.images.IngestFunc = func(ctx context.Context, upload *Upload) (Asset, error) {
		return Asset{}, ErrPayloadTooLarge
	}

	_, err := f.service.Create(context.Background(), alice, duneInput(), testUpload("huge.png"))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 413, ErrorStatusCode(err))

	books, err := f.service.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, books)
	assert.Equal(t, int64(0), f.client.LLen(context.Background(), CreateQueue).Val())
}

func TestBookService_CreateStorageFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.service.storage = &MockBookStorage{
		AddFunc: func(ctx context.Context, id string, book Book) error {
			return ErrStorageUnavailable
		},
	}

	t.Run("new cover is removed", func(t *testing.T) {
		_, err := f.service.Create(context.Background(), alice, duneInput(), testUpload("dune.png"))
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.Equal(t, []string{testImagesBaseURL + "dune.png"}, f.images.removed)
		assert.Empty(t, f.janitor.List())
	})

	t.Run("failed removal is scheduled", func(t *testing.T) {
		f.images.RemoveFunc = func(ctx context.Context, imageURL string) error {
			return errors.New("disk failure")
		}
		_, err := f.service.Create(context.Background(), alice, duneInput(), testUpload("emma.png"))
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.Equal(t, []string{testImagesBaseURL + "emma.png"}, f.janitor.List())
	})
}

func TestBookService_AddRatingFailures(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	dune, err := f.service.Create(ctx, alice, duneInput(), nil)
	require.NoError(t, err)
	assert.Empty(t, dune.ImageURL)

	_, err = f.service.AddRating(ctx, dune.ID, bob, 4)
	require.NoError(t, err)

	t.Run("already rated", func(t *testing.T) {
		_, err := f.service.AddRating(ctx, dune.ID, bob, 5)
		assert.ErrorIs(t, err, ErrAlreadyRated)
		stored, err := f.service.GetOne(ctx, dune.ID)
		require.NoError(t, err)
		assert.Equal(t, []Rating{{RaterID: "bob", Grade: 4}}, stored.Ratings)
		assert.Equal(t, 4.0, stored.AverageRating)
	})

	t.Run("invalid grade", func(t *testing.T) {
		for _, grade := range []int{0, 6, -3} {
			_, err := f.service.AddRating(ctx, dune.ID, carol, grade)
			assert.ErrorIs(t, err, ErrInvalidGrade)
		}
		stored, err := f.service.GetOne(ctx, dune.ID)
		require.NoError(t, err)
		assert.False(t, stored.HasRated("carol"))
	})

	t.Run("unknown book", func(t *testing.T) {
		_, err := f.service.AddRating(ctx, "b:00000000-0000-0000-0000-000000000000", carol, 5)
		assert.ErrorIs(t, err, ErrBookNotFound)
	})
}

func TestBookService_Update(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	dune, err := f.service.Create(ctx, alice, duneInput(), testUpload("dune.png"))
	require.NoError(t, err)
	_, err = f.service.AddRating(ctx, dune.ID, bob, 5)
	require.NoError(t, err)

	t.Run("forbidden for non owner", func(t *testing.T) {
		title := "Stolen"
		_, err := f.service.Update(ctx, dune.ID, bob, BookPatch{Title: &title}, testUpload("stolen.png"))
		assert.ErrorIs(t, err, ErrForbidden)
		assert.NotContains(t, f.images.ingested, "stolen.png")
	})

	t.Run("invalid patch", func(t *testing.T) {
		empty := ""
		_, err := f.service.Update(ctx, dune.ID, alice, BookPatch{Title: &empty}, nil)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("partial update keeps ratings and cover", func(t *testing.T) {
		year := 1966
		book, err := f.service.Update(ctx, dune.ID, alice, BookPatch{Year: &year}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1966, book.Year)
		assert.Equal(t, "Dune", book.Title)
		assert.Equal(t, testImagesBaseURL+"dune.png", book.ImageURL)
		assert.Equal(t, 5.0, book.AverageRating)
		assert.Empty(t, f.janitor.List())
	})

	t.Run("cover replacement schedules previous cover", func(t *testing.T) {
		f.images.RemoveFunc = func(ctx context.Context, imageURL string) error {
			return errors.New("disk failure")
		}
		book, err := f.service.Update(ctx, dune.ID, alice, BookPatch{}, testUpload("dune-v2.png"))
		require.NoError(t, err)
		assert.Equal(t, testImagesBaseURL+"dune-v2.png", book.ImageURL)
		assert.Equal(t, []string{testImagesBaseURL + "dune.png"}, f.janitor.List())

		stored, err := f.service.GetOne(ctx, dune.ID)
		require.NoError(t, err)
		assert.Equal(t, book, stored)
	})
}

func TestBookService_Delete(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	dune, err := f.service.Create(ctx, alice, duneInput(), testUpload("dune.png"))
	require.NoError(t, err)

	_, err = f.service.Delete(ctx, dune.ID, bob)
	assert.ErrorIs(t, err, ErrForbidden)

	deleted, err := f.service.Delete(ctx, dune.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, dune.ID, deleted.ID)
	assert.Equal(t, []string{testImagesBaseURL + "dune.png"}, f.janitor.List())
	assert.Equal(t, int64(1), f.client.LLen(ctx, DeleteQueue).Val())

	_, err = f.service.GetOne(ctx, dune.ID)
	assert.ErrorIs(t, err, ErrBookNotFound)

	// not found is reported before ownership.
	title := "Gone"
	_, err = f.service.Update(ctx, dune.ID, bob, BookPatch{Title: &title}, nil)
	assert.ErrorIs(t, err, ErrBookNotFound)
	_, err = f.service.Delete(ctx, dune.ID, bob)
	assert.ErrorIs(t, err, ErrBookNotFound)
	_, err = f.service.AddRating(ctx, dune.ID, bob, 3)
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestBookService_TopRated(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	grades := map[string][]int{
		"Dune":    {4, 5},
		"Emma":    {2},
		"Ulysses": {5, 5},
		"Beloved": {3, 4},
	}
	ids := map[string]string{}
	for _, title := range []string{"Dune", "Emma", "Ulysses", "Beloved"} {
		book, err := f.service.Create(ctx, alice, BookInput{Title: title, Author: "x", Year: 1900, Genre: "y"}, nil)
		require.NoError(t, err)
		ids[title] = book.ID
		for i, g := range grades[title] {
			_, err = f.service.AddRating(ctx, book.ID, Identity{UserID: string(rune('a' + i))}, g)
			require.NoError(t, err)
		}
	}

	top, err := f.service.TopRated(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, DefaultTopRatedLimit)
	assert.Equal(t, ids["Ulysses"], top[0].ID)
	assert.Equal(t, ids["Dune"], top[1].ID)
	assert.Equal(t, ids["Beloved"], top[2].ID)

	top, err = f.service.TopRated(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, top, 4)
	assert.Equal(t, ids["Emma"], top[3].ID)
}

func TestBookService_TopRatedLimits(t *testing.T) {
	var requested []int
	storage := &MockBookStorage{
		GetTopRatedFunc: func(ctx context.Context, n int) ([]Book, error) {
			requested = append(requested, n)
			return []Book{}, nil
		},
	}
	bs := NewBookService(zap.NewNop(), &Config{}, NewMockClocker(), NewIDsHandler(), storage, nil, newFakeImages(), &MockAssetScheduler{}, NewMetrics())
	for _, n := range []int{-1, 0, 1, 7, 50, 51, 1000} {
		_, err := bs.TopRated(context.Background(), n)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{3, 3, 1, 7, 50, 50, 50}, requested)
}
